// Package s2s defines the speech-to-speech provider abstraction: a hosted
// model that consumes streamed input audio and produces synthesised speech
// plus transcripts over a single live session.
//
// Implementations live in subpackages (e.g., s2s/openai). A mock for testing
// is provided in s2s/mock.
package s2s

import (
	"context"
	"time"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Role identifies the speaker of a transcript.
type Role string

const (
	// RoleUser marks recognised user speech.
	RoleUser Role = "user"

	// RoleAgent marks the model's spoken response.
	RoleAgent Role = "agent"
)

// Transcript is a finalised utterance transcript from a live session.
type Transcript struct {
	// Role identifies who spoke.
	Role Role

	// Text is the utterance text.
	Text string

	// Timestamp records when the transcript was finalised.
	Timestamp time.Time
}

// SessionConfig describes the session to open.
type SessionConfig struct {
	// Model selects the hosted model. Empty means the provider default.
	Model string

	// Voice selects the synthesised voice. Empty means the provider default.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// InputSampleRate and InputChannels describe the PCM16 audio that will be
	// appended to the input buffer.
	InputSampleRate int
	InputChannels   int

	// Transcription enables input speech transcription when supported.
	Transcription bool

	// Temperature adjusts sampling when non-zero.
	Temperature float64
}

// Session is one live model session.
//
// Audio and Transcripts channels are closed when the session terminates;
// after that Err reports the terminal error, if any.
type Session interface {
	// AppendInputAudio adds one frame of PCM16 audio to the input buffer.
	AppendInputAudio(ctx context.Context, frame audio.Frame) error

	// CommitInputAudio finalises the pending input buffer so the model treats
	// it as a completed user turn.
	CommitInputAudio(ctx context.Context) error

	// ClearInputAudio discards the pending (uncommitted) input buffer.
	ClearInputAudio(ctx context.Context) error

	// CreateResponse asks the model to respond to the conversation so far.
	CreateResponse(ctx context.Context) error

	// CancelResponse interrupts an in-progress response.
	CancelResponse(ctx context.Context) error

	// Audio streams synthesised response audio.
	Audio() <-chan audio.Frame

	// Transcripts streams finalised transcripts for both roles.
	Transcripts() <-chan Transcript

	// Done is closed when the session terminates for any reason.
	Done() <-chan struct{}

	// Err returns the terminal error after Done is closed, or nil for a
	// clean shutdown.
	Err() error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider opens model sessions.
type Provider interface {
	// Name returns a short stable identifier for logs and metrics.
	Name() string

	// Connect opens a new live session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

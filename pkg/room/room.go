// Package room defines the interfaces and types for realtime-room
// connectivity within Voxbridge.
//
// The two primary abstractions are:
//
//   - [Platform] — connects to a named room and returns a [Connection].
//   - [Connection] — represents an active room session, giving callers
//     participant state and events, byte-stream handler registration
//     (used for pre-connect audio delivery), decoded participant audio in,
//     and synthesised audio out.
//
// Implementations of these interfaces are provided by transport-specific
// adapter packages (e.g., room/wsroom). The interfaces are intentionally
// narrow to keep the agent decoupled from transport details.
package room

import (
	"context"
	"fmt"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room.
	EventLeave

	// EventAttributes is emitted when a participant's attributes change.
	EventAttributes
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventAttributes:
		return "ATTRIBUTES"
	default:
		return "UNKNOWN"
	}
}

// Participant describes a remote room participant.
type Participant struct {
	// Identity is the unique participant identity within the room.
	Identity string

	// Name is the human-readable display name.
	Name string

	// Attributes holds the participant's published key/value attributes.
	Attributes map[string]string
}

// Attribute returns the named attribute value, or "" when absent.
func (p Participant) Attribute(key string) string {
	return p.Attributes[key]
}

// Event describes a participant lifecycle change in a room.
type Event struct {
	// Type indicates what changed.
	Type EventType

	// Participant is the affected participant, including its attributes at
	// the time of the event.
	Participant Participant
}

// StreamInfo describes an incoming byte stream.
type StreamInfo struct {
	// ID uniquely identifies the stream.
	ID string

	// Topic is the application-level stream topic the sender published on.
	Topic string

	// Attributes holds sender-supplied stream metadata (e.g., the audio
	// format of a pre-connect buffer).
	Attributes map[string]string
}

// ByteStreamReader yields the chunks of one incoming byte stream. Next
// returns [io.EOF] once the sender has closed the stream.
type ByteStreamReader interface {
	// Info returns the stream metadata.
	Info() StreamInfo

	// Next returns the next chunk, blocking until one arrives, the stream
	// ends, or ctx is cancelled.
	Next(ctx context.Context) ([]byte, error)
}

// ByteStreamHandler is invoked on its own goroutine for each incoming byte
// stream on a registered topic.
type ByteStreamHandler func(reader ByteStreamReader, participant Participant)

// Connection represents an active session in a room.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called or the transport fails. The
// InputAudio channel is closed automatically when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// LocalIdentity returns the identity this connection joined with.
	LocalIdentity() string

	// Participants returns a snapshot of the current remote participants.
	Participants() []Participant

	// Participant looks up a remote participant by identity.
	Participant(identity string) (Participant, bool)

	// OnParticipantChange registers cb as the callback to invoke whenever a
	// participant joins, leaves or changes attributes. Only one callback may
	// be registered at a time; subsequent calls replace the previous
	// registration. The callback is invoked on an internal goroutine —
	// callers must not block.
	OnParticipantChange(cb func(Event))

	// RegisterByteStreamHandler routes incoming byte streams on topic to
	// handler. Returns an error when the topic already has a handler.
	RegisterByteStreamHandler(topic string, handler ByteStreamHandler) error

	// UnregisterByteStreamHandler removes the handler for topic, if any.
	// Streams already dispatched keep running.
	UnregisterByteStreamHandler(topic string)

	// InputAudio returns the channel delivering decoded PCM16 audio from
	// remote participants. Closed when the connection terminates.
	InputAudio() <-chan audio.Frame

	// PublishAudio sends one frame of PCM16 audio into the room.
	PublishAudio(ctx context.Context, frame audio.Frame) error

	// Done is closed when the connection terminates for any reason.
	Done() <-chan struct{}

	// Disconnect cleanly tears down the connection. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a room transport provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the named room and returns an active [Connection]. The
	// supplied ctx governs the lifetime of the connection attempt only; once
	// connected, the Connection remains alive until Disconnect is called.
	Connect(ctx context.Context, roomName string) (Connection, error)
}

// WaitForParticipant blocks until a remote participant is present, or until
// ctx is cancelled. When identity is non-empty only that participant
// matches; otherwise the first remote participant wins.
func WaitForParticipant(ctx context.Context, conn Connection, identity string) (Participant, error) {
	matches := func(p Participant) bool {
		return identity == "" || p.Identity == identity
	}

	found := make(chan Participant, 1)
	conn.OnParticipantChange(func(ev Event) {
		if ev.Type == EventLeave || !matches(ev.Participant) {
			return
		}
		select {
		case found <- ev.Participant:
		default:
		}
	})
	defer conn.OnParticipantChange(nil)

	// The participant may have joined before the callback was registered.
	for _, p := range conn.Participants() {
		if matches(p) {
			return p, nil
		}
	}

	select {
	case p := <-found:
		return p, nil
	case <-conn.Done():
		return Participant{}, fmt.Errorf("room: connection closed while waiting for participant")
	case <-ctx.Done():
		return Participant{}, fmt.Errorf("room: wait for participant: %w", ctx.Err())
	}
}

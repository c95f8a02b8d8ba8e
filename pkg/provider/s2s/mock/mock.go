// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the audio/transcript streams and inspect which methods
// were invoked by the agent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/s2s"
)

// Ensure the mocks implement the s2s interfaces at compile time.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session with buffered channels.
	Session s2s.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of s2s.Session. Tests feed AudioCh and
// TranscriptsCh and close the session via Close or Fail.
type Session struct {
	mu sync.Mutex

	// AudioCh backs Audio().
	AudioCh chan audio.Frame

	// TranscriptsCh backs Transcripts().
	TranscriptsCh chan s2s.Transcript

	// AppendErr, CommitErr, ClearErr, ResponseErr and CancelErr are returned
	// from the corresponding methods when non-nil.
	AppendErr   error
	CommitErr   error
	ClearErr    error
	ResponseErr error
	CancelErr   error

	// Appended records every frame passed to AppendInputAudio.
	Appended []audio.Frame

	// CommitCalls, ClearCalls, ResponseCalls, CancelCalls and CloseCalls
	// count method invocations.
	CommitCalls   int
	ClearCalls    int
	ResponseCalls int
	CancelCalls   int
	CloseCalls    int

	done    chan struct{}
	errVal  error
	doneSet bool
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan audio.Frame, 64),
		TranscriptsCh: make(chan s2s.Transcript, 16),
		done:          make(chan struct{}),
	}
}

// AppendInputAudio records a copy of frame and returns AppendErr.
func (s *Session) AppendInputAudio(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Appended = append(s.Appended, frame.Clone())
	return nil
}

// CommitInputAudio records the call and returns CommitErr.
func (s *Session) CommitInputAudio(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCalls++
	return s.CommitErr
}

// ClearInputAudio records the call and returns ClearErr.
func (s *Session) ClearInputAudio(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
	return s.ClearErr
}

// CreateResponse records the call and returns ResponseErr.
func (s *Session) CreateResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseCalls++
	return s.ResponseErr
}

// CancelResponse records the call and returns CancelErr.
func (s *Session) CancelResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	return s.CancelErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan audio.Frame { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan s2s.Transcript { return s.TranscriptsCh }

// Done returns the termination channel, closed by Close or Fail.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error set by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Fail terminates the session with err, closing all channels.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if !s.doneSet {
		s.errVal = err
	}
	s.mu.Unlock()
	s.terminate()
}

// Close records the call and terminates the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.terminate()
	return nil
}

func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneSet {
		return
	}
	s.doneSet = true
	close(s.AudioCh)
	close(s.TranscriptsCh)
	close(s.done)
}

// Counters returns the method invocation counts. Thread-safe.
func (s *Session) Counters() (commit, clear, response, cancel, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCalls, s.ClearCalls, s.ResponseCalls, s.CancelCalls, s.CloseCalls
}

// AppendedFrames returns a copy of the recorded frames. Thread-safe.
func (s *Session) AppendedFrames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.Appended...)
}

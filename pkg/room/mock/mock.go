// Package mock provides test doubles for the room package interfaces.
//
// Use Platform to verify Connect calls and hand out a scripted Connection.
// Connection lets tests add participants, emit events, open byte streams
// against registered handlers and inspect published audio.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/room"
)

// Ensure the mocks implement the room interfaces at compile time.
var _ room.Platform = (*Platform)(nil)
var _ room.Connection = (*Connection)(nil)
var _ room.ByteStreamReader = (*StreamReader)(nil)

// Platform is a mock implementation of room.Platform.
type Platform struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a new default
	// Connection.
	Conn room.Connection

	// Queue, when non-empty, is popped front-first on each Connect call and
	// takes precedence over Conn. Useful for scripting reconnect sequences.
	Queue []room.Connection

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records the room names passed to Connect in order.
	ConnectCalls []string
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Platform) Connect(_ context.Context, roomName string) (room.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, roomName)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Queue) > 0 {
		conn := p.Queue[0]
		p.Queue = p.Queue[1:]
		return conn, nil
	}
	if p.Conn != nil {
		return p.Conn, nil
	}
	return NewConnection(), nil
}

// Connection is a scripted implementation of room.Connection.
type Connection struct {
	// Identity is returned by LocalIdentity. Defaults to "agent".
	Identity string

	// InputCh backs InputAudio.
	InputCh chan audio.Frame

	mu           sync.Mutex
	participants map[string]room.Participant
	eventCb      func(room.Event)
	handlers     map[string]room.ByteStreamHandler
	published    []audio.Frame
	publishErr   error
	done         chan struct{}
	closed       bool
}

// NewConnection returns a ready-to-use mock connection.
func NewConnection() *Connection {
	return &Connection{
		Identity:     "agent",
		InputCh:      make(chan audio.Frame, 64),
		participants: make(map[string]room.Participant),
		handlers:     make(map[string]room.ByteStreamHandler),
		done:         make(chan struct{}),
	}
}

// LocalIdentity returns Identity.
func (c *Connection) LocalIdentity() string { return c.Identity }

// Participants returns a snapshot of the scripted participants.
func (c *Connection) Participants() []room.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]room.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// Participant looks up a scripted participant.
func (c *Connection) Participant(identity string) (room.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[identity]
	return p, ok
}

// OnParticipantChange registers cb.
func (c *Connection) OnParticipantChange(cb func(room.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCb = cb
}

// RegisterByteStreamHandler stores handler for topic.
func (c *Connection) RegisterByteStreamHandler(topic string, handler room.ByteStreamHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[topic]; exists {
		return fmt.Errorf("mock: handler already registered for topic %q", topic)
	}
	c.handlers[topic] = handler
	return nil
}

// UnregisterByteStreamHandler removes the handler for topic.
func (c *Connection) UnregisterByteStreamHandler(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
}

// Handler returns the registered handler for topic, if any. Test helper.
func (c *Connection) Handler(topic string) (room.ByteStreamHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[topic]
	return h, ok
}

// InputAudio returns InputCh.
func (c *Connection) InputAudio() <-chan audio.Frame { return c.InputCh }

// PublishAudio records a copy of frame.
func (c *Connection) PublishAudio(_ context.Context, frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, frame.Clone())
	return nil
}

// SetPublishErr makes subsequent PublishAudio calls fail with err.
func (c *Connection) SetPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// Published returns a copy of all frames passed to PublishAudio.
func (c *Connection) Published() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Frame(nil), c.published...)
}

// Done returns the termination channel.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect closes the connection. Idempotent.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.InputCh)
	close(c.done)
	return nil
}

// AddParticipant adds p and emits a join event to the registered callback.
func (c *Connection) AddParticipant(p room.Participant) {
	c.mu.Lock()
	c.participants[p.Identity] = p
	cb := c.eventCb
	c.mu.Unlock()
	if cb != nil {
		cb(room.Event{Type: room.EventJoin, Participant: p})
	}
}

// RemoveParticipant removes the identity and emits a leave event.
func (c *Connection) RemoveParticipant(identity string) {
	c.mu.Lock()
	p := c.participants[identity]
	delete(c.participants, identity)
	cb := c.eventCb
	c.mu.Unlock()
	if cb != nil {
		cb(room.Event{Type: room.EventLeave, Participant: p})
	}
}

// OpenByteStream invokes the handler registered for info.Topic with a reader
// that yields chunks then io.EOF. The handler runs on the calling goroutine;
// it returns an error when no handler is registered.
func (c *Connection) OpenByteStream(info room.StreamInfo, sender room.Participant, chunks ...[]byte) error {
	c.mu.Lock()
	handler := c.handlers[info.Topic]
	c.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("mock: no handler for topic %q", info.Topic)
	}
	handler(NewStreamReader(info, chunks...), sender)
	return nil
}

// StreamReader is a scripted room.ByteStreamReader.
type StreamReader struct {
	info room.StreamInfo

	mu     sync.Mutex
	chunks [][]byte

	// FinalErr is returned after the chunks are exhausted. Defaults to io.EOF.
	FinalErr error
}

// NewStreamReader returns a reader that yields chunks then io.EOF.
func NewStreamReader(info room.StreamInfo, chunks ...[]byte) *StreamReader {
	return &StreamReader{info: info, chunks: chunks, FinalErr: io.EOF}
}

// Info returns the stream metadata.
func (r *StreamReader) Info() room.StreamInfo { return r.info }

// Next returns the next scripted chunk, then FinalErr.
func (r *StreamReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return nil, r.FinalErr
	}
	chunk := r.chunks[0]
	r.chunks = r.chunks[1:]
	return chunk, nil
}

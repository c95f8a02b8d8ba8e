// Package wsroom implements the room interfaces over a WebSocket transport.
//
// The room server speaks a small JSON protocol (see protocol.go): one
// WebSocket per connection carries participant events, byte streams and
// Opus-encoded audio in both directions. Byte streams deliver out-of-band
// payloads such as pre-connect audio buffers; their chunks are buffered per
// stream so slow handlers never stall the read loop.
package wsroom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/room"
)

// Compile-time assertions that Platform and conn satisfy the room interfaces.
var _ room.Platform = (*Platform)(nil)
var _ room.Connection = (*conn)(nil)

// Option is a functional option for configuring a Platform.
type Option func(*Platform)

// WithToken sets the bearer token sent in the join message.
func WithToken(token string) Option {
	return func(p *Platform) { p.token = token }
}

// WithIdentity sets the identity and display name the platform joins with.
func WithIdentity(identity, name string) Option {
	return func(p *Platform) {
		p.identity = identity
		p.name = name
	}
}

// WithAttributes sets the attributes published on join.
func WithAttributes(attrs map[string]string) Option {
	return func(p *Platform) { p.attributes = attrs }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(p *Platform) { p.log = log }
}

// Platform connects to a WebSocket room server.
type Platform struct {
	url        string
	token      string
	identity   string
	name       string
	attributes map[string]string
	log        *slog.Logger
}

// New creates a Platform for the given WebSocket URL.
func New(url string, opts ...Option) *Platform {
	p := &Platform{url: url, identity: "voxbridge-agent"}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Connect joins roomName and returns an active connection. The join handshake
// must complete before Connect returns; afterwards a background read loop
// owns the socket's receive side.
func (p *Platform) Connect(ctx context.Context, roomName string) (room.Connection, error) {
	var header http.Header
	if p.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}
	ws, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("wsroom: dial: %w", err)
	}

	join := envelope{
		Type:       msgJoin,
		Room:       roomName,
		Identity:   p.identity,
		Name:       p.name,
		Token:      p.token,
		Attributes: p.attributes,
	}
	data, err := json.Marshal(join)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: marshal join: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: send join: %w", err)
	}

	// The server must confirm the join before anything else.
	_, resp, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: read join response: %w", err)
	}
	var joined envelope
	if err := json.Unmarshal(resp, &joined); err != nil {
		ws.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("wsroom: decode join response: %w", err)
	}
	switch joined.Type {
	case msgJoined:
	case msgError:
		ws.Close(websocket.StatusNormalClosure, "rejected")
		return nil, fmt.Errorf("wsroom: join rejected: %s", joined.Message)
	default:
		ws.Close(websocket.StatusProtocolError, "unexpected message")
		return nil, fmt.Errorf("wsroom: unexpected join response %q", joined.Type)
	}

	dec, err := newOpusDecoder()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "codec init failed")
		return nil, err
	}
	enc, err := newOpusEncoder()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "codec init failed")
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:            ws,
		log:           p.log.With("room", roomName),
		localIdentity: p.identity,
		dec:           dec,
		enc:           enc,
		ctx:           connCtx,
		cancel:        cancel,
		done:          make(chan struct{}),
		inputCh:       make(chan audio.Frame, 64),
		participants:  make(map[string]room.Participant),
		handlers:      make(map[string]room.ByteStreamHandler),
		streams:       make(map[string]*streamReader),
	}
	for _, pi := range joined.Participants {
		if pi.Identity == p.identity {
			continue
		}
		c.participants[pi.Identity] = toParticipant(pi)
	}

	go c.readLoop()

	return c, nil
}

// conn is an active room connection over one WebSocket.
type conn struct {
	ws            *websocket.Conn
	log           *slog.Logger
	localIdentity string
	dec           *opusDecoder

	// pubMu serialises PublishAudio: the encoder carries chopper and codec
	// state across calls.
	pubMu sync.Mutex
	enc   *opusEncoder

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	inputCh chan audio.Frame

	mu           sync.Mutex
	participants map[string]room.Participant
	eventCb      func(room.Event)
	handlers     map[string]room.ByteStreamHandler
	streams      map[string]*streamReader
	closed       bool
}

func toParticipant(pi participantInfo) room.Participant {
	return room.Participant{
		Identity:   pi.Identity,
		Name:       pi.Name,
		Attributes: pi.Attributes,
	}
}

// LocalIdentity returns the identity this connection joined with.
func (c *conn) LocalIdentity() string { return c.localIdentity }

// Participants returns a snapshot of the current remote participants.
func (c *conn) Participants() []room.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]room.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// Participant looks up a remote participant by identity.
func (c *conn) Participant(identity string) (room.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[identity]
	return p, ok
}

// OnParticipantChange registers cb, replacing any previous registration.
func (c *conn) OnParticipantChange(cb func(room.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCb = cb
}

// RegisterByteStreamHandler routes streams on topic to handler.
func (c *conn) RegisterByteStreamHandler(topic string, handler room.ByteStreamHandler) error {
	if handler == nil {
		return fmt.Errorf("wsroom: nil byte stream handler for topic %q", topic)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[topic]; exists {
		return fmt.Errorf("wsroom: byte stream handler already registered for topic %q", topic)
	}
	c.handlers[topic] = handler
	return nil
}

// UnregisterByteStreamHandler removes the handler for topic.
func (c *conn) UnregisterByteStreamHandler(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
}

// InputAudio returns the decoded participant audio channel.
func (c *conn) InputAudio() <-chan audio.Frame { return c.inputCh }

// PublishAudio encodes one mono PCM16 frame and sends the resulting Opus
// packets into the room. Partial 20 ms frames stay buffered for the next call.
func (c *conn) PublishAudio(ctx context.Context, frame audio.Frame) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	packets, err := c.enc.encode(frame)
	if err != nil {
		return err
	}
	for _, packet := range packets {
		env := envelope{
			Type: msgAudio,
			Data: base64.StdEncoding.EncodeToString(packet),
		}
		if err := c.writeJSON(ctx, env); err != nil {
			return fmt.Errorf("wsroom: publish audio: %w", err)
		}
	}
	return nil
}

// Done is closed when the connection terminates.
func (c *conn) Done() <-chan struct{} { return c.done }

// Disconnect tears down the connection. Idempotent.
func (c *conn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Best effort; the server also handles abrupt closes.
	_ = c.writeJSON(c.ctx, envelope{Type: msgLeave})

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "leaving")
	return nil
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsroom: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// readLoop reads and dispatches server messages. It owns inputCh and done:
// both are closed when it exits, and open byte streams are failed so their
// handlers unblock.
func (c *conn) readLoop() {
	defer c.teardown()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("room connection lost", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("dropping malformed room message", "error", err)
			continue
		}
		c.handleMessage(&env)
	}
}

func (c *conn) handleMessage(env *envelope) {
	switch env.Type {
	case msgParticipantJoined:
		if env.Participant == nil {
			return
		}
		p := toParticipant(*env.Participant)
		c.mu.Lock()
		c.participants[p.Identity] = p
		c.mu.Unlock()
		c.emit(room.Event{Type: room.EventJoin, Participant: p})

	case msgParticipantLeft:
		if env.Participant == nil {
			return
		}
		c.mu.Lock()
		p, known := c.participants[env.Participant.Identity]
		delete(c.participants, env.Participant.Identity)
		c.mu.Unlock()
		if !known {
			p = toParticipant(*env.Participant)
		}
		c.emit(room.Event{Type: room.EventLeave, Participant: p})

	case msgParticipantAttrs:
		if env.Participant == nil {
			return
		}
		p := toParticipant(*env.Participant)
		c.mu.Lock()
		c.participants[p.Identity] = p
		c.mu.Unlock()
		c.emit(room.Event{Type: room.EventAttributes, Participant: p})

	case msgStreamOpen:
		c.handleStreamOpen(env)

	case msgStreamChunk:
		chunk, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			c.log.Debug("dropping malformed stream chunk", "stream", env.StreamID, "error", err)
			return
		}
		c.mu.Lock()
		reader := c.streams[env.StreamID]
		c.mu.Unlock()
		if reader != nil {
			reader.push(chunk)
		}

	case msgStreamClose:
		c.mu.Lock()
		reader := c.streams[env.StreamID]
		delete(c.streams, env.StreamID)
		c.mu.Unlock()
		if reader != nil {
			reader.closeEOF()
		}

	case msgAudio:
		c.handleAudio(env)

	case msgError:
		c.log.Warn("room server error", "message", env.Message)
	}
}

func (c *conn) handleStreamOpen(env *envelope) {
	if env.Stream == nil {
		return
	}
	info := room.StreamInfo{
		ID:         env.Stream.ID,
		Topic:      env.Stream.Topic,
		Attributes: env.Stream.Attributes,
	}

	c.mu.Lock()
	handler := c.handlers[info.Topic]
	sender, known := c.participants[env.Identity]
	if handler != nil {
		c.streams[info.ID] = newStreamReader(info)
	}
	reader := c.streams[info.ID]
	c.mu.Unlock()

	if handler == nil {
		c.log.Debug("ignoring byte stream with no handler", "topic", info.Topic, "stream", info.ID)
		return
	}
	if !known {
		sender = room.Participant{Identity: env.Identity}
	}
	go handler(reader, sender)
}

func (c *conn) handleAudio(env *envelope) {
	packet, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		c.log.Debug("dropping malformed audio packet", "error", err)
		return
	}
	frame, err := c.dec.decode(packet)
	if err != nil {
		c.log.Debug("dropping undecodable audio packet", "error", err)
		return
	}
	select {
	case c.inputCh <- frame:
	default:
		// Realtime audio: drop rather than stall the read loop.
		c.log.Debug("input audio buffer full, dropping frame")
	}
}

func (c *conn) emit(ev room.Event) {
	c.mu.Lock()
	cb := c.eventCb
	c.mu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

// teardown fails open streams, closes channels and marks the connection done.
func (c *conn) teardown() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*streamReader)
	c.mu.Unlock()

	for _, reader := range streams {
		reader.fail(fmt.Errorf("wsroom: connection closed mid-stream"))
	}
	close(c.inputCh)
	close(c.done)
}

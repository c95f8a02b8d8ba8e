package wsroom_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/room"
	"github.com/voxbridge/voxbridge/pkg/room/wsroom"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRoomServer launches a test WebSocket server that performs the join
// handshake and then hands the conn to handler. joinedExtra customises the
// joined message (e.g., to pre-populate participants).
func startRoomServer(t *testing.T, joinedExtra map[string]any, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Expect the join message first.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}

		joined := map[string]any{"type": "joined"}
		for k, v := range joinedExtra {
			joined[k] = v
		}
		data, _ := json.Marshal(joined)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}

		if handler != nil {
			handler(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverWrite(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("serverWrite: %v (may be expected on close)", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_JoinHandshake(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, map[string]any{
		"participants": []map[string]any{
			{"identity": "alice", "name": "Alice", "attributes": map[string]string{"sampleRate": "24000"}},
			{"identity": "agent-1"},
		},
	}, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv), wsroom.WithIdentity("agent-1", "Agent"))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	if got := conn.LocalIdentity(); got != "agent-1" {
		t.Errorf("LocalIdentity = %q; want agent-1", got)
	}
	// The local identity must be excluded from the remote snapshot.
	parts := conn.Participants()
	if len(parts) != 1 {
		t.Fatalf("Participants: want 1, got %d", len(parts))
	}
	if parts[0].Identity != "alice" {
		t.Errorf("participant = %q; want alice", parts[0].Identity)
	}
	if parts[0].Attribute("sampleRate") != "24000" {
		t.Errorf("sampleRate attribute = %q; want 24000", parts[0].Attribute("sampleRate"))
	}
}

func TestConnect_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := context.Background()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		data, _ := json.Marshal(map[string]any{"type": "error", "message": "room full"})
		_ = conn.Write(ctx, websocket.MessageText, data)
	}))
	t.Cleanup(srv.Close)

	p := wsroom.New(wsURL(srv))
	if _, err := p.Connect(context.Background(), "standup"); err == nil {
		t.Fatal("Connect: want error on rejected join")
	} else if !strings.Contains(err.Error(), "room full") {
		t.Errorf("error = %v; want to contain server message", err)
	}
}

// ── Participant events ────────────────────────────────────────────────────────

func TestParticipantEvents(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		serverWrite(t, conn, map[string]any{
			"type":        "participant_joined",
			"participant": map[string]any{"identity": "bob", "name": "Bob"},
		})
		serverWrite(t, conn, map[string]any{
			"type":        "participant_attributes",
			"participant": map[string]any{"identity": "bob", "attributes": map[string]string{"channels": "1"}},
		})
		serverWrite(t, conn, map[string]any{
			"type":        "participant_left",
			"participant": map[string]any{"identity": "bob"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	events := make(chan room.Event, 8)
	conn.OnParticipantChange(func(ev room.Event) { events <- ev })

	wantTypes := []room.EventType{room.EventJoin, room.EventAttributes, room.EventLeave}
	for i, want := range wantTypes {
		select {
		case ev := <-events:
			if ev.Type != want {
				t.Fatalf("event %d: type = %v; want %v", i, ev.Type, want)
			}
			if ev.Participant.Identity != "bob" {
				t.Fatalf("event %d: identity = %q; want bob", i, ev.Participant.Identity)
			}
			if want == room.EventAttributes && ev.Participant.Attribute("channels") != "1" {
				t.Fatalf("attributes event missing channels attribute")
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}

	// After the leave, the participant must be gone from the snapshot.
	deadline := time.After(3 * time.Second)
	for {
		if _, ok := conn.Participant("bob"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("participant still present after leave")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ── Byte streams ──────────────────────────────────────────────────────────────

func TestByteStream_DispatchAndEOF(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, map[string]any{
		"participants": []map[string]any{{"identity": "alice", "name": "Alice"}},
	}, func(conn *websocket.Conn) {
		serverWrite(t, conn, map[string]any{
			"type":     "stream_open",
			"identity": "alice",
			"stream": map[string]any{
				"id":         "st-1",
				"topic":      "voice.preconnect.buffer",
				"attributes": map[string]string{"sampleRate": "24000", "channels": "1"},
			},
		})
		serverWrite(t, conn, map[string]any{
			"type": "stream_chunk", "stream_id": "st-1",
			"data": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		})
		serverWrite(t, conn, map[string]any{
			"type": "stream_chunk", "stream_id": "st-1",
			"data": base64.StdEncoding.EncodeToString([]byte{4, 5}),
		})
		serverWrite(t, conn, map[string]any{"type": "stream_close", "stream_id": "st-1"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	type result struct {
		info   room.StreamInfo
		sender room.Participant
		data   []byte
		err    error
	}
	results := make(chan result, 1)

	err = conn.RegisterByteStreamHandler("voice.preconnect.buffer", func(r room.ByteStreamReader, sender room.Participant) {
		var all []byte
		var finalErr error
		for {
			chunk, err := r.Next(context.Background())
			if err != nil {
				finalErr = err
				break
			}
			all = append(all, chunk...)
		}
		results <- result{info: r.Info(), sender: sender, data: all, err: finalErr}
	})
	if err != nil {
		t.Fatalf("RegisterByteStreamHandler: %v", err)
	}

	select {
	case res := <-results:
		if res.err != io.EOF {
			t.Errorf("final error = %v; want io.EOF", res.err)
		}
		if string(res.data) != string([]byte{1, 2, 3, 4, 5}) {
			t.Errorf("stream data = %v; want [1 2 3 4 5]", res.data)
		}
		if res.info.Attributes["sampleRate"] != "24000" {
			t.Errorf("stream attributes missing sampleRate")
		}
		if res.sender.Identity != "alice" {
			t.Errorf("sender = %q; want alice", res.sender.Identity)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for byte stream handler")
	}
}

func TestByteStream_DuplicateHandlerRejected(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	h := func(room.ByteStreamReader, room.Participant) {}
	if err := conn.RegisterByteStreamHandler("t", h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := conn.RegisterByteStreamHandler("t", h); err == nil {
		t.Fatal("second register: want error")
	}
	conn.UnregisterByteStreamHandler("t")
	if err := conn.RegisterByteStreamHandler("t", h); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestByteStream_FailsOnConnectionLoss(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		serverWrite(t, conn, map[string]any{
			"type":   "stream_open",
			"stream": map[string]any{"id": "st-1", "topic": "t"},
		})
		// Drop the connection mid-stream.
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	errs := make(chan error, 1)
	_ = conn.RegisterByteStreamHandler("t", func(r room.ByteStreamReader, _ room.Participant) {
		_, err := r.Next(context.Background())
		errs <- err
	})

	select {
	case err := <-errs:
		if err == nil || err == io.EOF {
			t.Fatalf("Next after connection loss: want failure, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for stream failure")
	}

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after connection loss")
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestPublishAudio_SendsOpusPackets(t *testing.T) {
	t.Parallel()

	packets := make(chan string, 4)

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
				Data string `json:"data"`
			}
			if json.Unmarshal(data, &env) == nil && env.Type == "audio" {
				packets <- env.Data
			}
		}
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	// Exactly one 20 ms frame at 48 kHz mono: 960 samples.
	frame := audio.Frame{
		Data:              make([]byte, 960*2),
		SampleRate:        48000,
		Channels:          1,
		SamplesPerChannel: 960,
	}
	if err := conn.PublishAudio(context.Background(), frame); err != nil {
		t.Fatalf("PublishAudio: %v", err)
	}

	select {
	case data := <-packets:
		packet, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if len(packet) == 0 {
			t.Fatal("empty opus packet")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio packet")
	}
}

func TestPublishAudio_RejectsStereo(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	frame := audio.Frame{Data: make([]byte, 8), SampleRate: 48000, Channels: 2, SamplesPerChannel: 2}
	if err := conn.PublishAudio(context.Background(), frame); err == nil {
		t.Fatal("PublishAudio with stereo input: want error")
	}
}

func TestInputAudio_MalformedPacketsDropped(t *testing.T) {
	t.Parallel()

	sent := make(chan struct{})

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		serverWrite(t, conn, map[string]any{"type": "audio", "data": "!!!not-base64!!!"})
		close(sent)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	<-sent
	// The malformed packet must be dropped, not delivered or fatal.
	select {
	case f, ok := <-conn.InputAudio():
		if ok {
			t.Fatalf("unexpected frame delivered: %d bytes", len(f.Data))
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := wsroom.New(wsURL(srv))
	conn, err := p.Connect(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after Disconnect")
	}
}

// ── Reconnector ───────────────────────────────────────────────────────────────

// flakyPlatform fails the first n Connect calls.
type flakyPlatform struct {
	mu       sync.Mutex
	failures int
	inner    room.Platform
	calls    int
}

func (f *flakyPlatform) Connect(ctx context.Context, roomName string) (room.Connection, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, io.ErrUnexpectedEOF
	}
	return f.inner.Connect(ctx, roomName)
}

func TestReconnector_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, nil, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	flaky := &flakyPlatform{failures: 2, inner: wsroom.New(wsURL(srv))}
	reconnected := make(chan room.Connection, 1)
	r := wsroom.NewReconnector(wsroom.ReconnectorConfig{
		Platform:    flaky,
		RoomName:    "standup",
		Backoff:     5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		OnReconnect: func(c room.Connection) { reconnected <- c },
	})
	t.Cleanup(func() { _ = r.Stop() })

	// Initial connect fails (first flaky failure consumed by attempt 1).
	if _, err := r.Connect(context.Background()); err == nil {
		t.Fatal("initial Connect: want failure from flaky platform")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Monitor(ctx)
	r.NotifyDisconnect()

	select {
	case conn := <-reconnected:
		if conn == nil {
			t.Fatal("OnReconnect called with nil connection")
		}
		if r.Connection() == nil {
			t.Fatal("Connection() nil after successful reconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

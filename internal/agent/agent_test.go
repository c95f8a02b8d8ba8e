package agent

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	memmock "github.com/voxbridge/voxbridge/pkg/memory/mock"
	embmock "github.com/voxbridge/voxbridge/pkg/provider/embeddings/mock"
	s2smock "github.com/voxbridge/voxbridge/pkg/provider/s2s/mock"
	"github.com/voxbridge/voxbridge/pkg/provider/s2s"
	"github.com/voxbridge/voxbridge/pkg/room"
	roommock "github.com/voxbridge/voxbridge/pkg/room/mock"
)

const testTopic = "voice.preconnect.buffer"

var alice = room.Participant{Identity: "alice", Name: "Alice"}

// testFixture bundles the agent under test with its scripted dependencies.
type testFixture struct {
	agent    *Agent
	conn     *roommock.Connection
	provider *s2smock.Provider
	sess     *s2smock.Session
	store    *memmock.SessionStore
	index    *memmock.SemanticIndex
	embedder *embmock.Provider
	cancel   context.CancelFunc
	runDone  chan error
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

// startAgent builds an agent around mocks and runs it until test cleanup.
func startAgent(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		conn:     roommock.NewConnection(),
		sess:     s2smock.NewSession(),
		store:    &memmock.SessionStore{},
		index:    &memmock.SemanticIndex{},
		embedder: &embmock.Provider{EmbedResult: []float32{1, 0, 0, 0}},
		runDone:  make(chan error, 1),
	}
	f.provider = &s2smock.Provider{Session: f.sess}

	a, err := New(Config{
		Conn:          f.conn,
		Provider:      f.provider,
		SessionConfig: s2s.SessionConfig{Voice: "alloy"},
		Sessions:      f.store,
		Semantic:      f.index,
		Embedder:      f.embedder,
		Topic:         testTopic,
		Health:        health.New(),
		Metrics:       testMetrics(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.agent = a

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() { f.runDone <- a.Run(ctx) }()

	waitFor(t, func() bool {
		_, ok := f.conn.Handler(testTopic)
		return ok
	}, "stream handler never registered")

	f.conn.AddParticipant(alice)
	return f
}

// openStream opens a pre-connect stream on its own goroutine, since the mock
// invokes the handler synchronously and the handler blocks for the whole
// session.
func (f *testFixture) openStream(t *testing.T, chunks ...[]byte) {
	t.Helper()
	info := room.StreamInfo{
		ID:    "stream-1",
		Topic: testTopic,
		Attributes: map[string]string{
			"sampleRate": "8000",
			"channels":   "1",
		},
	}
	go func() {
		_ = f.conn.OpenByteStream(info, alice, chunks...)
	}()
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// pattern returns n bytes of deterministic test data.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func joinedAppends(frames []audio.Frame) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

func TestAgent_PreconnectFlow(t *testing.T) {
	f := startAgent(t)

	// 8000 Hz mono → default relay frame is 800 samples (1600 bytes).
	chunk1 := pattern(1600)
	chunk2 := pattern(100)
	f.openStream(t, chunk1, chunk2)

	waitFor(t, f.commitAndResponseDone, "relay never committed and triggered a response")

	// All buffered bytes reached the model, in order, before the commit.
	got := joinedAppends(f.sess.AppendedFrames())
	want := append(append([]byte(nil), chunk1...), chunk2...)
	if !bytes.Equal(got, want) {
		t.Fatalf("appended bytes differ: got %d bytes, want %d", len(got), len(want))
	}

	// Live audio now flows into the same session.
	live := audio.Frame{Data: pattern(320), SampleRate: 8000, Channels: 1, SamplesPerChannel: 160}
	f.conn.InputCh <- live
	waitFor(t, func() bool {
		return len(f.sess.AppendedFrames()) > 2
	}, "live frame never forwarded")

	// Model audio is published back into the room.
	f.sess.AudioCh <- audio.Frame{Data: pattern(960), SampleRate: 24000, Channels: 1, SamplesPerChannel: 480}
	waitFor(t, func() bool {
		return len(f.conn.Published()) == 1
	}, "model audio never published")

	// Transcripts are persisted and indexed.
	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleUser, Text: "hello there", Timestamp: time.Now()}
	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleAgent, Text: "hi, how can I help", Timestamp: time.Now()}
	waitFor(t, func() bool {
		return len(f.store.WrittenEntries()) == 2 && len(f.index.IndexedChunks()) == 2
	}, "transcripts never persisted")

	entries := f.store.WrittenEntries()
	if entries[0].SpeakerID != "alice" || entries[0].AgentID != "" {
		t.Errorf("user entry attribution: %+v", entries[0])
	}
	if entries[1].SpeakerID != "agent" || entries[1].AgentID != "agent" {
		t.Errorf("agent entry attribution: %+v", entries[1])
	}
	if texts := f.embedder.Texts(); len(texts) != 2 || texts[0] != "hello there" {
		t.Errorf("embedded texts: %v", texts)
	}
	chunks := f.index.IndexedChunks()
	if chunks[0].ID == "" || chunks[0].SessionID == "" {
		t.Errorf("chunk missing IDs: %+v", chunks[0])
	}

	// Closing the model session releases the handler and the agent keeps running.
	_ = f.sess.Close()
	waitFor(t, func() bool { return !f.agent.active.Load() }, "handler never released")

	f.cancel()
	if err := <-f.runDone; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

// commitAndResponseDone reports whether the relay has flushed, committed, and
// triggered a model response.
func (f *testFixture) commitAndResponseDone() bool {
	commit, _, response, _, _ := f.sess.Counters()
	return commit >= 1 && response >= 1
}

func TestAgent_PauseAndResumeCommands(t *testing.T) {
	f := startAgent(t)
	f.openStream(t, pattern(1600))
	waitFor(t, f.commitAndResponseDone, "relay never finished")
	appendedBefore := len(f.sess.AppendedFrames())

	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleUser, Text: "please pause listening", Timestamp: time.Now()}
	waitFor(t, f.agent.Paused, "pause command never applied")

	// Frames arriving while paused are dropped.
	f.conn.InputCh <- audio.Frame{Data: pattern(320), SampleRate: 8000, Channels: 1, SamplesPerChannel: 160}
	time.Sleep(50 * time.Millisecond)
	if got := len(f.sess.AppendedFrames()); got != appendedBefore {
		t.Errorf("paused agent forwarded audio: %d frames, want %d", got, appendedBefore)
	}

	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleUser, Text: "resume listening", Timestamp: time.Now()}
	waitFor(t, func() bool { return !f.agent.Paused() }, "resume command never applied")

	f.conn.InputCh <- audio.Frame{Data: pattern(320), SampleRate: 8000, Channels: 1, SamplesPerChannel: 160}
	waitFor(t, func() bool {
		return len(f.sess.AppendedFrames()) == appendedBefore+1
	}, "resumed agent never forwarded audio")
}

func TestAgent_WrapUpEndsSession(t *testing.T) {
	f := startAgent(t)
	f.openStream(t, pattern(1600))
	waitFor(t, f.commitAndResponseDone, "relay never finished")

	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleUser, Text: "alright wrap it up please", Timestamp: time.Now()}

	waitFor(t, func() bool { return !f.agent.active.Load() }, "wrap-up never ended the session")
	if _, _, _, _, closed := f.sess.Counters(); closed < 1 {
		t.Error("session was not closed after wrap-up")
	}
}

// TestAgent_AgentTranscriptsIgnoreCommands verifies the agent cannot trigger
// its own control phrases by speaking them.
func TestAgent_AgentTranscriptsIgnoreCommands(t *testing.T) {
	f := startAgent(t)
	f.openStream(t, pattern(1600))
	waitFor(t, f.commitAndResponseDone, "relay never finished")

	f.sess.TranscriptsCh <- s2s.Transcript{Role: s2s.RoleAgent, Text: "I will pause listening now", Timestamp: time.Now()}
	waitFor(t, func() bool {
		return len(f.store.WrittenEntries()) == 1
	}, "agent transcript never persisted")
	if f.agent.Paused() {
		t.Error("agent transcript applied a control command")
	}
}

func TestAgent_InvalidStreamFormatRejected(t *testing.T) {
	f := startAgent(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.conn.OpenByteStream(room.StreamInfo{
			ID:         "stream-bad",
			Topic:      testTopic,
			Attributes: map[string]string{"sampleRate": "not-a-number", "channels": "1"},
		}, alice, pattern(100))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not reject malformed stream")
	}
	if len(f.provider.ConnectCalls) != 0 {
		t.Errorf("provider connected despite invalid stream format: %d calls", len(f.provider.ConnectCalls))
	}
}

func TestAgent_SecondStreamRefusedWhileActive(t *testing.T) {
	f := startAgent(t)
	f.openStream(t, pattern(1600))
	waitFor(t, f.commitAndResponseDone, "relay never finished")

	// The first handler is still waiting on the live session; a second
	// stream must be refused without touching the provider again.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.conn.OpenByteStream(room.StreamInfo{
			ID:         "stream-2",
			Topic:      testTopic,
			Attributes: map[string]string{"sampleRate": "8000", "channels": "1"},
		}, alice, pattern(100))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second stream handler did not return")
	}
	if len(f.provider.ConnectCalls) != 1 {
		t.Errorf("provider Connect calls = %d, want 1", len(f.provider.ConnectCalls))
	}
}

func TestAgent_MissingSenderTimesOut(t *testing.T) {
	f := startAgent(t)
	f.agent.waitTimeout = 100 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.conn.OpenByteStream(room.StreamInfo{
			ID:         "stream-ghost",
			Topic:      testTopic,
			Attributes: map[string]string{"sampleRate": "8000", "channels": "1"},
		}, room.Participant{Identity: "nobody"}, pattern(100))
	}()

	// The ghost sender never joins; the handler gives up after the wait
	// timeout. Joining as a different participant must not satisfy the wait.
	f.conn.AddParticipant(room.Participant{Identity: "bob"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never timed out waiting for sender")
	}
	if len(f.provider.ConnectCalls) != 0 {
		t.Errorf("provider connected despite missing sender: %d calls", len(f.provider.ConnectCalls))
	}
}

func TestNew_Validation(t *testing.T) {
	conn := roommock.NewConnection()
	provider := &s2smock.Provider{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"nil conn", Config{Provider: provider, Topic: testTopic}},
		{"nil provider", Config{Conn: conn, Topic: testTopic}},
		{"empty topic", Config{Conn: conn, Provider: provider}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

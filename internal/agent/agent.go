// Package agent implements the Voxbridge conversation orchestrator.
//
// An [Agent] owns one room connection and drives the full lifecycle of a
// voice session:
//
//  1. A participant opens a pre-connect byte stream carrying PCM audio they
//     recorded before the agent was ready. The agent connects a
//     speech-to-speech model session and relays the buffered audio into it,
//     strictly in order, then asks the model to respond.
//  2. After the relay hands off, live microphone audio from the room is
//     forwarded to the same model session, and synthesised model audio is
//     published back into the room.
//  3. Transcripts emitted by the model are persisted to the session store,
//     embedded into the semantic index, and scanned for spoken control
//     phrases ("pause listening", "wrap it up", …).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/preconnect"
	"github.com/voxbridge/voxbridge/internal/voicecmd"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/provider/embeddings"
	"github.com/voxbridge/voxbridge/pkg/provider/s2s"
	"github.com/voxbridge/voxbridge/pkg/room"
)

// participantWaitTimeout bounds how long the agent waits for a stream sender
// to appear in the participant list. Stream opens can race the corresponding
// participant_joined event.
const participantWaitTimeout = 10 * time.Second

// Config holds all dependencies needed to create an [Agent].
//
// Required fields are Conn, Provider, and SessionConfig. The memory and
// embeddings fields are optional — when any of them is nil, transcript
// persistence or semantic indexing is skipped.
type Config struct {
	// Conn is the established room connection. Must not be nil.
	Conn room.Connection

	// Provider creates speech-to-speech model sessions. Must not be nil.
	Provider s2s.Provider

	// SessionConfig is the base model session configuration. The input
	// audio format fields are overwritten per stream from its attributes.
	SessionConfig s2s.SessionConfig

	// Sessions is the transcript log. May be nil.
	Sessions memory.SessionStore

	// Semantic is the embedding index. May be nil.
	Semantic memory.SemanticIndex

	// Embedder produces embeddings for transcript chunks. May be nil.
	Embedder embeddings.Provider

	// Detector scans user transcripts for control phrases.
	// Defaults to [voicecmd.New].
	Detector *voicecmd.Detector

	// Topic is the byte-stream topic carrying pre-connect audio.
	Topic string

	// SampleRateAttr and ChannelsAttr are the stream attribute keys
	// describing the PCM format of the pre-connect stream.
	SampleRateAttr string
	ChannelsAttr   string

	// DrainPolicy selects relay cancellation behaviour.
	DrainPolicy preconnect.DrainPolicy

	// FrameMs is the relay frame duration in milliseconds. Zero selects the
	// relay default.
	FrameMs int

	// Health receives "session" readiness updates. May be nil.
	Health *health.Handler

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to the global meter provider.
	Metrics *observe.Metrics
}

// Agent orchestrates one room connection. Create it with [New] and drive it
// with [Agent.Run].
type Agent struct {
	conn       room.Connection
	provider   s2s.Provider
	sessionCfg s2s.SessionConfig

	sessions memory.SessionStore
	semantic memory.SemanticIndex
	embedder embeddings.Provider
	detector *voicecmd.Detector

	topic          string
	sampleRateAttr string
	channelsAttr   string
	drainPolicy    preconnect.DrainPolicy
	frameMs        int

	healthH *health.Handler
	log     *slog.Logger
	metrics *observe.Metrics

	// runCtx and baseCtx are set once at the start of Run. baseCtx survives
	// cancellation so teardown writes (transcripts, metrics) still complete.
	runCtx  context.Context
	baseCtx context.Context

	waitTimeout time.Duration

	paused atomic.Bool
	active atomic.Bool

	mu   sync.Mutex
	sess s2s.Session // nil when no model session is live
}

// New validates cfg and returns a ready [Agent].
func New(cfg Config) (*Agent, error) {
	if cfg.Conn == nil {
		return nil, errors.New("agent: Conn must not be nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("agent: Provider must not be nil")
	}
	if cfg.Topic == "" {
		return nil, errors.New("agent: Topic must not be empty")
	}
	if cfg.Detector == nil {
		cfg.Detector = voicecmd.New()
	}
	if cfg.SampleRateAttr == "" {
		cfg.SampleRateAttr = "sampleRate"
	}
	if cfg.ChannelsAttr == "" {
		cfg.ChannelsAttr = "channels"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Agent{
		conn:           cfg.Conn,
		provider:       cfg.Provider,
		sessionCfg:     cfg.SessionConfig,
		sessions:       cfg.Sessions,
		semantic:       cfg.Semantic,
		embedder:       cfg.Embedder,
		detector:       cfg.Detector,
		topic:          cfg.Topic,
		sampleRateAttr: cfg.SampleRateAttr,
		channelsAttr:   cfg.ChannelsAttr,
		drainPolicy:    cfg.DrainPolicy,
		frameMs:        cfg.FrameMs,
		healthH:        cfg.Health,
		log:            cfg.Logger.With("component", "agent"),
		metrics:        cfg.Metrics,
		waitTimeout:    participantWaitTimeout,
	}, nil
}

// Run serves the room connection until ctx is cancelled or the connection
// closes. Pre-connect streams are handled on their own goroutines; Run itself
// forwards live room audio to whichever model session is currently active.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	a.baseCtx = context.WithoutCancel(ctx)

	if err := a.conn.RegisterByteStreamHandler(a.topic, a.handlePreconnect); err != nil {
		return fmt.Errorf("agent: register stream handler: %w", err)
	}
	defer a.conn.UnregisterByteStreamHandler(a.topic)

	a.log.Info("agent running",
		"identity", a.conn.LocalIdentity(),
		"topic", a.topic,
		"provider", a.provider.Name(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.conn.Done():
			return errors.New("agent: room connection closed")
		case frame, ok := <-a.conn.InputAudio():
			if !ok {
				return errors.New("agent: room connection closed")
			}
			a.forwardLive(ctx, frame)
		}
	}
}

// Paused reports whether live-audio forwarding is currently suspended.
func (a *Agent) Paused() bool { return a.paused.Load() }

// currentSession returns the live model session, or nil.
func (a *Agent) currentSession() s2s.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Agent) setSession(s s2s.Session) {
	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
}

// forwardLive hands one frame of live room audio to the active model session.
// Frames arriving while paused, or while no session is live, are dropped —
// live audio is only meaningful in the moment.
func (a *Agent) forwardLive(ctx context.Context, frame audio.Frame) {
	if a.paused.Load() {
		return
	}
	sess := a.currentSession()
	if sess == nil {
		return
	}
	if err := sess.AppendInputAudio(ctx, frame); err != nil {
		a.log.Debug("drop live frame", "error", err)
		return
	}
	a.metrics.SessionAudioBytes.Add(ctx, int64(len(frame.Data)))
}

// handlePreconnect serves one pre-connect stream end to end: it connects a
// model session, relays the buffered audio into it, and then keeps the
// session alive for the ensuing live conversation.
func (a *Agent) handlePreconnect(reader room.ByteStreamReader, sender room.Participant) {
	log := a.log.With("stream", reader.Info().ID, "sender", sender.Identity)

	if !a.active.CompareAndSwap(false, true) {
		log.Warn("pre-connect stream refused: another session is active")
		return
	}
	defer a.active.Store(false)

	sampleRate, channels, err := a.streamFormat(reader.Info(), sender)
	if err != nil {
		log.Error("reject pre-connect stream", "error", err)
		return
	}

	// The stream can open before the sender's join event arrives.
	waitCtx, cancelWait := context.WithTimeout(a.runCtx, a.waitTimeout)
	sender, err = room.WaitForParticipant(waitCtx, a.conn, sender.Identity)
	cancelWait()
	if err != nil {
		log.Error("stream sender never joined", "error", err)
		return
	}

	sessCtx, cancelSess := context.WithCancel(a.runCtx)
	defer cancelSess()

	cfg := a.sessionCfg
	cfg.InputSampleRate = sampleRate
	cfg.InputChannels = channels

	sess, err := a.provider.Connect(sessCtx, cfg)
	if err != nil {
		a.metrics.ProviderErrors.Add(a.baseCtx, 1)
		log.Error("connect model session", "error", err)
		return
	}

	sessionID := uuid.NewString()
	log = log.With("session", sessionID)
	log.Info("model session connected", "sample_rate", sampleRate, "channels", channels)

	a.setSession(sess)
	a.metrics.ActiveSessions.Add(a.baseCtx, 1)
	if a.healthH != nil {
		a.healthH.Set("session", func(context.Context) error {
			select {
			case <-sess.Done():
				return errors.New("model session closed")
			default:
				return nil
			}
		})
	}
	defer func() {
		a.setSession(nil)
		if a.healthH != nil {
			a.healthH.Remove("session")
		}
		_ = sess.Close()
		a.metrics.ActiveSessions.Add(a.baseCtx, -1)
		if err := sess.Err(); err != nil {
			a.metrics.ProviderErrors.Add(a.baseCtx, 1)
			log.Error("model session ended", "error", err)
		} else {
			log.Info("model session ended")
		}
	}()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.publishLoop(sess, log)
	}()
	go func() {
		defer loops.Done()
		a.transcriptLoop(sess, sender, sessionID, cancelSess, log)
	}()

	relayErr := a.relayStream(sessCtx, reader, sess, sampleRate, channels, log)
	if relayErr != nil {
		log.Error("pre-connect relay", "error", relayErr)
	} else {
		// Relay handed off; the conversation continues on live audio until
		// the session ends or a wrap-up command cancels it.
		select {
		case <-sess.Done():
		case <-sessCtx.Done():
		}
	}

	// Closing the session ends its audio and transcript streams, which is
	// what lets the pump loops drain and exit.
	_ = sess.Close()
	cancelSess()
	loops.Wait()
}

// relayStream builds and runs the pre-connect relay feeding the model session.
func (a *Agent) relayStream(ctx context.Context, reader room.ByteStreamReader, sess s2s.Session, sampleRate, channels int, log *slog.Logger) error {
	opts := []preconnect.Option{
		preconnect.WithID(reader.Info().ID),
		preconnect.WithDrainPolicy(a.drainPolicy),
		preconnect.WithTrigger(sess.CreateResponse),
		preconnect.WithLogger(log),
		preconnect.WithMetrics(a.metrics),
	}
	if a.frameMs > 0 {
		opts = append(opts, preconnect.WithSamplesPerChannel(sampleRate*a.frameMs/1000))
	}

	relay, err := preconnect.New(sessionSink{sess: sess}, sampleRate, channels, opts...)
	if err != nil {
		return fmt.Errorf("agent: build relay: %w", err)
	}
	return relay.Run(ctx, streamSource{reader: reader})
}

// streamFormat extracts the PCM format of a pre-connect stream from its
// attributes, falling back to the sender's participant attributes.
func (a *Agent) streamFormat(info room.StreamInfo, sender room.Participant) (sampleRate, channels int, err error) {
	sampleRate, err = intAttr(info.Attributes, sender.Attributes, a.sampleRateAttr)
	if err != nil {
		return 0, 0, err
	}
	channels, err = intAttr(info.Attributes, sender.Attributes, a.channelsAttr)
	if err != nil {
		return 0, 0, err
	}
	return sampleRate, channels, nil
}

// intAttr parses the named attribute from the stream attributes, then the
// participant attributes. Missing or malformed values are errors: guessing a
// PCM format would feed the model garbage.
func intAttr(streamAttrs, participantAttrs map[string]string, key string) (int, error) {
	raw, ok := streamAttrs[key]
	if !ok {
		raw, ok = participantAttrs[key]
	}
	if !ok {
		return 0, fmt.Errorf("agent: stream attribute %q missing", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("agent: stream attribute %q has invalid value %q", key, raw)
	}
	return v, nil
}

// publishLoop pumps synthesised model audio back into the room. It exits when
// the session's audio channel closes.
func (a *Agent) publishLoop(sess s2s.Session, log *slog.Logger) {
	for frame := range sess.Audio() {
		if err := a.conn.PublishAudio(a.runCtx, frame); err != nil {
			log.Warn("publish model audio", "error", err)
			return
		}
	}
}

// transcriptLoop persists model transcripts and applies spoken control
// phrases. It exits when the session's transcript channel closes.
func (a *Agent) transcriptLoop(sess s2s.Session, sender room.Participant, sessionID string, cancelSess context.CancelFunc, log *slog.Logger) {
	for tx := range sess.Transcripts() {
		a.persistTranscript(tx, sender, sessionID, log)

		if tx.Role != s2s.RoleUser {
			continue
		}
		switch cmd := a.detector.Detect(tx.Text); cmd {
		case voicecmd.CommandPause:
			log.Info("voice command", "command", cmd)
			a.paused.Store(true)
		case voicecmd.CommandResume:
			log.Info("voice command", "command", cmd)
			a.paused.Store(false)
		case voicecmd.CommandWrapUp:
			log.Info("voice command", "command", cmd)
			cancelSess()
		}
	}
}

// persistTranscript writes one transcript to the session store and indexes it
// into the semantic layer. Persistence failures are logged, never fatal: the
// conversation must not stall on a slow database.
func (a *Agent) persistTranscript(tx s2s.Transcript, sender room.Participant, sessionID string, log *slog.Logger) {
	if tx.Text == "" {
		return
	}

	entry := memory.TranscriptEntry{
		SpeakerID:   sender.Identity,
		SpeakerName: sender.Name,
		Text:        tx.Text,
		Timestamp:   tx.Timestamp,
	}
	if tx.Role == s2s.RoleAgent {
		entry.SpeakerID = a.conn.LocalIdentity()
		entry.SpeakerName = ""
		entry.AgentID = a.conn.LocalIdentity()
	}

	if a.sessions != nil {
		if err := a.sessions.WriteEntry(a.baseCtx, sessionID, entry); err != nil {
			log.Warn("write transcript entry", "error", err)
		} else {
			a.metrics.TranscriptEntries.Add(a.baseCtx, 1)
		}
	}

	if a.semantic == nil || a.embedder == nil {
		return
	}
	embedding, err := a.embedder.Embed(a.baseCtx, tx.Text)
	if err != nil {
		log.Warn("embed transcript chunk", "error", err)
		return
	}
	chunk := memory.Chunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   tx.Text,
		Embedding: embedding,
		SpeakerID: entry.SpeakerID,
		Timestamp: tx.Timestamp,
	}
	if err := a.semantic.IndexChunk(a.baseCtx, chunk); err != nil {
		log.Warn("index transcript chunk", "error", err)
	}
}

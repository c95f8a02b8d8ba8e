// Package preconnect relays audio captured before the agent joined a room
// into a model session's input buffer.
//
// Room clients can start publishing microphone audio before the agent's
// session is ready; that early audio arrives as a byte stream of raw PCM
// chunks. A [Relay] consumes such a stream, reframes the chunks into
// fixed-size frames and appends them to a [Sink] — typically a model
// session's input audio buffer — through an unbounded FIFO queue, so a slow
// sink never backpressures the stream reader.
//
// When the stream ends (or the relay is cancelled) the relay finalises:
// buffered partial audio is flushed, the sink is committed exactly once, and
// an optional response trigger fires exactly once after the commit. The
// finalisation runs unconditionally, on every termination path.
package preconnect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// ErrAlreadyStarted is returned by [Relay.Run] when called more than once.
var ErrAlreadyStarted = errors.New("preconnect: relay already started")

// Sink receives the relayed audio. Implementations must tolerate Append
// being called after an earlier Append failed; the relay drops the failed
// frame and keeps going.
type Sink interface {
	// Append adds one frame to the input buffer.
	Append(ctx context.Context, frame audio.Frame) error

	// Commit finalises the input buffer. Called exactly once per relay,
	// after all appends (including flushed partial audio).
	Commit(ctx context.Context) error
}

// Source yields the raw byte chunks of a pre-connect stream. Next returns
// [io.EOF] when the stream is complete.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// TriggerFunc is invoked once after a successful or failed commit, typically
// to ask the model for a response to the buffered audio.
type TriggerFunc func(ctx context.Context) error

// DrainPolicy controls what happens to queued-but-unprocessed chunks when the
// relay is cancelled mid-stream.
type DrainPolicy int

const (
	// PromptShutdown stops the worker promptly: the in-flight append
	// completes, remaining queued chunks are dropped, then the relay
	// finalises. This is the default.
	PromptShutdown DrainPolicy = iota

	// DrainAll processes every queued chunk before finalising, trading
	// shutdown latency for completeness.
	DrainAll
)

// State is the relay lifecycle state.
type State int32

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota

	// StateStreaming means the relay is consuming the stream.
	StateStreaming

	// StateDraining means the stream has ended and finalisation is running.
	StateDraining

	// StateCommitted means finalisation is complete.
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Relay forwards one pre-connect audio stream into one sink. A Relay is
// single-use: create it, call [Relay.Run] once, then observe [Relay.Done]
// and [Relay.Err].
type Relay struct {
	id      string
	sink    Sink
	stream  *audio.ByteStream
	queue   *chunkQueue
	policy  DrainPolicy
	trigger TriggerFunc
	log     *slog.Logger
	metrics *observe.Metrics

	samplesPerChannel int

	state atomic.Int32
	done  chan struct{}
	err   error // written before done is closed
}

// Option configures a [Relay].
type Option func(*Relay)

// WithID sets the relay identifier used in logs. Defaults to a random UUID.
func WithID(id string) Option {
	return func(r *Relay) { r.id = id }
}

// WithDrainPolicy sets the cancellation drain policy. Default: [PromptShutdown].
func WithDrainPolicy(p DrainPolicy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithTrigger sets the response trigger fired once after commit.
func WithTrigger(fn TriggerFunc) Option {
	return func(r *Relay) { r.trigger = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Relay) { r.log = log }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithSamplesPerChannel sets the frame size used for reframing. Defaults to
// 100 ms of audio.
func WithSamplesPerChannel(n int) Option {
	return func(r *Relay) { r.samplesPerChannel = n }
}

// New creates a relay that reframes PCM16 audio of the given format into
// sink. Returns an error for a non-positive sample rate, channel count or
// frame size.
func New(sink Sink, sampleRate, channels int, opts ...Option) (*Relay, error) {
	if sink == nil {
		return nil, errors.New("preconnect: nil sink")
	}

	r := &Relay{
		sink:  sink,
		queue: newChunkQueue(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	var streamOpts []audio.ByteStreamOption
	if r.samplesPerChannel > 0 {
		streamOpts = append(streamOpts, audio.WithSamplesPerChannel(r.samplesPerChannel))
	} else if r.samplesPerChannel < 0 {
		return nil, fmt.Errorf("preconnect: invalid samples per channel %d", r.samplesPerChannel)
	}
	stream, err := audio.NewByteStream(sampleRate, channels, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("preconnect: %w", err)
	}
	r.stream = stream

	return r, nil
}

// ID returns the relay identifier.
func (r *Relay) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *Relay) State() State { return State(r.state.Load()) }

// Done returns a channel closed when finalisation is complete.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err returns the terminal error, or nil. Only meaningful after Done is
// closed; before that it always returns nil.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Run consumes src until it is exhausted or ctx is cancelled, then finalises
// the sink. It blocks until finalisation is complete and returns the terminal
// error. Cancellation by itself is not an error: the relay still flushes,
// commits and triggers, and Run returns nil unless finalisation failed.
//
// Run may be called at most once; further calls return [ErrAlreadyStarted].
func (r *Relay) Run(ctx context.Context, src Source) error {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return ErrAlreadyStarted
	}

	start := time.Now()
	// Finalisation and teardown must survive cancellation of ctx.
	base := context.WithoutCancel(ctx)

	r.metrics.ActiveRelays.Add(base, 1)
	defer r.metrics.ActiveRelays.Add(base, -1)

	workerCtx, stopWorker := context.WithCancel(base)
	defer stopWorker()
	workerDone := make(chan struct{})
	go r.worker(workerCtx, workerDone)

	readErr := r.readLoop(ctx, src)

	cancelled := ctx.Err() != nil
	if cancelled && r.policy == PromptShutdown {
		stopWorker()
	} else {
		r.queue.close()
	}
	<-workerDone

	if dropped := r.queue.len(); dropped > 0 {
		r.metrics.PreconnectDropped.Add(base, int64(dropped))
		r.log.Warn("dropping queued pre-connect chunks on cancellation",
			"relay", r.id, "chunks", dropped)
	}

	finErr := r.finalize(base)
	r.err = errors.Join(readErr, finErr)
	close(r.done)

	outcome := "ok"
	switch {
	case r.err != nil:
		outcome = "error"
	case cancelled:
		outcome = "cancelled"
	}
	r.metrics.RelayDuration.Record(base, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
	r.log.Debug("pre-connect relay finished",
		"relay", r.id, "outcome", outcome, "duration", time.Since(start))

	return r.err
}

// readLoop pulls chunks from src into the queue until EOF, cancellation or a
// read error. Cancellation is not reported as an error.
func (r *Relay) readLoop(ctx context.Context, src Source) error {
	for {
		chunk, err := src.Next(ctx)
		switch {
		case err == nil:
			if len(chunk) == 0 {
				continue
			}
			r.queue.push(chunk)
			r.metrics.PreconnectChunks.Add(ctx, 1)
			r.metrics.PreconnectBytes.Add(ctx, int64(len(chunk)))
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return fmt.Errorf("preconnect: read stream: %w", err)
		}
	}
}

// worker is the single queue consumer: it reframes chunks and appends full
// frames to the sink. Appends run under a non-cancellable context so that an
// in-flight append completes even when the worker is being stopped.
func (r *Relay) worker(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	appendCtx := context.WithoutCancel(ctx)
	for {
		chunk, err := r.queue.pop(ctx)
		if err != nil {
			return
		}
		r.appendFrames(appendCtx, r.stream.Write(chunk))
	}
}

// appendFrames appends frames to the sink, logging and skipping failures so
// one bad frame does not abort the relay.
func (r *Relay) appendFrames(ctx context.Context, frames []audio.Frame) {
	for _, f := range frames {
		if err := r.sink.Append(ctx, f); err != nil {
			r.log.Warn("dropping frame after sink append failure",
				"relay", r.id, "error", err)
			continue
		}
		r.metrics.PreconnectFrames.Add(ctx, 1)
	}
}

// finalize flushes buffered partial audio, commits the sink and fires the
// trigger. Runs exactly once per relay, on every termination path; the caller
// guarantees the worker has stopped.
func (r *Relay) finalize(ctx context.Context) error {
	r.state.Store(int32(StateDraining))

	var errs []error
	for _, f := range r.stream.Flush() {
		if err := r.sink.Append(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("preconnect: append flush frame: %w", err))
			continue
		}
		r.metrics.PreconnectFrames.Add(ctx, 1)
	}

	if err := r.sink.Commit(ctx); err != nil {
		errs = append(errs, fmt.Errorf("preconnect: commit input buffer: %w", err))
	}

	if r.trigger != nil {
		if err := r.trigger(ctx); err != nil {
			errs = append(errs, fmt.Errorf("preconnect: trigger response: %w", err))
		}
	}

	r.state.Store(int32(StateCommitted))
	return errors.Join(errs...)
}

package preconnect

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// recordSink records every call in order so tests can assert on sequencing.
type recordSink struct {
	mu       sync.Mutex
	calls    []string // "append" or "commit"
	frames   []audio.Frame
	commits  int
	appendFn func(n int, frame audio.Frame) error // nil means success; n is 1-based
	commitFn func() error
}

func (s *recordSink) Append(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.frames) + 1
	if s.appendFn != nil {
		if err := s.appendFn(n, frame); err != nil {
			return err
		}
	}
	s.calls = append(s.calls, "append")
	s.frames = append(s.frames, frame.Clone())
	return nil
}

func (s *recordSink) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "commit")
	s.commits++
	if s.commitFn != nil {
		return s.commitFn()
	}
	return nil
}

func (s *recordSink) snapshot() (calls []string, frames []audio.Frame, commits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...), append([]audio.Frame(nil), s.frames...), s.commits
}

// sliceSource yields the given chunks then io.EOF.
type sliceSource struct {
	chunks [][]byte
	next   int
}

func (s *sliceSource) Next(context.Context) ([]byte, error) {
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

// hangingSource yields its chunks then blocks until the context is cancelled.
type hangingSource struct {
	chunks [][]byte
	next   int
}

func (s *hangingSource) Next(ctx context.Context) ([]byte, error) {
	if s.next < len(s.chunks) {
		chunk := s.chunks[s.next]
		s.next++
		return chunk, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestRelay(t *testing.T, sink Sink, opts ...Option) *Relay {
	t.Helper()
	opts = append([]Option{
		WithMetrics(testMetrics(t)),
		WithSamplesPerChannel(80), // 160-byte mono frames
	}, opts...)
	r, err := New(sink, 8000, 1, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRelay_OrderCommitAndTrigger(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	var triggered int
	var triggerSeenCommits int
	r := newTestRelay(t, sink, WithTrigger(func(context.Context) error {
		triggered++
		_, _, triggerSeenCommits = sink.snapshot()
		return nil
	}))

	src := &sliceSource{chunks: [][]byte{pattern(100), pattern(250), pattern(37)}}
	if err := r.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls, frames, commits := sink.snapshot()
	// 387 bytes at 160 bytes per frame: two full frames plus a 67-byte flush.
	if len(frames) != 3 {
		t.Fatalf("frames: want 3, got %d", len(frames))
	}
	if len(frames[0].Data) != 160 || len(frames[1].Data) != 160 || len(frames[2].Data) != 67 {
		t.Fatalf("frame sizes: got %d, %d, %d", len(frames[0].Data), len(frames[1].Data), len(frames[2].Data))
	}
	if commits != 1 {
		t.Fatalf("commits: want 1, got %d", commits)
	}
	if calls[len(calls)-1] != "commit" {
		t.Fatalf("call order: commit must be last append-side call, got %v", calls)
	}

	// Byte order must be preserved across the reframing boundary.
	var got []byte
	for _, f := range frames {
		got = append(got, f.Data...)
	}
	want := append(append(pattern(100), pattern(250)...), pattern(37)...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %d, got %d", i, want[i], got[i])
		}
	}

	if triggered != 1 {
		t.Fatalf("trigger: want 1 call, got %d", triggered)
	}
	if triggerSeenCommits != 1 {
		t.Fatalf("trigger ran before commit (saw %d commits)", triggerSeenCommits)
	}
	if got := r.State(); got != StateCommitted {
		t.Fatalf("state: want committed, got %v", got)
	}
}

func TestRelay_EmptyStreamStillCommits(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	var triggered int
	r := newTestRelay(t, sink, WithTrigger(func(context.Context) error {
		triggered++
		return nil
	}))

	if err := r.Run(context.Background(), &sliceSource{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, frames, commits := sink.snapshot()
	if len(frames) != 0 {
		t.Fatalf("frames: want 0, got %d", len(frames))
	}
	if commits != 1 {
		t.Fatalf("commits: want 1, got %d", commits)
	}
	if triggered != 1 {
		t.Fatalf("trigger: want 1 call, got %d", triggered)
	}
}

func TestRelay_RunTwice(t *testing.T) {
	t.Parallel()

	r := newTestRelay(t, &recordSink{})
	if err := r.Run(context.Background(), &sliceSource{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(context.Background(), &sliceSource{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run: want ErrAlreadyStarted, got %v", err)
	}
}

func TestRelay_CancellationPromptShutdown(t *testing.T) {
	t.Parallel()

	firstAppend := make(chan struct{})
	gate := make(chan struct{})
	sink := &recordSink{}
	sink.appendFn = func(n int, _ audio.Frame) error {
		if n == 1 {
			close(firstAppend)
			<-gate
		}
		return nil
	}

	var triggered int
	r := newTestRelay(t, sink, WithTrigger(func(context.Context) error {
		triggered++
		return nil
	}))

	// Five frame-sized chunks, then the source hangs until cancellation.
	chunks := make([][]byte, 5)
	for i := range chunks {
		chunks[i] = pattern(160)
	}
	src := &hangingSource{chunks: chunks}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx, src) }()

	// Wait for the worker to block on the first append with a backlog queued,
	// then cancel and let the in-flight append finish.
	select {
	case <-firstAppend:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the sink")
	}
	cancel()
	close(gate)

	var err error
	select {
	case err = <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if err != nil {
		t.Fatalf("Run: cancellation must not be an error, got %v", err)
	}

	_, frames, commits := sink.snapshot()
	// The in-flight frame completes; the queued backlog is dropped.
	if len(frames) >= 5 {
		t.Fatalf("frames: want backlog dropped, got all %d", len(frames))
	}
	if commits != 1 {
		t.Fatalf("commits: want exactly 1 on cancellation, got %d", commits)
	}
	if triggered != 1 {
		t.Fatalf("trigger: want 1 call, got %d", triggered)
	}
	if got := r.State(); got != StateCommitted {
		t.Fatalf("state: want committed, got %v", got)
	}
}

func TestRelay_CancellationDrainAll(t *testing.T) {
	t.Parallel()

	firstAppend := make(chan struct{})
	gate := make(chan struct{})
	sink := &recordSink{}
	sink.appendFn = func(n int, _ audio.Frame) error {
		if n == 1 {
			close(firstAppend)
			<-gate
		}
		return nil
	}

	r := newTestRelay(t, sink, WithDrainPolicy(DrainAll))

	chunks := make([][]byte, 5)
	for i := range chunks {
		chunks[i] = pattern(160)
	}
	src := &hangingSource{chunks: chunks}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx, src) }()

	select {
	case <-firstAppend:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the sink")
	}
	cancel()
	close(gate)

	var err error
	select {
	case err = <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, frames, commits := sink.snapshot()
	if len(frames) != 5 {
		t.Fatalf("frames: drain-all must process the backlog, want 5, got %d", len(frames))
	}
	if commits != 1 {
		t.Fatalf("commits: want 1, got %d", commits)
	}
}

func TestRelay_SinkAppendFailureContinues(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	failed := false
	sink.appendFn = func(n int, _ audio.Frame) error {
		if n == 2 && !failed {
			failed = true
			return errors.New("buffer rejected")
		}
		return nil
	}
	r := newTestRelay(t, sink)

	src := &sliceSource{chunks: [][]byte{pattern(160), pattern(160), pattern(160)}}
	if err := r.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: a per-frame append failure must not fail the relay, got %v", err)
	}

	_, frames, commits := sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("frames: want 2 (one dropped), got %d", len(frames))
	}
	if commits != 1 {
		t.Fatalf("commits: want 1, got %d", commits)
	}
}

func TestRelay_CommitFailureReported(t *testing.T) {
	t.Parallel()

	sink := &recordSink{commitFn: func() error { return errors.New("session gone") }}
	var triggered int
	r := newTestRelay(t, sink, WithTrigger(func(context.Context) error {
		triggered++
		return nil
	}))

	err := r.Run(context.Background(), &sliceSource{chunks: [][]byte{pattern(160)}})
	if err == nil {
		t.Fatal("Run: want commit error, got nil")
	}
	if triggered != 1 {
		t.Fatalf("trigger: want 1 call even after commit failure, got %d", triggered)
	}
	if got := r.Err(); got == nil {
		t.Fatal("Err: want terminal error after Done")
	}
}

func TestRelay_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, 8000, 1); err == nil {
		t.Fatal("New(nil sink): want error")
	}
	if _, err := New(&recordSink{}, 0, 1); err == nil {
		t.Fatal("New(zero sample rate): want error")
	}
	if _, err := New(&recordSink{}, 8000, 0); err == nil {
		t.Fatal("New(zero channels): want error")
	}
	if _, err := New(&recordSink{}, 8000, 1, WithSamplesPerChannel(-1)); err == nil {
		t.Fatal("New(negative frame size): want error")
	}
}

func TestRelay_ErrBeforeDone(t *testing.T) {
	t.Parallel()

	r := newTestRelay(t, &recordSink{})
	if got := r.State(); got != StateIdle {
		t.Fatalf("state: want idle, got %v", got)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err before Run: want nil, got %v", err)
	}

	if err := r.Run(context.Background(), &sliceSource{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done: want closed after Run returns")
	}
}

package wsroom

import (
	"context"
	"io"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/room"
)

// streamReader buffers the chunks of one incoming byte stream and hands them
// to the registered handler in arrival order. Chunks keep flowing while the
// handler is slow; nothing backpressures the WebSocket read loop.
type streamReader struct {
	info room.StreamInfo

	mu     sync.Mutex
	chunks [][]byte
	eof    bool
	failed error

	signal chan struct{}
}

var _ room.ByteStreamReader = (*streamReader)(nil)

func newStreamReader(info room.StreamInfo) *streamReader {
	return &streamReader{
		info:   info,
		signal: make(chan struct{}, 1),
	}
}

// Info returns the stream metadata.
func (r *streamReader) Info() room.StreamInfo { return r.info }

// Next returns the next chunk, io.EOF after a clean stream close, or the
// stream's failure error.
func (r *streamReader) Next(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		if len(r.chunks) > 0 {
			chunk := r.chunks[0]
			r.chunks = r.chunks[1:]
			r.mu.Unlock()
			return chunk, nil
		}
		eof, failed := r.eof, r.failed
		r.mu.Unlock()

		if failed != nil {
			return nil, failed
		}
		if eof {
			return nil, io.EOF
		}
		select {
		case <-r.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *streamReader) push(chunk []byte) {
	r.mu.Lock()
	if r.eof || r.failed != nil {
		r.mu.Unlock()
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
	r.wake()
}

// closeEOF marks the stream cleanly finished. Buffered chunks remain readable.
func (r *streamReader) closeEOF() {
	r.mu.Lock()
	r.eof = true
	r.mu.Unlock()
	r.wake()
}

// fail terminates the stream with err (e.g., the connection dropped mid-stream).
func (r *streamReader) fail(err error) {
	r.mu.Lock()
	if r.failed == nil && !r.eof {
		r.failed = err
	}
	r.mu.Unlock()
	r.wake()
}

func (r *streamReader) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

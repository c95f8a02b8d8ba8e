package agent

import (
	"context"

	"github.com/voxbridge/voxbridge/internal/preconnect"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/s2s"
	"github.com/voxbridge/voxbridge/pkg/room"
)

var (
	_ preconnect.Sink   = sessionSink{}
	_ preconnect.Source = streamSource{}
)

// sessionSink adapts a model session to the relay's sink interface: appended
// frames go to the model's input audio buffer, and Commit finalises the buffer.
type sessionSink struct {
	sess s2s.Session
}

func (s sessionSink) Append(ctx context.Context, frame audio.Frame) error {
	return s.sess.AppendInputAudio(ctx, frame)
}

func (s sessionSink) Commit(ctx context.Context) error {
	return s.sess.CommitInputAudio(ctx)
}

// streamSource adapts a room byte-stream reader to the relay's source
// interface. The reader already returns io.EOF when the publisher closes the
// stream, which is exactly the relay's end-of-stream contract.
type streamSource struct {
	reader room.ByteStreamReader
}

func (s streamSource) Next(ctx context.Context) ([]byte, error) {
	return s.reader.Next(ctx)
}

package audio

import "fmt"

// ByteStream converts an ordered sequence of variable-length byte chunks into
// an ordered sequence of fixed-length PCM frames.
//
// The frame shape (sample rate, channel count, samples per channel) is fixed
// at construction. Bytes that do not yet form a complete frame are carried
// over between [ByteStream.Write] calls, so the emitted frame sequence is
// identical regardless of how the underlying byte stream is chunked.
//
// A ByteStream is owned by a single goroutine; it is not safe for concurrent
// use.
type ByteStream struct {
	sampleRate        int
	channels          int
	samplesPerChannel int
	frameBytes        int

	carry   []byte
	flushed bool
}

// ByteStreamOption configures a [ByteStream].
type ByteStreamOption func(*ByteStream)

// WithSamplesPerChannel overrides the frame size. The default is one tenth of
// the sample rate (100 ms frames).
func WithSamplesPerChannel(n int) ByteStreamOption {
	return func(s *ByteStream) {
		s.samplesPerChannel = n
	}
}

// NewByteStream creates a reframer for the given stream format. It returns an
// error if the sample rate or channel count is not positive, or if an option
// sets a non-positive frame size.
func NewByteStream(sampleRate, channels int, opts ...ByteStreamOption) (*ByteStream, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	s := &ByteStream{
		sampleRate:        sampleRate,
		channels:          channels,
		samplesPerChannel: sampleRate / 10,
	}
	for _, o := range opts {
		o(s)
	}
	if s.samplesPerChannel <= 0 {
		return nil, fmt.Errorf("audio: invalid samples per channel %d", s.samplesPerChannel)
	}
	s.frameBytes = s.samplesPerChannel * s.channels * BytesPerSample
	return s, nil
}

// SampleRate returns the configured sample rate in Hz.
func (s *ByteStream) SampleRate() int { return s.sampleRate }

// Channels returns the configured channel count.
func (s *ByteStream) Channels() int { return s.channels }

// SamplesPerChannel returns the configured full-frame size.
func (s *ByteStream) SamplesPerChannel() int { return s.samplesPerChannel }

// Write consumes chunk and returns as many complete frames as can be formed
// from the carry-over plus the new bytes. Leftover bytes — including a
// trailing byte below one full sample — remain buffered for the next call.
func (s *ByteStream) Write(chunk []byte) []Frame {
	s.carry = append(s.carry, chunk...)

	n := len(s.carry) / s.frameBytes
	if n == 0 {
		return nil
	}

	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		data := make([]byte, s.frameBytes)
		copy(data, s.carry[i*s.frameBytes:(i+1)*s.frameBytes])
		frames = append(frames, Frame{
			Data:              data,
			SampleRate:        s.sampleRate,
			Channels:          s.channels,
			SamplesPerChannel: s.samplesPerChannel,
		})
	}

	// Copy the remainder to a fresh slice so emitted frames and the carry do
	// not pin the old backing array.
	rest := s.carry[n*s.frameBytes:]
	s.carry = append(make([]byte, 0, s.frameBytes), rest...)
	return frames
}

// Flush emits whatever remains in the carry-over as a single final frame.
// The final frame may be short — fewer samples than a full frame, and
// possibly a trailing byte below one sample — so that the total bytes
// emitted across Write and Flush equal the total bytes written.
//
// Flush is idempotent: a second call returns nil. After Flush the reframer
// must not be reused for Write.
func (s *ByteStream) Flush() []Frame {
	if s.flushed {
		return nil
	}
	s.flushed = true

	if len(s.carry) == 0 {
		return nil
	}
	data := s.carry
	s.carry = nil
	return []Frame{{
		Data:              data,
		SampleRate:        s.sampleRate,
		Channels:          s.channels,
		SamplesPerChannel: len(data) / (s.channels * BytesPerSample),
	}}
}

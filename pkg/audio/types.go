// Package audio defines the audio frame type and the byte-stream reframer
// used throughout Voxbridge.
//
// All audio in the pipeline is 16-bit signed little-endian PCM, interleaved
// per channel. A [Frame] is the atomic unit of transport: captured from room
// tracks, produced by the reframer, and appended to a model session's input
// audio buffer.
//
// This package lives under pkg/ because room transports and model providers
// outside this repository are expected to exchange [Frame] values.
package audio

import "time"

// BytesPerSample is the width of one PCM sample for one channel.
const BytesPerSample = 2

// Frame is a unit of PCM audio with a fixed shape.
//
// For frames produced by [ByteStream.Write], len(Data) is always exactly
// SamplesPerChannel * Channels * BytesPerSample. The one exception is the
// final frame emitted by [ByteStream.Flush], which may be short.
type Frame struct {
	// Data holds interleaved 16-bit little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for model input, 48000 for room tracks).
	SampleRate int

	// Channels is the interleaved channel count: 1 for mono, 2 for stereo.
	Channels int

	// SamplesPerChannel is the number of samples per channel in Data.
	SamplesPerChannel int
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	return f
}

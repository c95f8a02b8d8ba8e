package wsroom

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Room audio travels as 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusMaxPacket bounds an encoded packet; Opus packets for 20 ms mono
	// audio are far smaller in practice.
	opusMaxPacket = 4000
)

// opusDecoder wraps a gopus Opus decoder for the incoming room audio stream.
// Decoder state carries across consecutive packets, so the connection keeps a
// single decoder for its lifetime.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("wsroom: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus packet into a PCM16 frame.
func (d *opusDecoder) decode(packet []byte) (audio.Frame, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("wsroom: opus decode: %w", err)
	}
	return audio.Frame{
		Data:              audio.Int16sToBytes(pcm),
		SampleRate:        opusSampleRate,
		Channels:          opusChannels,
		SamplesPerChannel: len(pcm) / opusChannels,
	}, nil
}

// opusEncoder wraps a gopus Opus encoder for the outgoing audio track. It
// accepts mono PCM16 frames of any sample rate: input is resampled to 48 kHz,
// accumulated and re-cut into exact 20 ms frames before encoding.
type opusEncoder struct {
	enc     *gopus.Encoder
	chopper *audio.ByteStream
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("wsroom: create opus encoder: %w", err)
	}
	chopper, err := audio.NewByteStream(opusSampleRate, opusChannels,
		audio.WithSamplesPerChannel(opusFrameSize))
	if err != nil {
		return nil, fmt.Errorf("wsroom: create frame chopper: %w", err)
	}
	return &opusEncoder{enc: enc, chopper: chopper}, nil
}

// encode converts one PCM16 frame into zero or more Opus packets. Partial
// 20 ms frames stay buffered until the next call.
func (e *opusEncoder) encode(frame audio.Frame) ([][]byte, error) {
	if frame.Channels != 1 {
		return nil, fmt.Errorf("wsroom: opus encode: want mono input, got %d channels", frame.Channels)
	}

	data := frame.Data
	if frame.SampleRate != opusSampleRate {
		data = audio.ResampleMono16(data, frame.SampleRate, opusSampleRate)
	}

	var packets [][]byte
	for _, f := range e.chopper.Write(data) {
		packet, err := e.enc.Encode(audio.BytesToInt16s(f.Data), opusFrameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("wsroom: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Decoder turns recorded bytes back into PCM samples.
type Decoder struct {
	// Used for L16 payloads whose label carries no rate/channels.
	SampleRate int
	Channels   int
}

func (d Decoder) DecodeAudioData(ctx context.Context, data []byte, mimeType string) (*audio.IntBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ct, ok := ParseContentType(mimeType)
	if !ok {
		return nil, fmt.Errorf("%w: bad content type %q", ErrDecode, mimeType)
	}
	switch ct.Base {
	case TypeWAV:
		return decodeWAV(data)
	case TypeL16:
		rate, channels := ct.SampleRate, ct.Channels
		if rate == 0 {
			rate = d.SampleRate
		}
		if rate == 0 {
			rate = DefaultSampleRate
		}
		if channels == 0 {
			channels = d.Channels
		}
		if channels == 0 {
			channels = DefaultChannels
		}
		return decodeL16(data, rate, channels)
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", ErrDecode, ct.Base)
	}
}

func decodeWAV(data []byte) (*audio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav file", ErrDecode)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buf, nil
}

func decodeL16(data []byte, rate, channels int) (*audio.IntBuffer, error) {
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: l16 payload not aligned", ErrDecode)
	}
	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.BigEndian.Uint16(data[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

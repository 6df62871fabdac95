package speech

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

const (
	mockWordDuration = 120 * time.Millisecond
	mockBaseTone     = 220.0
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunk      time.Duration
}

// NewMockSynth renders a tone whose length follows the word count of the text.
func NewMockSynth(sampleRate, channels int, chunk time.Duration) Synthesizer {
	if chunk <= 0 {
		chunk = 400 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunk: chunk}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		rate := req.Rate
		if rate <= 0 {
			rate = 1
		}
		pitch := req.Pitch
		if pitch <= 0 {
			pitch = 1
		}
		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		total := int(math.Round(float64(words) * mockWordDuration.Seconds() / rate * float64(m.sampleRate)))
		perChunk := int(math.Round(m.chunk.Seconds() * float64(m.sampleRate)))
		if perChunk <= 0 {
			perChunk = total
		}

		sequence := 0
		for offset := 0; offset < total; offset += perChunk {
			n := perChunk
			if offset+n > total {
				n = total - offset
			}
			pcm := make([]byte, n*2*m.channels)
			for i := 0; i < n; i++ {
				v := int16(math.Sin(2*math.Pi*mockBaseTone*pitch*float64(offset+i)/float64(m.sampleRate)) * 8000)
				for c := 0; c < m.channels; c++ {
					binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
				}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      offset+n >= total,
			}:
			}
			sequence++
		}
	}()
	return chunks, errs
}

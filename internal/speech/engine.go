package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// Output is where synthesized speech is played.
type Output interface {
	Write(ctx context.Context, f media.Frame) error
}

// Engine speaks utterances through a Synthesizer into its outputs.
type Engine struct {
	cfg     config.TTSConfig
	synth   Synthesizer
	outputs []Output
	logger  *slog.Logger

	mu     sync.RWMutex
	voices []media.Voice
	loaded *media.Signal
	timer  *time.Timer
	// turn queues utterances so outputs never carry two at once.
	turn chan struct{}
}

func NewEngine(cfg config.TTSConfig, synth Synthesizer, logger *slog.Logger, outputs ...Output) *Engine {
	e := &Engine{
		cfg:     cfg,
		synth:   synth,
		outputs: outputs,
		logger:  logger.With(slog.String("component", "speech-engine")),
		loaded:  media.NewSignal(),
		turn:    make(chan struct{}, 1),
	}
	if cfg.VoicesDelayMS > 0 {
		e.timer = time.AfterFunc(time.Duration(cfg.VoicesDelayMS)*time.Millisecond, e.loadVoices)
	} else {
		e.loadVoices()
	}
	return e
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func (e *Engine) loadVoices() {
	voices := make([]media.Voice, 0, len(e.cfg.Voices))
	for _, v := range e.cfg.Voices {
		voices = append(voices, media.Voice{Name: v.Name, Lang: v.Lang, Default: v.Default})
	}
	e.mu.Lock()
	e.voices = voices
	e.mu.Unlock()
	e.logger.Debug("voices loaded", slog.Int("count", len(voices)))
	e.loaded.Fire()
}

// Voices returns the voices known so far; the list may be empty until
// VoicesChanged fires.
func (e *Engine) Voices(ctx context.Context) ([]media.Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]media.Voice(nil), e.voices...), nil
}

func (e *Engine) VoicesChanged() <-chan struct{} {
	return e.loaded.Done()
}

func (e *Engine) Close() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *Engine) Speak(ctx context.Context, u media.Utterance) (*media.Speech, error) {
	if u.Text == "" {
		return nil, errors.New("speech: empty utterance")
	}
	voice := e.cfg.Voice
	if u.Voice != nil && u.Voice.Name != "" {
		voice = u.Voice.Name
	}
	lang := u.Lang
	if lang == "" && u.Voice != nil {
		lang = u.Voice.Lang
	}
	gain := u.Volume
	if gain <= 0 || gain > 1 {
		gain = 1
	}

	speech := media.NewSpeech()
	go func() {
		select {
		case e.turn <- struct{}{}:
		case <-ctx.Done():
			speech.Finish(ctx.Err())
			return
		}
		defer func() { <-e.turn }()

		chunks, errs := e.synth.Synthesize(ctx, SynthRequest{
			Text:  u.Text,
			Voice: voice,
			Lang:  lang,
			Rate:  u.Rate,
			Pitch: u.Pitch,
		})
		var failure error
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				speech.MarkStarted()
				if failure != nil {
					continue
				}
				frame := media.Frame{
					PCM:        applyGain(chunk.PCM, gain),
					SampleRate: chunk.SampleRate,
					Channels:   chunk.Channels,
					Timestamp:  time.Now().UTC(),
				}
				if err := e.play(ctx, frame); err != nil {
					failure = err
				}
			case err, ok := <-errs:
				if ok && err != nil && failure == nil {
					failure = err
				}
				errs = nil
			}
		}
		if failure != nil {
			e.logger.Warn("speech synthesis failed", slog.String("error", failure.Error()))
		}
		speech.Finish(failure)
	}()
	return speech, nil
}

func (e *Engine) play(ctx context.Context, f media.Frame) error {
	for _, out := range e.outputs {
		if err := out.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func applyGain(pcm []byte, gain float64) []byte {
	if gain >= 1 {
		return pcm
	}
	out := make([]byte, len(pcm)-len(pcm)%2)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v*gain)))
	}
	return out
}

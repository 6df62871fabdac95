package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureOutput struct {
	mu     sync.Mutex
	frames []media.Frame
	err    error
}

func (c *captureOutput) Write(_ context.Context, f media.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureOutput) pcm() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, f := range c.frames {
		out = append(out, f.PCM...)
	}
	return out
}

func ttsConfig() config.TTSConfig {
	return config.TTSConfig{
		Mode:            "mock",
		Voice:           "mock-en",
		Voices:          []config.VoiceConfig{{Name: "mock-en", Lang: "en-US", Default: true}, {Name: "mock-fr", Lang: "fr-FR"}},
		SampleRate:      8000,
		Channels:        1,
		ChunkDurationMS: 100,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestVoicesDelayed(t *testing.T) {
	cfg := ttsConfig()
	cfg.VoicesDelayMS = 30
	synth, err := NewSynthesizer(cfg)
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	e := NewEngine(cfg, synth, newLogger())
	defer e.Close()

	voices, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	if len(voices) != 0 {
		t.Fatalf("expected no voices before load, got %d", len(voices))
	}
	waitFor(t, e.VoicesChanged(), "voices")
	voices, _ = e.Voices(context.Background())
	if len(voices) != 2 || voices[1].Name != "mock-fr" || !voices[0].Default {
		t.Fatalf("unexpected voices %+v", voices)
	}
}

func TestSpeakMock(t *testing.T) {
	cfg := ttsConfig()
	synth, _ := NewSynthesizer(cfg)
	out := &captureOutput{}
	e := NewEngine(cfg, synth, newLogger(), out)
	defer e.Close()

	sp, err := e.Speak(context.Background(), media.Utterance{Text: "one two three"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, sp.Started(), "start")
	waitFor(t, sp.Ended(), "end")
	if sp.Err() != nil {
		t.Fatalf("unexpected error: %v", sp.Err())
	}
	// three words at 120ms each, 8 kHz mono, 16-bit
	if got := len(out.pcm()); got != 2880*2 {
		t.Fatalf("expected %d bytes, got %d", 2880*2, got)
	}
	if len(out.frames) != 4 || out.frames[0].SampleRate != 8000 {
		t.Fatalf("expected 4 frames at 8 kHz, got %d", len(out.frames))
	}

	fast := &captureOutput{}
	e2 := NewEngine(cfg, synth, newLogger(), fast)
	sp, _ = e2.Speak(context.Background(), media.Utterance{Text: "one two three", Rate: 2})
	waitFor(t, sp.Ended(), "end")
	if len(fast.pcm()) != 1440*2 {
		t.Fatalf("rate 2 should halve the duration, got %d bytes", len(fast.pcm()))
	}
}

func TestSpeakVolume(t *testing.T) {
	cfg := ttsConfig()
	synth, _ := NewSynthesizer(cfg)
	full := &captureOutput{}
	half := &captureOutput{}

	sp, _ := NewEngine(cfg, synth, newLogger(), full).Speak(context.Background(), media.Utterance{Text: "hi"})
	waitFor(t, sp.Ended(), "end")
	sp, _ = NewEngine(cfg, synth, newLogger(), half).Speak(context.Background(), media.Utterance{Text: "hi", Volume: 0.5})
	waitFor(t, sp.Ended(), "end")

	a, b := full.pcm(), half.pcm()
	if len(a) != len(b) {
		t.Fatalf("volume must not change length")
	}
	for i := 0; i+1 < len(a); i += 2 {
		va := int16(binary.LittleEndian.Uint16(a[i:]))
		vb := int16(binary.LittleEndian.Uint16(b[i:]))
		if vb != int16(float64(va)*0.5) {
			t.Fatalf("sample %d: expected %d, got %d", i/2, int16(float64(va)*0.5), vb)
		}
	}
}

func TestSpeakErrors(t *testing.T) {
	cfg := ttsConfig()
	synth, _ := NewSynthesizer(cfg)
	out := &captureOutput{err: errors.New("device gone")}
	e := NewEngine(cfg, synth, newLogger(), out)

	if _, err := e.Speak(context.Background(), media.Utterance{}); err == nil {
		t.Fatalf("expected error for empty text")
	}
	sp, err := e.Speak(context.Background(), media.Utterance{Text: "hello"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, sp.Ended(), "end")
	if sp.Err() == nil {
		t.Fatalf("expected playback failure to be reported")
	}

	cfg.Mode = "festival"
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestSpeakIntoLoopback(t *testing.T) {
	cfg := ttsConfig()
	synth, _ := NewSynthesizer(cfg)
	loop := media.NewLoopback(16)
	monitor := loop.Monitor("Monitor of Speech Output", "monitor")
	defer monitor.Stop()
	e := NewEngine(cfg, synth, newLogger(), loop)

	sp, err := e.Speak(context.Background(), media.Utterance{Text: "hello", Voice: &media.Voice{Name: "mock-fr"}})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	waitFor(t, sp.Ended(), "end")
	select {
	case f := <-monitor.Frames():
		if len(f.PCM) == 0 {
			t.Fatalf("expected audio on the monitor")
		}
	default:
		t.Fatalf("monitor received nothing")
	}
}

func TestExecSynth(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tts.sh")
	body := "#!/bin/sh\ncat > /dev/null\n" +
		"echo '{\"pcm_base64\":\"AQACAA==\",\"final\":false}'\n" +
		"echo '{\"pcm_base64\":\"AwAEAA==\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("exec synth: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Voice: "v"})
	var pcm []byte
	var final bool
	for chunk := range chunks {
		pcm = append(pcm, chunk.PCM...)
		final = chunk.Final
		if chunk.SampleRate != 16000 {
			t.Fatalf("unexpected sample rate %d", chunk.SampleRate)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(pcm) != string([]byte{1, 0, 2, 0, 3, 0, 4, 0}) || !final {
		t.Fatalf("unexpected output %v final=%v", pcm, final)
	}

	if _, err := NewExecSynth("", 16000, 1); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

// tagSynth emits slow chunks tagged with the first byte of the text.
type tagSynth struct{}

func (tagSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < 3; i++ {
			select {
			case chunks <- SynthChunk{Sequence: i, SampleRate: 8000, Channels: 1, PCM: []byte{req.Text[0], 0}}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return chunks, errs
}

func TestSpeakQueuesUtterances(t *testing.T) {
	out := &captureOutput{}
	e := NewEngine(ttsConfig(), tagSynth{}, newLogger(), out)
	defer e.Close()

	ctx := context.Background()
	var speeches []*media.Speech
	for _, text := range []string{"a", "b", "c"} {
		sp, err := e.Speak(ctx, media.Utterance{Text: text})
		if err != nil {
			t.Fatalf("speak: %v", err)
		}
		speeches = append(speeches, sp)
	}
	for _, sp := range speeches {
		waitFor(t, sp.Ended(), "utterance end")
	}

	pcm := out.pcm()
	if len(pcm) != 18 {
		t.Fatalf("expected 9 frames, got %d bytes", len(pcm))
	}
	for i := 0; i < len(pcm); i += 6 {
		tag := pcm[i]
		for j := i; j < i+6; j += 2 {
			if pcm[j] != tag {
				t.Fatalf("utterances interleaved: %v", pcm)
			}
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	blocker, err := e.Speak(ctx, media.Utterance{Text: "d"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	queued, err := e.Speak(cancelled, media.Utterance{Text: "e"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	cancel()
	waitFor(t, queued.Ended(), "cancelled utterance")
	if queued.Err() == nil {
		t.Fatalf("expected a cancelled utterance to report an error")
	}
	waitFor(t, blocker.Ended(), "utterance end")
}

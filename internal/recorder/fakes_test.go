package recorder

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/media"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSpeech struct {
	loop     *media.Loopback
	frames   int
	pcm      []byte
	hang     bool
	speakErr error
	failWith error

	mu      sync.Mutex
	voices  []media.Voice
	changed chan struct{}
	spoken  []media.Utterance
}

func newFakeSpeech(loop *media.Loopback) *fakeSpeech {
	return &fakeSpeech{loop: loop, frames: 3, pcm: pcmSamples(100, 1000), changed: make(chan struct{})}
}

func (f *fakeSpeech) Voices(context.Context) ([]media.Voice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Voice(nil), f.voices...), nil
}

func (f *fakeSpeech) VoicesChanged() <-chan struct{} { return f.changed }

func (f *fakeSpeech) publishVoices(voices ...media.Voice) {
	f.mu.Lock()
	f.voices = voices
	f.mu.Unlock()
	close(f.changed)
}

func (f *fakeSpeech) Speak(ctx context.Context, u media.Utterance) (*media.Speech, error) {
	if f.speakErr != nil {
		return nil, f.speakErr
	}
	f.mu.Lock()
	f.spoken = append(f.spoken, u)
	f.mu.Unlock()
	sp := media.NewSpeech()
	go func() {
		sp.MarkStarted()
		for i := 0; i < f.frames; i++ {
			_ = f.loop.Write(ctx, media.Frame{PCM: f.pcm, SampleRate: 16000, Channels: 1, Timestamp: time.Now()})
		}
		if f.hang {
			return
		}
		sp.Finish(f.failWith)
	}()
	return sp, nil
}

func (f *fakeSpeech) lastUtterance(t *testing.T) media.Utterance {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spoken) == 0 {
		t.Fatalf("nothing was spoken")
	}
	return f.spoken[len(f.spoken)-1]
}

type fakeDevices struct {
	loop    *media.Loopback
	devices []media.DeviceInfo
	err     error

	mu       sync.Mutex
	requests []media.Constraints
	opened   []*media.AudioTrack
}

func (f *fakeDevices) GetUserMedia(_ context.Context, c media.Constraints) (*media.MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	if f.err != nil {
		return nil, f.err
	}
	id := c.DeviceID
	if id == "" && len(f.devices) > 0 {
		id = f.devices[0].DeviceID
	}
	label := id
	for _, d := range f.devices {
		if d.DeviceID == id {
			label = d.Label
		}
	}
	track := f.loop.Monitor(label, id)
	f.opened = append(f.opened, track)
	return media.NewMediaStream(track), nil
}

func (f *fakeDevices) EnumerateDevices(context.Context) ([]media.DeviceInfo, error) {
	return append([]media.DeviceInfo(nil), f.devices...), nil
}

type fakeRecorderFactory struct {
	blobs     []*media.Blob
	supported map[string]bool
	failWith  error
}

func (f fakeRecorderFactory) IsTypeSupported(mimeType string) bool {
	if f.supported == nil {
		return true
	}
	return f.supported[mimeType]
}

func (f fakeRecorderFactory) NewRecorder(_ *media.MediaStream, opts media.RecorderOptions) (media.Recorder, error) {
	return &fakeRecorder{
		blobs:   f.blobs,
		mime:    opts.MimeType,
		err:     f.failWith,
		data:    make(chan *media.Blob, len(f.blobs)),
		stopReq: make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

type fakeRecorder struct {
	blobs   []*media.Blob
	mime    string
	data    chan *media.Blob
	stopReq chan struct{}
	stopped chan struct{}
	err     error
	once    sync.Once
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	go func() {
		select {
		case <-r.stopReq:
		case <-ctx.Done():
		}
		for _, b := range r.blobs {
			r.data <- b
		}
		close(r.data)
		close(r.stopped)
	}()
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.once.Do(func() { close(r.stopReq) })
	return nil
}

func (r *fakeRecorder) Data() <-chan *media.Blob { return r.data }
func (r *fakeRecorder) Stopped() <-chan struct{} { return r.stopped }
func (r *fakeRecorder) MimeType() string         { return r.mime }
func (r *fakeRecorder) Err() error               { return r.err }

type trackingSources struct {
	factory media.SourceFactory
	mu      sync.Mutex
	created []media.Source
}

func (t *trackingSources) NewMediaSource() media.Source {
	src := t.factory.NewMediaSource()
	t.mu.Lock()
	t.created = append(t.created, src)
	t.mu.Unlock()
	return src
}

type recordingSurface struct {
	mu       sync.Mutex
	attached []string
	bound    []string
	detached []string
}

func (s *recordingSurface) Attach(id string) {
	s.mu.Lock()
	s.attached = append(s.attached, id)
	s.mu.Unlock()
}

func (s *recordingSurface) Bind(id string, src media.Source) {
	s.mu.Lock()
	s.bound = append(s.bound, id)
	s.mu.Unlock()
	src.Open()
}

func (s *recordingSurface) Detach(id string) {
	s.mu.Lock()
	s.detached = append(s.detached, id)
	s.mu.Unlock()
}

type testEnv struct {
	host    Host
	loop    *media.Loopback
	speech  *fakeSpeech
	devices *fakeDevices
	surface *recordingSurface
}

func newTestEnv() *testEnv {
	loop := media.NewLoopback(64)
	speech := newFakeSpeech(loop)
	devices := &fakeDevices{loop: loop, devices: []media.DeviceInfo{
		{DeviceID: "mic", Kind: media.KindAudioInput, Label: "Built-in Microphone"},
	}}
	surface := &recordingSurface{}
	return &testEnv{
		host: Host{
			Speech:    speech,
			Devices:   devices,
			Recorders: media.RecorderFactory{},
			Decoder:   media.Decoder{SampleRate: 16000, Channels: 1},
			Surface:   surface,
			Logger:    discardLogger(),
		},
		loop:    loop,
		speech:  speech,
		devices: devices,
		surface: surface,
	}
}

// pcmSamples returns n little-endian 16-bit samples of value v.
func pcmSamples(n int, v int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

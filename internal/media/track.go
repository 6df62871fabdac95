package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	KindAudioInput  = "audioinput"
	KindAudioOutput = "audiooutput"
)

// Frame is a block of 16-bit little-endian PCM.
type Frame struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// DeviceInfo describes an enumerable media device.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	GroupID  string `json:"group_id,omitempty"`
}

// Constraints selects the device a track is opened on.
type Constraints struct {
	Audio    bool
	DeviceID string
}

// AudioTrack carries frames from a device to its consumers until stopped.
type AudioTrack struct {
	id       string
	label    string
	deviceID string
	frames   chan Frame
	ended    chan struct{}
	once     sync.Once
	onStop   func()

	mu     sync.Mutex
	clones []*AudioTrack
}

// minCloneBuffer keeps a clone usable when its source is unbuffered.
const minCloneBuffer = 64

func NewAudioTrack(label, deviceID string, buffer int, onStop func()) *AudioTrack {
	if buffer < 0 {
		buffer = 0
	}
	return &AudioTrack{
		id:       uuid.NewString(),
		label:    label,
		deviceID: deviceID,
		frames:   make(chan Frame, buffer),
		ended:    make(chan struct{}),
		onStop:   onStop,
	}
}

func (t *AudioTrack) ID() string       { return t.id }
func (t *AudioTrack) Kind() string     { return "audio" }
func (t *AudioTrack) Label() string    { return t.label }
func (t *AudioTrack) DeviceID() string { return t.deviceID }

// Frames is never closed; select on Ended as well.
func (t *AudioTrack) Frames() <-chan Frame { return t.frames }

func (t *AudioTrack) Ended() <-chan struct{} { return t.ended }

func (t *AudioTrack) ReadyState() string {
	select {
	case <-t.ended:
		return "ended"
	default:
		return "live"
	}
}

// Push delivers f to the consumer, blocking while the buffer is full.
func (t *AudioTrack) Push(ctx context.Context, f Frame) error {
	select {
	case <-t.ended:
		return ErrTrackEnded
	default:
	}
	select {
	case t.frames <- f:
		t.fanOut(f)
		return nil
	case <-t.ended:
		return ErrTrackEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clone returns a track on the same device that receives a copy of every
// frame pushed from now on. A clone never blocks its source: frames it
// cannot buffer are dropped. Stopping the source stops its clones.
func (t *AudioTrack) Clone() *AudioTrack {
	buffer := cap(t.frames)
	if buffer < minCloneBuffer {
		buffer = minCloneBuffer
	}
	var clone *AudioTrack
	clone = NewAudioTrack(t.label, t.deviceID, buffer, func() { t.removeClone(clone) })
	t.mu.Lock()
	ended := isClosed(t.ended)
	if !ended {
		t.clones = append(t.clones, clone)
	}
	t.mu.Unlock()
	if ended {
		clone.Stop()
	}
	return clone
}

func (t *AudioTrack) fanOut(f Frame) {
	t.mu.Lock()
	clones := append([]*AudioTrack(nil), t.clones...)
	t.mu.Unlock()
	for _, c := range clones {
		c.offer(f)
	}
}

func (t *AudioTrack) offer(f Frame) {
	select {
	case <-t.ended:
		return
	default:
	}
	select {
	case t.frames <- f:
		t.fanOut(f)
	default:
	}
}

func (t *AudioTrack) removeClone(clone *AudioTrack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.clones {
		if c == clone {
			t.clones = append(t.clones[:i], t.clones[i+1:]...)
			return
		}
	}
}

// Stop ends the track. Calling it more than once is a no-op.
func (t *AudioTrack) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		close(t.ended)
		clones := t.clones
		t.clones = nil
		t.mu.Unlock()
		if t.onStop != nil {
			t.onStop()
		}
		for _, c := range clones {
			c.Stop()
		}
	})
}

// MediaStream is an ordered set of tracks.
type MediaStream struct {
	id     string
	mu     sync.RWMutex
	tracks []*AudioTrack
}

func NewMediaStream(tracks ...*AudioTrack) *MediaStream {
	return &MediaStream{id: uuid.NewString(), tracks: append([]*AudioTrack(nil), tracks...)}
}

func (s *MediaStream) ID() string { return s.id }

func (s *MediaStream) AddTrack(t *AudioTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing == t {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *MediaStream) RemoveTrack(t *AudioTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

func (s *MediaStream) AudioTracks() []*AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AudioTrack(nil), s.tracks...)
}

// Active reports whether any track is still live.
func (s *MediaStream) Active() bool {
	for _, t := range s.AudioTracks() {
		if t.ReadyState() == "live" {
			return true
		}
	}
	return false
}

package media

import (
	"context"
	"errors"
	"sync"
)

// Loopback is an in-process output device. Everything written to it is
// delivered to each open monitor track.
type Loopback struct {
	mu       sync.RWMutex
	monitors map[*AudioTrack]struct{}
	buffer   int
}

func NewLoopback(buffer int) *Loopback {
	return &Loopback{monitors: make(map[*AudioTrack]struct{}), buffer: buffer}
}

// Monitor opens a track that receives every frame written after this call.
func (l *Loopback) Monitor(label, deviceID string) *AudioTrack {
	var track *AudioTrack
	track = NewAudioTrack(label, deviceID, l.buffer, func() {
		l.mu.Lock()
		delete(l.monitors, track)
		l.mu.Unlock()
	})
	l.mu.Lock()
	l.monitors[track] = struct{}{}
	l.mu.Unlock()
	return track
}

func (l *Loopback) Write(ctx context.Context, f Frame) error {
	l.mu.RLock()
	targets := make([]*AudioTrack, 0, len(l.monitors))
	for t := range l.monitors {
		targets = append(targets, t)
	}
	l.mu.RUnlock()

	for _, t := range targets {
		if err := t.Push(ctx, f); err != nil && !errors.Is(err, ErrTrackEnded) {
			return err
		}
	}
	return nil
}

func (l *Loopback) Monitors() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.monitors)
}

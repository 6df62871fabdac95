package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder encodes the audio of a stream into blobs.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() error
	// Data delivers blobs in order and is closed before Stopped fires.
	Data() <-chan *Blob
	Stopped() <-chan struct{}
	MimeType() string
	// Err reports why the recording could not be produced. It is valid
	// once Stopped has fired.
	Err() error
}

// RecorderOptions configures a MediaRecorder.
type RecorderOptions struct {
	MimeType string
	// Timeslice splits L16 recordings into chunks; WAV is always one chunk.
	Timeslice time.Duration
}

// RecorderFactory creates MediaRecorders for the types it supports.
type RecorderFactory struct{}

func (RecorderFactory) IsTypeSupported(mimeType string) bool {
	return IsRecorderTypeSupported(mimeType)
}

func (RecorderFactory) NewRecorder(stream *MediaStream, opts RecorderOptions) (Recorder, error) {
	rec, err := NewMediaRecorder(stream, opts)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func IsRecorderTypeSupported(mimeType string) bool {
	ct, ok := ParseContentType(mimeType)
	if !ok {
		return false
	}
	return ct.Base == TypeWAV || ct.Base == TypeL16
}

// MediaRecorder records the first audio track of a stream.
type MediaRecorder struct {
	stream    *MediaStream
	mimeType  string
	format    ContentType
	timeslice time.Duration

	started atomic.Bool
	stopReq chan struct{}
	stopOne sync.Once
	data    chan *Blob
	stopped *Signal
	err     error
	encode  func(pcm []byte, sampleRate, channels int) ([]byte, error)
}

func NewMediaRecorder(stream *MediaStream, opts RecorderOptions) (*MediaRecorder, error) {
	if stream == nil {
		return nil, ErrNoTrack
	}
	ct, ok := ParseContentType(opts.MimeType)
	if !ok || !IsRecorderTypeSupported(opts.MimeType) {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, opts.MimeType)
	}
	return &MediaRecorder{
		stream:    stream,
		mimeType:  opts.MimeType,
		format:    ct,
		timeslice: opts.Timeslice,
		stopReq:   make(chan struct{}),
		data:      make(chan *Blob, 16),
		stopped:   NewSignal(),
		encode:    encodeWAV,
	}, nil
}

func (r *MediaRecorder) MimeType() string         { return r.mimeType }
func (r *MediaRecorder) Data() <-chan *Blob       { return r.data }
func (r *MediaRecorder) Stopped() <-chan struct{} { return r.stopped.Done() }

func (r *MediaRecorder) Err() error {
	if !isClosed(r.stopped.Done()) {
		return nil
	}
	return r.err
}

func (r *MediaRecorder) State() string {
	switch {
	case !r.started.Load():
		return "inactive"
	case isClosed(r.stopped.Done()):
		return "inactive"
	default:
		return "recording"
	}
}

func (r *MediaRecorder) Start(ctx context.Context) error {
	tracks := r.stream.AudioTracks()
	if len(tracks) == 0 {
		return ErrNoTrack
	}
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: recorder already started", ErrInvalidState)
	}
	go r.run(ctx, tracks[0])
	return nil
}

func (r *MediaRecorder) Stop() error {
	if !r.started.Load() {
		return fmt.Errorf("%w: recorder not started", ErrInvalidState)
	}
	r.stopOne.Do(func() { close(r.stopReq) })
	return nil
}

type pcmAccumulator struct {
	pcm      []byte
	rate     int
	channels int
}

func (a *pcmAccumulator) add(f Frame) {
	if a.rate == 0 && f.SampleRate > 0 {
		a.rate = f.SampleRate
		a.channels = f.Channels
	}
	a.pcm = append(a.pcm, f.PCM...)
}

func (r *MediaRecorder) run(ctx context.Context, track *AudioTrack) {
	defer r.stopped.Fire()
	defer close(r.data)

	acc := &pcmAccumulator{rate: r.format.SampleRate, channels: r.format.Channels}
	var tick <-chan time.Time
	if r.timeslice > 0 && r.format.Base == TypeL16 {
		ticker := time.NewTicker(r.timeslice)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-track.Frames():
			acc.add(f)
		case <-tick:
			r.flushL16(acc)
		case <-r.stopReq:
			r.finish(drain(track, acc))
			return
		case <-track.Ended():
			r.finish(drain(track, acc))
			return
		case <-ctx.Done():
			r.finish(acc)
			return
		}
	}
}

func drain(track *AudioTrack, acc *pcmAccumulator) *pcmAccumulator {
	for {
		select {
		case f := <-track.Frames():
			acc.add(f)
		default:
			return acc
		}
	}
}

func (r *MediaRecorder) flushL16(acc *pcmAccumulator) {
	if len(acc.pcm) == 0 {
		return
	}
	r.data <- &Blob{typ: r.mimeType, data: toL16(acc.pcm)}
	acc.pcm = acc.pcm[:0]
}

func (r *MediaRecorder) finish(acc *pcmAccumulator) {
	if acc.rate == 0 {
		acc.rate = DefaultSampleRate
	}
	if acc.channels == 0 {
		acc.channels = DefaultChannels
	}
	switch r.format.Base {
	case TypeWAV:
		// a header without samples is not a recording
		if len(acc.pcm) == 0 {
			return
		}
		wavBytes, err := r.encode(acc.pcm, acc.rate, acc.channels)
		if err != nil {
			r.err = err
			return
		}
		r.data <- &Blob{typ: r.mimeType, data: wavBytes}
	default:
		// the final slice is emitted even when empty
		r.data <- &Blob{typ: r.mimeType, data: toL16(acc.pcm)}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-recorder/internal/recorder")

// Capture is what Start hands back: the live stream for the mediaStream kind,
// the recorded chunks otherwise.
type Capture struct {
	Stream *media.MediaStream
	Chunks []*media.Blob
}

// Result pairs a session with the value an operation produced.
type Result[T any] struct {
	Session *Session
	Data    T
}

// Session speaks one text and records what the audio output played.
type Session struct {
	id       string
	host     Host
	logger   *slog.Logger
	kind     OutputKind
	mimeType string
	recOpts  media.RecorderOptions
	opts     Options
	stream   *media.MediaStream

	ctx    context.Context
	cancel context.CancelFunc

	voiceDone chan struct{}

	mu        sync.Mutex
	text      string
	utterance media.Utterance
	state     State
	chunks    []*media.Blob
	track     *media.AudioTrack
	liveTrack bool
	closed    bool
}

// New validates the request, negotiates the content type and prepares the
// capture target. Nothing is spoken until Start.
func New(ctx context.Context, host Host, text string, utterance UtteranceOptions, rec RecorderOptions, kind OutputKind, opts ...Option) (*Session, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if _, err := ParseOutputKind(string(kind)); err != nil {
		return nil, err
	}
	if host.Speech == nil || host.Devices == nil || host.Recorders == nil {
		return nil, fmt.Errorf("recorder: host requires speech, devices and recorders")
	}
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	mimeType, err := negotiate(host.Recorders, rec.MimeType, options.FallbackTypes)
	if err != nil {
		return nil, err
	}
	if host.Surface == nil {
		host.Surface = nopSurface{}
	}
	if host.Decoder == nil {
		host.Decoder = media.Decoder{}
	}
	if host.Sources == nil {
		host.Sources = media.SourceFactory{Types: []string{mimeType}}
	}
	logger := host.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        uuid.NewString(),
		host:      host,
		kind:      kind,
		mimeType:  mimeType,
		recOpts:   media.RecorderOptions{MimeType: mimeType, Timeslice: rec.Timeslice},
		opts:      options,
		stream:    media.NewMediaStream(),
		ctx:       sessionCtx,
		cancel:    cancel,
		voiceDone: make(chan struct{}),
		text:      text,
		utterance: media.Utterance{
			Lang:   utterance.Lang,
			Rate:   utterance.Rate,
			Pitch:  utterance.Pitch,
			Volume: utterance.Volume,
		},
	}
	s.logger = logger.With(slog.String("component", "recorder"), slog.String("session_id", s.id))

	host.Surface.Attach(s.id)
	if utterance.Voice != "" {
		go s.watchVoice(utterance.Voice)
	} else {
		close(s.voiceDone)
	}
	s.logger.Debug("session created", slog.String("mime_type", mimeType), slog.String("output", string(kind)))
	return s, nil
}

func negotiate(f RecorderFactory, requested string, fallbacks []string) (string, error) {
	if requested == "" {
		requested = DefaultMimeType
	}
	candidates := append([]string{requested}, fallbacks...)
	for _, candidate := range candidates {
		if f.IsTypeSupported(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s", ErrUnsupportedContentType, strings.Join(candidates, ", "))
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Kind() OutputKind           { return s.kind }
func (s *Session) MimeType() string           { return s.mimeType }
func (s *Session) Stream() *media.MediaStream { return s.stream }

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Voice returns the adopted voice, or nil when the engine default is used.
func (s *Session) Voice() *media.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.utterance.Voice == nil {
		return nil
	}
	v := *s.utterance.Voice
	return &v
}

// VoiceResolved is closed once the voice lookup has finished.
func (s *Session) VoiceResolved() <-chan struct{} { return s.voiceDone }

// Chunks returns the recorded blobs in arrival order.
func (s *Session) Chunks() []*media.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Blob(nil), s.chunks...)
}

func (s *Session) watchVoice(name string) {
	defer close(s.voiceDone)
	if s.adoptVoice(name) {
		return
	}
	select {
	case <-s.host.Speech.VoicesChanged():
		if !s.adoptVoice(name) {
			s.logger.Warn("voice not available, using default", slog.String("voice", name))
		}
	case <-s.ctx.Done():
	}
}

func (s *Session) adoptVoice(name string) bool {
	voices, err := s.host.Speech.Voices(s.ctx)
	if err != nil {
		s.logger.Warn("list voices failed", slog.String("error", err.Error()))
		return false
	}
	for i := range voices {
		if voices[i].Name != name {
			continue
		}
		v := voices[i]
		s.mu.Lock()
		s.utterance.Voice = &v
		s.mu.Unlock()
		s.logger.Debug("voice adopted", slog.String("voice", v.Name), slog.String("lang", v.Lang))
		return true
	}
	return false
}

// Start speaks the text (or the override, when non-empty) and records it.
// For the mediaStream kind it returns the live capture target immediately.
func (s *Session) Start(ctx context.Context, text string) (Result[Capture], error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result[Capture]{}, ErrClosed
	}
	if text == "" && s.text == "" {
		s.mu.Unlock()
		return Result[Capture]{}, ErrEmptyText
	}
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return Result[Capture]{}, fmt.Errorf("%w: session is %s", ErrSessionBusy, state)
	}
	if text != "" {
		s.text = text
	}
	s.state = StateCapturing
	s.mu.Unlock()

	// a requested voice may still be loading
	if err := wait(ctx, s.voiceDone); err != nil {
		s.reset()
		return Result[Capture]{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.state = StateIdle
		s.mu.Unlock()
		return Result[Capture]{}, ErrClosed
	}
	s.chunks = nil
	utter := s.utterance
	utter.Text = s.text
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "recorder.start", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("recorder.mime_type", s.mimeType),
		attribute.String("recorder.output", string(s.kind)),
	))
	defer span.End()

	input, err := s.acquireInput(ctx)
	if err != nil {
		s.reset()
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire input")
		return Result[Capture]{}, fmt.Errorf("acquire audio input: %w", err)
	}
	tracks := input.AudioTracks()
	if len(tracks) == 0 {
		s.reset()
		return Result[Capture]{}, media.ErrNoTrack
	}
	track := tracks[0]
	for _, extra := range tracks[1:] {
		extra.Stop()
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	span.SetAttributes(attribute.String("recorder.device", track.Label()))

	if s.kind == OutputMediaStream {
		// the caller reads a clone so it cannot take frames from the recording
		live := track.Clone()
		s.stream.AddTrack(live)
		rec, err := s.host.Recorders.NewRecorder(media.NewMediaStream(track), s.recOpts)
		if err != nil {
			live.Stop()
			s.stream.RemoveTrack(live)
			s.abort(track)
			span.RecordError(err)
			span.SetStatus(codes.Error, "create recorder")
			return Result[Capture]{}, fmt.Errorf("create recorder: %w", err)
		}
		s.mu.Lock()
		s.liveTrack = true
		s.mu.Unlock()
		go func() {
			if _, err := s.capture(s.ctx, rec, utter, track, false); err != nil {
				s.logger.Warn("background capture failed", slog.String("error", err.Error()))
				return
			}
			feedLive(track, live)
		}()
		return Result[Capture]{Session: s, Data: Capture{Stream: s.stream}}, nil
	}

	s.stream.AddTrack(track)
	rec, err := s.host.Recorders.NewRecorder(s.stream, s.recOpts)
	if err != nil {
		s.abort(track)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create recorder")
		return Result[Capture]{}, fmt.Errorf("create recorder: %w", err)
	}

	chunks, err := s.capture(ctx, rec, utter, track, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture")
		return Result[Capture]{Session: s}, err
	}
	span.SetAttributes(attribute.Int("recorder.chunks", len(chunks)))
	return Result[Capture]{Session: s, Data: Capture{Chunks: chunks}}, nil
}

// acquireInput asks for an audio input and, when a loopback monitor of the
// speech output is listed, switches to it.
func (s *Session) acquireInput(ctx context.Context) (*media.MediaStream, error) {
	input, err := s.host.Devices.GetUserMedia(ctx, media.Constraints{Audio: true})
	if err != nil {
		return nil, err
	}
	if !s.opts.PreferLoopback || s.opts.LoopbackLabel == "" {
		return input, nil
	}
	devices, err := s.host.Devices.EnumerateDevices(ctx)
	if err != nil {
		s.logger.Warn("enumerate devices failed", slog.String("error", err.Error()))
		return input, nil
	}
	var loopback *media.DeviceInfo
	for i := range devices {
		if devices[i].Kind == media.KindAudioInput && strings.Contains(devices[i].Label, s.opts.LoopbackLabel) {
			loopback = &devices[i]
			break
		}
	}
	if loopback == nil {
		return input, nil
	}
	tracks := input.AudioTracks()
	if len(tracks) > 0 && tracks[0].DeviceID() == loopback.DeviceID {
		return input, nil
	}
	for _, track := range tracks {
		track.Stop()
	}
	s.logger.Debug("switching to loopback device", slog.String("device_id", loopback.DeviceID), slog.String("label", loopback.Label))
	return s.host.Devices.GetUserMedia(ctx, media.Constraints{Audio: true, DeviceID: loopback.DeviceID})
}

func (s *Session) capture(ctx context.Context, rec media.Recorder, utter media.Utterance, track *media.AudioTrack, release bool) ([]*media.Blob, error) {
	if err := rec.Start(ctx); err != nil {
		s.abort(track)
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	speech, err := s.host.Speech.Speak(ctx, utter)
	if err != nil {
		stopRecorder(rec)
		s.abort(track)
		return nil, fmt.Errorf("%w: %v", ErrSpeechFailed, err)
	}

	data := rec.Data()
	started := speech.Started()
	ended := speech.Ended()
	for data != nil {
		select {
		case blob, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			if blob != nil && blob.Size() > 0 {
				s.mu.Lock()
				s.chunks = append(s.chunks, blob)
				s.mu.Unlock()
			}
		case <-started:
			started = nil
			s.logger.Debug("speaking", slog.Int("chars", len(utter.Text)))
		case <-ended:
			ended = nil
			if err := rec.Stop(); err != nil {
				s.logger.Warn("stop recorder failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			stopRecorder(rec)
			s.abort(track)
			return nil, ctx.Err()
		}
	}
	select {
	case <-rec.Stopped():
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		s.abort(track)
		return nil, err
	}
	if err := rec.Err(); err != nil {
		s.abort(track)
		return nil, fmt.Errorf("record: %w", err)
	}

	if release {
		track.Stop()
		s.stream.RemoveTrack(track)
	}
	if err := speech.Err(); err != nil {
		s.reset()
		return nil, fmt.Errorf("%w: %v", ErrSpeechFailed, err)
	}

	s.mu.Lock()
	s.state = StateCaptured
	if release {
		s.track = nil
	}
	chunks := append([]*media.Blob(nil), s.chunks...)
	s.mu.Unlock()
	s.logger.Info("capture completed", slog.Int("chunks", len(chunks)))
	return chunks, nil
}

// feedLive keeps frames flowing to the live clone once recording is done.
// The source is released when the clone is stopped or the source ends.
func feedLive(src, live *media.AudioTrack) {
	for {
		select {
		case <-src.Frames():
		case <-live.Ended():
			src.Stop()
			return
		case <-src.Ended():
			return
		}
	}
}

// stopRecorder stops rec and discards whatever it still emits.
func stopRecorder(rec media.Recorder) {
	_ = rec.Stop()
	go func() {
		for range rec.Data() {
		}
	}()
}

func (s *Session) abort(track *media.AudioTrack) {
	track.Stop()
	s.stream.RemoveTrack(track)
	s.reset()
}

func (s *Session) reset() {
	s.mu.Lock()
	s.state = StateIdle
	s.chunks = nil
	s.track = nil
	s.liveTrack = false
	s.mu.Unlock()
}

// Close stops the voice lookup and any live track and detaches the surface.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	track := s.track
	s.mu.Unlock()

	s.cancel()
	<-s.voiceDone
	if track != nil {
		track.Stop()
		s.stream.RemoveTrack(track)
	}
	s.host.Surface.Detach(s.id)
}

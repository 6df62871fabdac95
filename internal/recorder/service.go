package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoBus is returned for outputs that need the bus when none is connected.
var ErrNoBus = errors.New("recorder: bus not connected")

// maxHeldSources bounds how many mediaSource sessions stay attached to the
// surface for playback.
const maxHeldSources = 16

// SurfacePrefix is where the HTTP surface serves session playback.
const SurfacePrefix = "/surface/"

// Service runs recording sessions on behalf of bus clients.
type Service struct {
	cfg     config.RecorderConfig
	host    Host
	bus     *bus.Client
	store   *eventstore.Store
	logger  *slog.Logger
	opts    []Option
	archive nats.ObjectStore
	sub     *nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	held []*Session
	// turn admits one capture at a time; every session listens to the same
	// speech output.
	turn chan struct{}

	recordings metric.Int64Counter
	failures   metric.Int64Counter
	captured   metric.Int64Counter
	duration   metric.Float64Histogram
}

// MetricDuration is the capture latency histogram, in milliseconds.
const MetricDuration = "loqa.recorder.duration"

// SessionOptions maps recorder config onto session options.
func SessionOptions(cfg config.RecorderConfig) []Option {
	return []Option{
		WithFallbackTypes(cfg.FallbackMimeTypes...),
		WithLoopback(cfg.PreferLoopback, cfg.LoopbackLabel),
	}
}

func NewService(parent context.Context, cfg config.RecorderConfig, host Host, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "recorder-service"))
	if host.Logger == nil {
		host.Logger = logger
	}
	s := &Service{
		cfg:    cfg,
		host:   host,
		bus:    busClient,
		store:  store,
		logger: logger,
		opts:   SessionOptions(cfg),
		ctx:    ctx,
		cancel: cancel,
		turn:   make(chan struct{}, 1),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-recorder/recorder")
	var err error
	if s.recordings, err = meter.Int64Counter("loqa.recorder.sessions", metric.WithDescription("Recording sessions handled")); err != nil {
		s.logger.Warn("failed to create sessions counter", slogError(err))
	}
	if s.failures, err = meter.Int64Counter("loqa.recorder.failures", metric.WithDescription("Recording sessions that failed")); err != nil {
		s.logger.Warn("failed to create failures counter", slogError(err))
	}
	if s.captured, err = meter.Int64Counter("loqa.recorder.captured_bytes", metric.WithDescription("Bytes of audio captured"), metric.WithUnit("By")); err != nil {
		s.logger.Warn("failed to create bytes counter", slogError(err))
	}
	if s.duration, err = meter.Float64Histogram(MetricDuration, metric.WithDescription("Time to speak and capture one recording"), metric.WithUnit("ms")); err != nil {
		s.logger.Warn("failed to create duration histogram", slogError(err))
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return ErrNoBus
	}
	if s.cfg.ArchiveBucket != "" {
		store, err := s.bus.ObjectStore(s.cfg.ArchiveBucket)
		if err != nil {
			s.logger.Warn("recording archive unavailable", slogError(err))
		} else {
			s.archive = store
		}
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecordRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, sess := range held {
		sess.Close()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RecordRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode record request", slogError(err))
		s.respond(msg, protocol.RecordReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply := s.Record(s.ctx, req)
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.RecordReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode record reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send record reply", slogError(err))
	}
}

// Record runs one session for req and converts the result to the requested
// output. Failures are reported in the reply.
func (s *Service) Record(ctx context.Context, req protocol.RecordRequest) protocol.RecordReply {
	started := time.Now()
	reply := protocol.RecordReply{Output: req.Output}

	if timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "recorder.request", trace.WithAttributes(
		attribute.String("recorder.output", req.Output),
		attribute.String("trace.id", req.TraceID),
	))
	defer span.End()

	kind, err := ParseOutputKind(req.Output)
	if err == nil && kind == OutputMediaStream {
		err = fmt.Errorf("%w: mediaStream output is only available in process", ErrInvalidOutputKind)
	}
	if err != nil {
		return s.fail(ctx, span, reply, req, err)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = s.cfg.MimeType
	}
	sess, err := New(ctx, s.host, req.Text, UtteranceOptions{
		Voice:  req.Voice,
		Lang:   req.Lang,
		Rate:   req.Rate,
		Pitch:  req.Pitch,
		Volume: req.Volume,
	}, RecorderOptions{
		MimeType:  mimeType,
		Timeslice: time.Duration(s.cfg.TimesliceMS) * time.Millisecond,
	}, kind, s.opts...)
	if err != nil {
		return s.fail(ctx, span, reply, req, err)
	}
	held := false
	defer func() {
		if !held {
			sess.Close()
		}
	}()

	reply.SessionID = sess.ID()
	reply.ContentType = sess.MimeType()
	span.SetAttributes(attribute.String("session.id", sess.ID()))
	if s.recordings != nil {
		s.recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("output", string(kind))))
	}

	s.logError("append session", s.store.AppendSession(ctx, eventstore.Session{
		ID:          sess.ID(),
		Text:        req.Text,
		ContentType: sess.MimeType(),
		Output:      string(kind),
		State:       StateIdle.String(),
	}))
	s.event(ctx, sess.ID(), req.TraceID, eventstore.EventSessionCreated, map[string]any{"voice": req.Voice, "mime_type": sess.MimeType()})
	s.event(ctx, sess.ID(), req.TraceID, eventstore.EventCaptureStarted, nil)

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		s.logError("set state", s.store.SetState(context.WithoutCancel(ctx), sess.ID(), "failed"))
		return s.fail(ctx, span, reply, req, ctx.Err())
	}
	captureStarted := time.Now()
	res, err := sess.Start(ctx, "")
	<-s.turn
	if s.duration != nil {
		s.duration.Record(ctx, float64(time.Since(captureStarted).Milliseconds()),
			metric.WithAttributes(attribute.Bool("failed", err != nil)))
	}
	if err != nil {
		s.logError("set state", s.store.SetState(ctx, sess.ID(), "failed"))
		s.event(ctx, sess.ID(), req.TraceID, eventstore.EventCaptureFailed, map[string]any{"error": err.Error()})
		return s.fail(ctx, span, reply, req, err)
	}
	total := 0
	for i, chunk := range res.Data.Chunks {
		total += chunk.Size()
		s.event(ctx, sess.ID(), req.TraceID, eventstore.EventChunk, map[string]any{"index": i, "size": chunk.Size()})
	}
	if s.captured != nil {
		s.captured.Add(ctx, int64(total))
	}
	s.logError("set state", s.store.SetState(ctx, sess.ID(), StateCaptured.String()))
	s.event(ctx, sess.ID(), req.TraceID, eventstore.EventCaptureCompleted, map[string]any{"chunks": len(res.Data.Chunks), "size": total})
	reply.Chunks = len(res.Data.Chunks)

	if err := s.convert(ctx, sess, kind, req, &reply); err != nil {
		s.event(ctx, sess.ID(), req.TraceID, eventstore.EventConvertFailed, map[string]any{"output": string(kind), "error": err.Error()})
		return s.fail(ctx, span, reply, req, err)
	}
	s.event(ctx, sess.ID(), req.TraceID, eventstore.EventConverted, map[string]any{"output": string(kind), "size": reply.Size})

	if kind == OutputMediaSource {
		held = true
		s.hold(sess)
	}
	s.archiveRecording(ctx, sess)
	s.publishStatus(protocol.RecorderStatus{SessionID: sess.ID(), Completed: true, Timestamp: time.Now().UTC()})
	reply.Duration = time.Since(started)
	s.logger.Info("recording completed",
		slog.String("session_id", sess.ID()),
		slog.String("output", string(kind)),
		slog.Int("chunks", reply.Chunks),
		slog.Duration("duration", reply.Duration))
	return reply
}

func (s *Service) convert(ctx context.Context, sess *Session, kind OutputKind, req protocol.RecordRequest, reply *protocol.RecordReply) error {
	switch kind {
	case OutputBlob:
		res, err := sess.Blob(ctx)
		if err != nil {
			return err
		}
		reply.Data = res.Data.Bytes()
		reply.Size = res.Data.Size()
		reply.ContentType = res.Data.Type()
	case OutputArrayBuffer:
		res, err := sess.ArrayBuffer(ctx)
		if err != nil {
			return err
		}
		reply.Data = res.Data
		reply.Size = len(res.Data)
	case OutputAudioBuffer:
		res, err := sess.AudioBuffer(ctx)
		if err != nil {
			return err
		}
		info := &protocol.SampleInfo{Frames: res.Data.NumFrames(), BitDepth: res.Data.SourceBitDepth}
		if res.Data.Format != nil {
			info.SampleRate = res.Data.Format.SampleRate
			info.Channels = res.Data.Format.NumChannels
		}
		reply.Samples = info
		reply.Size = len(res.Data.Data)
	case OutputMediaSource:
		res, err := sess.MediaSource(ctx)
		if err != nil {
			return err
		}
		reply.SurfacePath = SurfacePrefix + sess.ID()
		reply.Size = len(res.Data.Buffered())
	case OutputReadableStream:
		if s.bus == nil {
			return ErrNoBus
		}
		size := req.ChunkSize
		if size <= 0 {
			size = s.cfg.StreamChunkSize
		}
		res, err := sess.ReadableStream(size, StreamOptions{})
		if err != nil {
			return err
		}
		key := req.SessionID
		if key == "" {
			key = sess.ID()
		}
		reply.StreamTopic = protocol.StreamSubject(key)
		n, err := s.publishStream(ctx, reply.StreamTopic, key, res.Data)
		if err != nil {
			return err
		}
		reply.Size = n
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOutputKind, kind)
	}
	return nil
}

func (s *Service) publishStream(ctx context.Context, subject, key string, stream *ChunkStream) (int, error) {
	total := 0
	seq := 0
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return total, err
			}
			break
		}
		if err := s.publishJSON(subject, protocol.StreamChunk{SessionID: key, Sequence: seq, Data: chunk}); err != nil {
			return total, fmt.Errorf("publish stream chunk: %w", err)
		}
		total += len(chunk)
		seq++
	}
	if err := s.publishJSON(subject, protocol.StreamChunk{SessionID: key, Sequence: seq, Final: true}); err != nil {
		return total, fmt.Errorf("publish stream end: %w", err)
	}
	return total, s.bus.Conn().FlushWithContext(ctx)
}

func (s *Service) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.bus.Conn().Publish(subject, data)
}

func (s *Service) hold(sess *Session) {
	s.mu.Lock()
	s.held = append(s.held, sess)
	var evicted []*Session
	if len(s.held) > maxHeldSources {
		evicted = append(evicted, s.held[:len(s.held)-maxHeldSources]...)
		s.held = append([]*Session(nil), s.held[len(s.held)-maxHeldSources:]...)
	}
	s.mu.Unlock()
	for _, old := range evicted {
		old.Close()
	}
}

// archiveRecording stores the recording in the JetStream object store when
// one is configured.
func (s *Service) archiveRecording(ctx context.Context, sess *Session) {
	if s.archive == nil {
		return
	}
	res, err := sess.Blob(ctx)
	if err != nil {
		return
	}
	meta := &nats.ObjectMeta{
		Name:        sess.ID() + archiveExtension(sess.MimeType()),
		Description: sess.Text(),
		Headers:     nats.Header{"Content-Type": []string{res.Data.Type()}},
	}
	if _, err := s.archive.Put(meta, bytes.NewReader(res.Data.Bytes())); err != nil {
		s.logger.Warn("failed to archive recording", slog.String("session_id", sess.ID()), slogError(err))
	}
}

func archiveExtension(mimeType string) string {
	ct, ok := media.ParseContentType(mimeType)
	if !ok {
		return ".bin"
	}
	switch ct.Base {
	case media.TypeWAV:
		return ".wav"
	case media.TypeL16:
		return ".pcm"
	default:
		return ".bin"
	}
}

func (s *Service) fail(ctx context.Context, span trace.Span, reply protocol.RecordReply, req protocol.RecordRequest, err error) protocol.RecordReply {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.failures != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("output", req.Output)))
	}
	s.logger.Warn("recording failed", slog.String("session_id", reply.SessionID), slogError(err))
	reply.Error = err.Error()
	reply.Data = nil
	s.publishStatus(protocol.RecorderStatus{SessionID: reply.SessionID, Error: err.Error(), Timestamp: time.Now().UTC()})
	return reply
}

func (s *Service) publishStatus(status protocol.RecorderStatus) {
	if s.bus == nil {
		return
	}
	if err := s.publishJSON(protocol.SubjectRecordDone, status); err != nil {
		s.logger.Warn("failed to publish recorder status", slogError(err))
	}
}

func (s *Service) event(ctx context.Context, sessionID, traceID, typ string, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			s.logger.Warn("failed to encode event payload", slogError(err))
			return
		}
	}
	s.logError("append event", s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		TraceID:   traceID,
		Type:      typ,
		Payload:   data,
	}))
}

func (s *Service) logError(op string, err error) {
	if err != nil {
		s.logger.Warn("event store "+op+" failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

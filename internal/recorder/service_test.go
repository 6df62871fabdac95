package recorder

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/devices"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/speech"
	"github.com/nats-io/nats.go"
)

func testRecorderConfig() config.RecorderConfig {
	cfg := config.Default().Recorder
	cfg.Enabled = true
	cfg.MimeType = "audio/wav"
	cfg.RequestTimeoutMS = 5000
	return cfg
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestServiceRecordBlob(t *testing.T) {
	env := newTestEnv()
	store := openStore(t)
	svc := NewService(context.Background(), testRecorderConfig(), env.host, nil, store, discardLogger())
	defer svc.Close()

	ctx := testContext(t)
	reply := svc.Record(ctx, protocol.RecordRequest{Text: "hello there", Output: string(OutputBlob), TraceID: "trace-1"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if reply.ContentType != "audio/wav" || reply.Chunks != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Size == 0 || len(reply.Data) != reply.Size {
		t.Fatalf("expected payload of %d bytes, got %d", reply.Size, len(reply.Data))
	}

	sess, ok, err := store.GetSession(ctx, reply.SessionID)
	if err != nil || !ok {
		t.Fatalf("expected stored session, ok=%v err=%v", ok, err)
	}
	if sess.State != StateCaptured.String() || sess.Text != "hello there" {
		t.Fatalf("unexpected stored session %+v", sess)
	}
	events, err := store.ListSessionEvents(ctx, reply.SessionID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{
		eventstore.EventSessionCreated,
		eventstore.EventCaptureStarted,
		eventstore.EventChunk,
		eventstore.EventCaptureCompleted,
		eventstore.EventConverted,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Type)
		}
		if evt.TraceID != "trace-1" {
			t.Fatalf("event %d missing trace id", i)
		}
	}
}

func TestServiceConcurrentRecordingsStayApart(t *testing.T) {
	cfg := config.Default()
	cfg.TTS.SampleRate = 8000
	cfg.TTS.ChunkDurationMS = 50
	synth, err := speech.NewSynthesizer(cfg.TTS)
	if err != nil {
		t.Fatalf("synth: %v", err)
	}
	loop := media.NewLoopback(64)
	engine := speech.NewEngine(cfg.TTS, synth, discardLogger(), loop)
	defer engine.Close()
	host := Host{
		Speech:    engine,
		Devices:   devices.NewManager(cfg.Node, loop, nil, nil, discardLogger()),
		Recorders: media.RecorderFactory{},
		Logger:    discardLogger(),
	}
	svc := NewService(context.Background(), testRecorderConfig(), host, nil, nil, discardLogger())
	defer svc.Close()

	ctx := testContext(t)
	texts := []string{"hi", "a much longer sentence to speak aloud"}
	solo := make(map[string]int)
	for _, text := range texts {
		reply := svc.Record(ctx, protocol.RecordRequest{Text: text, Output: string(OutputBlob)})
		if reply.Error != "" {
			t.Fatalf("record %q: %s", text, reply.Error)
		}
		solo[text] = reply.Size
	}
	if solo[texts[0]] >= solo[texts[1]] {
		t.Fatalf("expected the longer text to record more audio: %v", solo)
	}

	var wg sync.WaitGroup
	replies := make([]protocol.RecordReply, 8)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = svc.Record(ctx, protocol.RecordRequest{Text: texts[i%2], Output: string(OutputBlob)})
		}(i)
	}
	wg.Wait()
	for i, reply := range replies {
		if reply.Error != "" {
			t.Fatalf("record %d: %s", i, reply.Error)
		}
		if want := solo[texts[i%2]]; reply.Size != want {
			t.Fatalf("record %d of %q: expected %d bytes as when alone, got %d", i, texts[i%2], want, reply.Size)
		}
	}
	if loop.Monitors() != 0 {
		t.Fatalf("expected every capture track released, %d open", loop.Monitors())
	}
}

func TestServiceRecordAudioBufferAndMediaSource(t *testing.T) {
	env := newTestEnv()
	svc := NewService(context.Background(), testRecorderConfig(), env.host, nil, nil, discardLogger())
	defer svc.Close()
	ctx := testContext(t)

	reply := svc.Record(ctx, protocol.RecordRequest{Text: "hello", Output: string(OutputAudioBuffer)})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if reply.Samples == nil || reply.Samples.Frames != 300 || reply.Samples.SampleRate != 16000 {
		t.Fatalf("unexpected sample info %+v", reply.Samples)
	}

	reply = svc.Record(ctx, protocol.RecordRequest{Text: "hello", Output: string(OutputMediaSource)})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if reply.SurfacePath != SurfacePrefix+reply.SessionID {
		t.Fatalf("unexpected surface path %q", reply.SurfacePath)
	}
	for _, id := range env.surface.detached {
		if id == reply.SessionID {
			t.Fatalf("mediaSource sessions stay attached until the service closes")
		}
	}
}

func TestServiceRejectsRequests(t *testing.T) {
	env := newTestEnv()
	svc := NewService(context.Background(), testRecorderConfig(), env.host, nil, nil, discardLogger())
	defer svc.Close()
	ctx := testContext(t)

	cases := map[string]protocol.RecordRequest{
		"empty text":       {Output: string(OutputBlob)},
		"unknown output":   {Text: "hi", Output: "wav"},
		"live stream":      {Text: "hi", Output: string(OutputMediaStream)},
		"stream needs bus": {Text: "hi", Output: string(OutputReadableStream)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			reply := svc.Record(ctx, req)
			if reply.Error == "" {
				t.Fatalf("expected an error reply")
			}
			if len(reply.Data) != 0 {
				t.Fatalf("failed replies carry no data")
			}
		})
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Enabled:  true,
		Embedded: true,
		Port:     -1,
		StoreDir: t.TempDir(),
	}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "recorder-test", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceOverBus(t *testing.T) {
	client := startBus(t)
	env := newTestEnv()
	cfg := testRecorderConfig()
	cfg.StreamChunkSize = 128
	svc := NewService(context.Background(), cfg, env.host, client, nil, discardLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatalf("expected healthy service")
	}

	chunks := make(chan *nats.Msg, 64)
	streamSub, err := client.Conn().ChanSubscribe(protocol.StreamSubject("client-1"), chunks)
	if err != nil {
		t.Fatalf("subscribe stream: %v", err)
	}
	defer streamSub.Unsubscribe()
	done := make(chan *nats.Msg, 4)
	doneSub, err := client.Conn().ChanSubscribe(protocol.SubjectRecordDone, done)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	defer doneSub.Unsubscribe()

	data, _ := json.Marshal(protocol.RecordRequest{SessionID: "client-1", Text: "stream me", Output: string(OutputReadableStream)})
	msg, err := client.Conn().Request(protocol.SubjectRecordRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.RecordReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if reply.StreamTopic != protocol.StreamSubject("client-1") {
		t.Fatalf("unexpected stream subject %q", reply.StreamTopic)
	}

	total := 0
	seq := 0
read:
	for {
		select {
		case m := <-chunks:
			var chunk protocol.StreamChunk
			if err := json.Unmarshal(m.Data, &chunk); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			if chunk.Sequence != seq {
				t.Fatalf("expected sequence %d, got %d", seq, chunk.Sequence)
			}
			seq++
			if chunk.Final {
				if total != reply.Size {
					t.Fatalf("streamed %d bytes, reply says %d", total, reply.Size)
				}
				break read
			}
			if len(chunk.Data) > 128 {
				t.Fatalf("chunk of %d bytes exceeds the slice size", len(chunk.Data))
			}
			total += len(chunk.Data)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stream chunks")
		}
	}

	select {
	case m := <-done:
		var status protocol.RecorderStatus
		if err := json.Unmarshal(m.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if !status.Completed || status.SessionID != reply.SessionID {
			t.Fatalf("unexpected status %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recorder status")
	}

	archive, err := client.ObjectStore(cfg.ArchiveBucket)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	info, err := archive.GetInfo(reply.SessionID + ".wav")
	if err != nil {
		t.Fatalf("expected archived recording: %v", err)
	}
	if int(info.Size) != reply.Size {
		t.Fatalf("archived %d bytes, recorded %d", info.Size, reply.Size)
	}
	if !strings.Contains(info.Description, "stream me") {
		t.Fatalf("expected archive description to carry the text, got %q", info.Description)
	}
}

func TestArchiveExtension(t *testing.T) {
	cases := map[string]string{
		"audio/wav":              ".wav",
		"audio/x-wav":            ".wav",
		media.L16Type(16000, 1):  ".pcm",
		"audio/webm;codecs=opus": ".bin",
		"not a type;;":           ".bin",
	}
	for in, want := range cases {
		if got := archiveExtension(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

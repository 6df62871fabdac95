package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/recorder"
	"github.com/nats-io/nats.go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRecordWritesWAVBlob(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hello.wav")
	err := runRecord(context.Background(), recordFlags{
		text:     "hello there",
		mimeType: "audio/wav",
		output:   string(recorder.OutputBlob),
		out:      out,
	})
	if err != nil {
		t.Fatalf("runRecord: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) <= 44 || !bytes.Equal(data[:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatalf("expected a WAV file, got %d bytes", len(data))
	}
}

func TestRunRecordStreamsSlices(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "blob.wav")
	stream := filepath.Join(dir, "stream.wav")
	base := recordFlags{text: "one two three", mimeType: "audio/wav"}

	rf := base
	rf.output, rf.out = string(recorder.OutputBlob), blob
	if err := runRecord(context.Background(), rf); err != nil {
		t.Fatalf("blob: %v", err)
	}
	rf = base
	rf.output, rf.out, rf.chunkSize = string(recorder.OutputReadableStream), stream, 100
	if err := runRecord(context.Background(), rf); err != nil {
		t.Fatalf("stream: %v", err)
	}

	want, _ := os.ReadFile(blob)
	got, _ := os.ReadFile(stream)
	if len(got) == 0 || len(got) != len(want) {
		t.Fatalf("stream wrote %d bytes, blob %d", len(got), len(want))
	}
}

func TestRunRecordAudioBufferSummary(t *testing.T) {
	out := filepath.Join(t.TempDir(), "info.json")
	err := runRecord(context.Background(), recordFlags{
		text:     "count the frames",
		mimeType: "audio/wav",
		output:   string(recorder.OutputAudioBuffer),
		out:      out,
	})
	if err != nil {
		t.Fatalf("runRecord: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var info protocol.SampleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if info.Frames == 0 || info.SampleRate != config.Default().TTS.SampleRate {
		t.Fatalf("unexpected summary %+v", info)
	}
}

func TestRunRecordRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if err := runRecord(ctx, recordFlags{output: "blob"}); !errors.Is(err, recorder.ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if err := runRecord(ctx, recordFlags{text: "hi", output: "tape"}); !errors.Is(err, recorder.ErrInvalidOutputKind) {
		t.Fatalf("expected ErrInvalidOutputKind, got %v", err)
	}
	for _, kind := range []recorder.OutputKind{recorder.OutputMediaStream, recorder.OutputMediaSource} {
		if err := runRecord(ctx, recordFlags{text: "hi", output: string(kind)}); err == nil {
			t.Fatalf("%s should need a playback surface", kind)
		}
	}
}

func TestOpenOutput(t *testing.T) {
	w, closeOut, err := openOutput("-")
	if err != nil || w != os.Stdout {
		t.Fatalf("expected stdout, got %v %v", w, err)
	}
	closeOut()

	path := filepath.Join(t.TempDir(), "out.bin")
	w, closeOut, err = openOutput(path)
	if err != nil {
		t.Fatalf("openOutput: %v", err)
	}
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeOut()
	if data, _ := os.ReadFile(path); string(data) != "abc" {
		t.Fatalf("unexpected file contents %q", data)
	}

	if _, _, err := openOutput(filepath.Join(t.TempDir(), "missing", "out.bin")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

// startResponder answers record requests the way a loqad node does.
func startResponder(t *testing.T) config.Config {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.Default()
	cfg.Bus.Servers = []string{srv.ClientURL()}
	cfg.Bus.ConnectTimeout = 2000
	cfg.Recorder.RequestTimeoutMS = 2000

	client, err := bus.Connect(context.Background(), cfg.Bus, "responder", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sub, err := client.Conn().Subscribe(protocol.SubjectRecordRequest, func(msg *nats.Msg) {
		var req protocol.RecordRequest
		_ = json.Unmarshal(msg.Data, &req)
		reply := protocol.RecordReply{SessionID: req.SessionID, Output: req.Output}
		switch {
		case req.Text == "fail":
			reply.Error = "speech synthesis failed"
		case req.Output == string(recorder.OutputReadableStream):
			subject := protocol.StreamSubject(req.SessionID)
			for i, part := range []string{"ab", "cd", ""} {
				chunk, _ := json.Marshal(protocol.StreamChunk{SessionID: req.SessionID, Sequence: i, Data: []byte(part), Final: part == ""})
				_ = client.Conn().Publish(subject, chunk)
			}
			reply.StreamTopic = subject
		default:
			reply.Data = []byte("remote:" + req.Text)
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return cfg
}

func TestRecordRemote(t *testing.T) {
	cfg := startResponder(t)
	dir := t.TempDir()

	blob := filepath.Join(dir, "blob.bin")
	err := recordRemote(context.Background(), cfg, recordFlags{text: "hi", output: string(recorder.OutputBlob), out: blob}, discardLogger())
	if err != nil {
		t.Fatalf("remote blob: %v", err)
	}
	if data, _ := os.ReadFile(blob); string(data) != "remote:hi" {
		t.Fatalf("unexpected blob %q", data)
	}

	stream := filepath.Join(dir, "stream.bin")
	err = recordRemote(context.Background(), cfg, recordFlags{text: "hi", output: string(recorder.OutputReadableStream), out: stream}, discardLogger())
	if err != nil {
		t.Fatalf("remote stream: %v", err)
	}
	if data, _ := os.ReadFile(stream); string(data) != "abcd" {
		t.Fatalf("unexpected stream %q", data)
	}

	err = recordRemote(context.Background(), cfg, recordFlags{text: "fail", output: string(recorder.OutputBlob), out: filepath.Join(dir, "x")}, discardLogger())
	if err == nil || err.Error() != "speech synthesis failed" {
		t.Fatalf("expected remote error, got %v", err)
	}
}

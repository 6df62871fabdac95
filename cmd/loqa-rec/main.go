package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/devices"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/recorder"
	"github.com/loqalabs/loqa-recorder/internal/speech"
)

var version = "0.1.0-dev"

type recordFlags struct {
	configPath string
	text       string
	voice      string
	lang       string
	rate       float64
	pitch      float64
	volume     float64
	mimeType   string
	output     string
	out        string
	chunkSize  int
	remote     bool
	verbose    bool
}

func main() {
	var rf recordFlags
	recordCmd := flag.NewFlagSet("record", flag.ExitOnError)
	recordCmd.StringVar(&rf.configPath, "config", "", "Path to configuration file")
	recordCmd.StringVar(&rf.text, "text", "", "Text to speak and record")
	recordCmd.StringVar(&rf.voice, "voice", "", "Voice name")
	recordCmd.StringVar(&rf.lang, "lang", "", "Language tag")
	recordCmd.Float64Var(&rf.rate, "rate", 0, "Speaking rate (1 is normal)")
	recordCmd.Float64Var(&rf.pitch, "pitch", 0, "Pitch (1 is normal)")
	recordCmd.Float64Var(&rf.volume, "volume", 0, "Volume between 0 and 1")
	recordCmd.StringVar(&rf.mimeType, "mime", "", "Requested content type")
	recordCmd.StringVar(&rf.output, "output", string(recorder.OutputBlob), "Output kind: blob, arrayBuffer, audioBuffer or readableStream")
	recordCmd.StringVar(&rf.out, "o", "-", "Destination file, - for stdout")
	recordCmd.IntVar(&rf.chunkSize, "chunk", 0, "Slice size for readableStream output")
	recordCmd.BoolVar(&rf.remote, "remote", false, "Send the request to a running loqad over the bus")
	recordCmd.BoolVar(&rf.verbose, "v", false, "Verbose logging")

	var listConfig string
	voicesCmd := flag.NewFlagSet("voices", flag.ExitOnError)
	voicesCmd.StringVar(&listConfig, "config", "", "Path to configuration file")
	devicesCmd := flag.NewFlagSet("devices", flag.ExitOnError)
	devicesCmd.StringVar(&listConfig, "config", "", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'record', 'voices', 'devices' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "record":
		recordCmd.Parse(os.Args[2:])
		err = runRecord(ctx, rf)
	case "voices":
		voicesCmd.Parse(os.Args[2:])
		err = runVoices(ctx, listConfig)
	case "devices":
		devicesCmd.Parse(os.Args[2:])
		err = runDevices(ctx, listConfig)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// localHost wires an in-process recorder host from config.
func localHost(cfg config.Config, logger *slog.Logger) (recorder.Host, *speech.Engine, error) {
	synth, err := speech.NewSynthesizer(cfg.TTS)
	if err != nil {
		return recorder.Host{}, nil, err
	}
	loop := media.NewLoopback(64)
	engine := speech.NewEngine(cfg.TTS, synth, logger, loop)
	return recorder.Host{
		Speech:    engine,
		Devices:   devices.NewManager(cfg.Node, loop, nil, nil, logger),
		Recorders: media.RecorderFactory{},
		Decoder:   media.Decoder{SampleRate: cfg.TTS.SampleRate, Channels: cfg.TTS.Channels},
		Sources:   media.SourceFactory{Types: cfg.Recorder.SourceMimeTypes},
		Logger:    logger,
	}, engine, nil
}

func runRecord(ctx context.Context, rf recordFlags) error {
	if rf.text == "" {
		return recorder.ErrEmptyText
	}
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(rf.verbose)
	if rf.remote {
		return recordRemote(ctx, cfg, rf, logger)
	}

	kind, err := recorder.ParseOutputKind(rf.output)
	if err != nil {
		return err
	}
	if kind == recorder.OutputMediaStream || kind == recorder.OutputMediaSource {
		return fmt.Errorf("%s output needs a playback surface; use loqad", kind)
	}
	host, engine, err := localHost(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	mimeType := rf.mimeType
	if mimeType == "" {
		mimeType = cfg.Recorder.MimeType
	}
	sess, err := recorder.New(ctx, host, rf.text, recorder.UtteranceOptions{
		Voice:  rf.voice,
		Lang:   rf.lang,
		Rate:   rf.rate,
		Pitch:  rf.pitch,
		Volume: rf.volume,
	}, recorder.RecorderOptions{
		MimeType:  mimeType,
		Timeslice: time.Duration(cfg.Recorder.TimesliceMS) * time.Millisecond,
	}, kind, recorder.SessionOptions(cfg.Recorder)...)
	if err != nil {
		return err
	}
	defer sess.Close()
	if _, err := sess.Start(ctx, ""); err != nil {
		return err
	}

	out, closeOut, err := openOutput(rf.out)
	if err != nil {
		return err
	}
	defer closeOut()

	switch kind {
	case recorder.OutputBlob:
		res, err := sess.Blob(ctx)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, res.Data.Reader())
		return err
	case recorder.OutputArrayBuffer:
		res, err := sess.ArrayBuffer(ctx)
		if err != nil {
			return err
		}
		_, err = out.Write(res.Data)
		return err
	case recorder.OutputAudioBuffer:
		res, err := sess.AudioBuffer(ctx)
		if err != nil {
			return err
		}
		info := protocol.SampleInfo{Frames: res.Data.NumFrames(), BitDepth: res.Data.SourceBitDepth}
		if res.Data.Format != nil {
			info.SampleRate = res.Data.Format.SampleRate
			info.Channels = res.Data.Format.NumChannels
		}
		return json.NewEncoder(out).Encode(info)
	default:
		size := rf.chunkSize
		if size <= 0 {
			size = cfg.Recorder.StreamChunkSize
		}
		res, err := sess.ReadableStream(size, recorder.StreamOptions{HighWaterMark: 4})
		if err != nil {
			return err
		}
		slices := 0
		for chunk := range res.Data.Chunks(ctx) {
			if _, err := out.Write(chunk); err != nil {
				return err
			}
			slices++
		}
		logger.Info("stream written", slog.Int("slices", slices))
		return ctx.Err()
	}
}

func recordRemote(ctx context.Context, cfg config.Config, rf recordFlags, logger *slog.Logger) error {
	client, err := bus.Connect(ctx, cfg.Bus, "loqa-rec", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	req := protocol.RecordRequest{
		SessionID: fmt.Sprintf("loqa-rec-%d", time.Now().UnixNano()),
		Text:      rf.text,
		Voice:     rf.voice,
		Lang:      rf.lang,
		Rate:      rf.rate,
		Pitch:     rf.pitch,
		Volume:    rf.volume,
		MimeType:  rf.mimeType,
		Output:    rf.output,
		ChunkSize: rf.chunkSize,
	}
	out, closeOut, err := openOutput(rf.out)
	if err != nil {
		return err
	}
	defer closeOut()

	streamErr := make(chan error, 1)
	if req.Output == string(recorder.OutputReadableStream) {
		sub, err := client.Conn().SubscribeSync(protocol.StreamSubject(req.SessionID))
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		go func() {
			for {
				msg, err := sub.NextMsgWithContext(ctx)
				if err != nil {
					streamErr <- err
					return
				}
				var chunk protocol.StreamChunk
				if err := json.Unmarshal(msg.Data, &chunk); err != nil {
					streamErr <- err
					return
				}
				if chunk.Final {
					streamErr <- nil
					return
				}
				if _, err := out.Write(chunk.Data); err != nil {
					streamErr <- err
					return
				}
			}
		}()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	timeout := time.Duration(cfg.Recorder.RequestTimeoutMS)*time.Millisecond + 5*time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(reqCtx, protocol.SubjectRecordRequest, data)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	var reply protocol.RecordReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}

	switch {
	case reply.StreamTopic != "":
		return <-streamErr
	case reply.Samples != nil:
		return json.NewEncoder(out).Encode(reply.Samples)
	case reply.SurfacePath != "":
		_, err := fmt.Fprintf(out, "http://%s:%d%s\n", cfg.HTTP.Bind, cfg.HTTP.Port, reply.SurfacePath)
		return err
	default:
		_, err := out.Write(reply.Data)
		return err
	}
}

func runVoices(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	host, engine, err := localHost(cfg, newLogger(false))
	if err != nil {
		return err
	}
	defer engine.Close()
	select {
	case <-host.Speech.VoicesChanged():
	case <-ctx.Done():
		return ctx.Err()
	}
	voices, err := host.Speech.Voices(ctx)
	if err != nil {
		return err
	}
	for _, v := range voices {
		marker := ""
		if v.Default {
			marker = " (default)"
		}
		fmt.Printf("%s\t%s%s\n", v.Name, v.Lang, marker)
	}
	return nil
}

func runDevices(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	manager := devices.NewManager(cfg.Node, media.NewLoopback(1), nil, nil, newLogger(false))
	infos, err := manager.EnumerateDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range infos {
		fmt.Printf("%s\t%s\t%s\n", d.DeviceID, d.Kind, d.Label)
	}
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

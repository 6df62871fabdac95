package recorder

import (
	"context"
	"log/slog"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

// SpeechEngine speaks utterances and lists the voices it offers.
type SpeechEngine interface {
	Voices(ctx context.Context) ([]media.Voice, error)
	// VoicesChanged fires once the voice list is available.
	VoicesChanged() <-chan struct{}
	Speak(ctx context.Context, u media.Utterance) (*media.Speech, error)
}

// DeviceManager grants access to audio inputs.
type DeviceManager interface {
	GetUserMedia(ctx context.Context, c media.Constraints) (*media.MediaStream, error)
	EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error)
}

type RecorderFactory interface {
	IsTypeSupported(mimeType string) bool
	NewRecorder(stream *media.MediaStream, opts media.RecorderOptions) (media.Recorder, error)
}

type AudioDecoder interface {
	DecodeAudioData(ctx context.Context, data []byte, mimeType string) (*audio.IntBuffer, error)
}

type SourceFactory interface {
	NewMediaSource() media.Source
}

// Surface is the playback control shown to the user for a session.
type Surface interface {
	Attach(sessionID string)
	// Bind makes src the playback source; it must open the source.
	Bind(sessionID string, src media.Source)
	Detach(sessionID string)
}

// Host bundles the platform capabilities a session sequences.
type Host struct {
	Speech    SpeechEngine
	Devices   DeviceManager
	Recorders RecorderFactory
	Decoder   AudioDecoder
	Sources   SourceFactory
	Surface   Surface
	Logger    *slog.Logger
}

type nopSurface struct{}

func (nopSurface) Attach(string)                   {}
func (nopSurface) Bind(_ string, src media.Source) { src.Open() }
func (nopSurface) Detach(string)                   {}

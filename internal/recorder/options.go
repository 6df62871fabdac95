package recorder

import (
	"fmt"
	"time"
)

// OutputKind selects what a session hands back to its caller.
type OutputKind string

const (
	OutputMediaStream    OutputKind = "mediaStream"
	OutputBlob           OutputKind = "blob"
	OutputArrayBuffer    OutputKind = "arrayBuffer"
	OutputAudioBuffer    OutputKind = "audioBuffer"
	OutputMediaSource    OutputKind = "mediaSource"
	OutputReadableStream OutputKind = "readableStream"
)

// ParseOutputKind validates a kind received from outside the process.
func ParseOutputKind(value string) (OutputKind, error) {
	kind := OutputKind(value)
	switch kind {
	case OutputMediaStream, OutputBlob, OutputArrayBuffer, OutputAudioBuffer, OutputMediaSource, OutputReadableStream:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutputKind, value)
	}
}

// DefaultMimeType is requested when RecorderOptions.MimeType is empty.
const DefaultMimeType = "audio/webm;codecs=opus"

// DefaultChunkSize is the readableStream slice size when none is given.
const DefaultChunkSize = 1024

// UtteranceOptions configures how the text is spoken. Zero values leave the
// engine defaults in place.
type UtteranceOptions struct {
	Voice  string
	Lang   string
	Rate   float64
	Pitch  float64
	Volume float64
}

// RecorderOptions configures the capture.
type RecorderOptions struct {
	MimeType  string
	Timeslice time.Duration
}

// Options tunes session behaviour that is not part of a single request.
type Options struct {
	FallbackTypes  []string
	PreferLoopback bool
	LoopbackLabel  string
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		FallbackTypes:  []string{"audio/wav"},
		PreferLoopback: true,
		LoopbackLabel:  "Monitor",
	}
}

// WithFallbackTypes replaces the content types tried when the requested one
// is not supported.
func WithFallbackTypes(types ...string) Option {
	return func(o *Options) { o.FallbackTypes = append([]string(nil), types...) }
}

// WithLoopback sets whether an output monitor device is preferred for
// capture and the label fragment that identifies it.
func WithLoopback(prefer bool, label string) Option {
	return func(o *Options) {
		o.PreferLoopback = prefer
		if label != "" {
			o.LoopbackLabel = label
		}
	}
}

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateCaptured
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateCaptured:
		return "captured"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

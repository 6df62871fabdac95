package protocol

import "time"

// AudioFrame represents PCM audio data streamed between nodes.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// RecordRequest asks the recorder service to speak and capture text.
type RecordRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Lang      string  `json:"lang,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
	Pitch     float64 `json:"pitch,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	MimeType  string  `json:"mime_type,omitempty"`
	Output    string  `json:"output"`
	ChunkSize int     `json:"chunk_size,omitempty"`
	TraceID   string  `json:"trace_id,omitempty"`
}

// RecordReply is the response to a RecordRequest.
type RecordReply struct {
	SessionID   string        `json:"session_id"`
	Output      string        `json:"output"`
	ContentType string        `json:"content_type,omitempty"`
	Chunks      int           `json:"chunks,omitempty"`
	Size        int           `json:"size,omitempty"`
	Data        []byte        `json:"data,omitempty"`
	Samples     *SampleInfo   `json:"samples,omitempty"`
	SurfacePath string        `json:"surface_path,omitempty"`
	StreamTopic string        `json:"stream_subject,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// SampleInfo summarises decoded audio.
type SampleInfo struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	Frames     int `json:"frames"`
	BitDepth   int `json:"bit_depth"`
}

// StreamChunk carries one slice of a readableStream conversion.
type StreamChunk struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Data      []byte `json:"data,omitempty"`
	Final     bool   `json:"final"`
}

// RecorderStatus is broadcast when a recording session finishes.
type RecorderStatus struct {
	SessionID string    `json:"session_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectRecordRequest    = "recorder.request"
	SubjectRecordDone       = "recorder.done"
	SubjectStreamPrefix     = "recorder.stream"
	SubjectDeviceAnnounce   = "ctrl.device.announce"
	SubjectDeviceHeartbeat  = "ctrl.device.heartbeat"
)

func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}

func StreamSubject(sessionID string) string {
	return SubjectStreamPrefix + "." + sessionID
}

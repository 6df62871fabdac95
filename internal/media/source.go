package media

import (
	"fmt"
	"sync"
)

// Source is a streaming media container that playback reads from.
type Source interface {
	IsTypeSupported(mimeType string) bool
	// Open attaches the container to a playback element.
	Open()
	SourceOpen() <-chan struct{}
	AddSourceBuffer(mimeType string) (SourceBuffer, error)
	EndOfStream() error
	SourceEnded() <-chan struct{}
	ReadyState() string
	Buffered() []byte
	Type() string
}

// SourceBuffer receives appended media for a Source.
type SourceBuffer interface {
	SetMode(mode string) error
	AppendBuffer(data []byte) error
	// UpdateEnd fires when the most recent append has been applied.
	UpdateEnd() <-chan struct{}
	Updating() bool
}

// SourceFactory creates MediaSources accepting a fixed set of types.
type SourceFactory struct {
	Types []string
}

func (f SourceFactory) NewMediaSource() Source {
	return NewMediaSource(f.Types)
}

// MediaSource is the in-memory Source implementation.
type MediaSource struct {
	mu        sync.Mutex
	supported []string
	state     string
	typ       string
	buffer    *sourceBuffer
	opened    *Signal
	ended     *Signal
}

func NewMediaSource(supported []string) *MediaSource {
	return &MediaSource{
		supported: append([]string(nil), supported...),
		state:     "closed",
		opened:    NewSignal(),
		ended:     NewSignal(),
	}
}

func (m *MediaSource) IsTypeSupported(mimeType string) bool {
	for _, t := range m.supported {
		if sameBaseType(t, mimeType) {
			return true
		}
	}
	return false
}

func (m *MediaSource) Open() {
	m.mu.Lock()
	if m.state != "closed" {
		m.mu.Unlock()
		return
	}
	m.state = "open"
	m.mu.Unlock()
	m.opened.Fire()
}

func (m *MediaSource) SourceOpen() <-chan struct{}  { return m.opened.Done() }
func (m *MediaSource) SourceEnded() <-chan struct{} { return m.ended.Done() }

func (m *MediaSource) ReadyState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MediaSource) Type() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typ
}

func (m *MediaSource) AddSourceBuffer(mimeType string) (SourceBuffer, error) {
	if !m.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, mimeType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != "open" {
		return nil, fmt.Errorf("%w: source is %s", ErrInvalidState, m.state)
	}
	if m.buffer != nil {
		return nil, fmt.Errorf("%w: source buffer already added", ErrInvalidState)
	}
	m.typ = mimeType
	m.buffer = &sourceBuffer{mode: "segments", done: NewSignal()}
	m.buffer.done.Fire()
	return m.buffer, nil
}

func (m *MediaSource) EndOfStream() error {
	m.mu.Lock()
	if m.state != "open" {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: source is %s", ErrInvalidState, state)
	}
	if m.buffer != nil && m.buffer.Updating() {
		m.mu.Unlock()
		return fmt.Errorf("%w: source buffer is updating", ErrInvalidState)
	}
	m.state = "ended"
	m.mu.Unlock()
	m.ended.Fire()
	return nil
}

func (m *MediaSource) Buffered() []byte {
	m.mu.Lock()
	buf := m.buffer
	m.mu.Unlock()
	if buf == nil {
		return nil
	}
	return buf.bytes()
}

type sourceBuffer struct {
	mu       sync.Mutex
	mode     string
	data     []byte
	updating bool
	done     *Signal
}

func (b *sourceBuffer) SetMode(mode string) error {
	if mode != "segments" && mode != "sequence" {
		return fmt.Errorf("%w: mode %q", ErrNotSupported, mode)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updating {
		return fmt.Errorf("%w: source buffer is updating", ErrInvalidState)
	}
	b.mode = mode
	return nil
}

func (b *sourceBuffer) AppendBuffer(data []byte) error {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		return fmt.Errorf("%w: source buffer is updating", ErrInvalidState)
	}
	b.updating = true
	done := NewSignal()
	b.done = done
	payload := append([]byte(nil), data...)
	b.mu.Unlock()

	go func() {
		b.mu.Lock()
		b.data = append(b.data, payload...)
		b.updating = false
		b.mu.Unlock()
		done.Fire()
	}()
	return nil
}

func (b *sourceBuffer) UpdateEnd() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done.Done()
}

func (b *sourceBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *sourceBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

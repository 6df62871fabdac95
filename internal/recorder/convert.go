package recorder

import (
	"context"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/loqalabs/loqa-recorder/internal/media"
)

func (s *Session) captured() ([]*media.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCaptured || len(s.chunks) == 0 {
		return nil, ErrNoData
	}
	return append([]*media.Blob(nil), s.chunks...), nil
}

// Blob returns the recording as a single blob. A single chunk is returned
// as is.
func (s *Session) Blob(ctx context.Context) (Result[*media.Blob], error) {
	if err := ctx.Err(); err != nil {
		return Result[*media.Blob]{}, err
	}
	chunks, err := s.captured()
	if err != nil {
		return Result[*media.Blob]{}, err
	}
	if len(chunks) == 1 {
		return Result[*media.Blob]{Session: s, Data: chunks[0]}, nil
	}
	return Result[*media.Blob]{Session: s, Data: media.NewBlob(chunks, s.mimeType)}, nil
}

// ArrayBuffer returns a copy of the recorded bytes, or of override when it
// is given.
func (s *Session) ArrayBuffer(ctx context.Context, override ...*media.Blob) (Result[[]byte], error) {
	chunks, err := s.captured()
	if err != nil {
		return Result[[]byte]{}, err
	}
	parts := chunks
	if len(override) > 0 {
		parts = override
	}
	data, err := media.NewBlob(parts, s.mimeType).ArrayBuffer(ctx)
	if err != nil {
		return Result[[]byte]{}, err
	}
	return Result[[]byte]{Session: s, Data: data}, nil
}

// AudioBuffer decodes the recording into PCM samples.
func (s *Session) AudioBuffer(ctx context.Context) (Result[*audio.IntBuffer], error) {
	raw, err := s.ArrayBuffer(ctx)
	if err != nil {
		return Result[*audio.IntBuffer]{}, err
	}
	buf, err := s.host.Decoder.DecodeAudioData(ctx, raw.Data, s.mimeType)
	if err != nil {
		return Result[*audio.IntBuffer]{}, fmt.Errorf("decode audio: %w", err)
	}
	return Result[*audio.IntBuffer]{Session: s, Data: buf}, nil
}

// MediaSource plays the recording through a new container bound to the
// session surface. It returns once the container has ended.
func (s *Session) MediaSource(ctx context.Context) (Result[media.Source], error) {
	raw, err := s.ArrayBuffer(ctx)
	if err != nil {
		return Result[media.Source]{}, err
	}
	src := s.host.Sources.NewMediaSource()
	s.host.Surface.Bind(s.id, src)
	if err := wait(ctx, src.SourceOpen()); err != nil {
		return Result[media.Source]{}, err
	}
	if !src.IsTypeSupported(s.mimeType) {
		return Result[media.Source]{}, fmt.Errorf("%w: %s", ErrUnsupportedContentType, s.mimeType)
	}
	buffer, err := src.AddSourceBuffer(s.mimeType)
	if err != nil {
		return Result[media.Source]{}, fmt.Errorf("add source buffer: %w", err)
	}
	if err := buffer.SetMode("sequence"); err != nil {
		return Result[media.Source]{}, err
	}
	if err := buffer.AppendBuffer(raw.Data); err != nil {
		return Result[media.Source]{}, fmt.Errorf("append buffer: %w", err)
	}
	if err := wait(ctx, buffer.UpdateEnd()); err != nil {
		return Result[media.Source]{}, err
	}
	if err := src.EndOfStream(); err != nil {
		return Result[media.Source]{}, fmt.Errorf("end of stream: %w", err)
	}
	if err := wait(ctx, src.SourceEnded()); err != nil {
		return Result[media.Source]{}, err
	}
	return Result[media.Source]{Session: s, Data: src}, nil
}

// ReadableStream slices the recording into pieces of at most size bytes.
// A size of zero or less uses DefaultChunkSize.
func (s *Session) ReadableStream(size int, opts StreamOptions) (Result[*ChunkStream], error) {
	chunks, err := s.captured()
	if err != nil {
		return Result[*ChunkStream]{}, err
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	data := media.NewBlob(chunks, s.mimeType).Bytes()
	return Result[*ChunkStream]{Session: s, Data: newChunkStream(data, size, opts)}, nil
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

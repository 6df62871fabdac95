package recorder

import (
	"context"
	"io"
	"sync"
)

// StreamOptions tunes ChunkStream.Chunks.
type StreamOptions struct {
	// HighWaterMark is how many slices Chunks buffers ahead of the reader.
	HighWaterMark int
}

// ChunkStream hands out a private copy of the recording in fixed-size slices.
// It is read once; slices already taken are not revisited.
type ChunkStream struct {
	mu   sync.Mutex
	data []byte
	size int
	hwm  int
}

func newChunkStream(data []byte, size int, opts StreamOptions) *ChunkStream {
	hwm := opts.HighWaterMark
	if hwm < 0 {
		hwm = 0
	}
	return &ChunkStream{data: data, size: size, hwm: hwm}
}

// Next returns the next slice, or io.EOF when the stream is exhausted.
func (c *ChunkStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return nil, io.EOF
	}
	n := min(c.size, len(c.data))
	out := c.data[:n:n]
	c.data = c.data[n:]
	return out, nil
}

// Read implements io.Reader over the remaining bytes.
func (c *ChunkStream) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, nil
}

// Chunks drains the stream into a channel that is closed at the end or when
// ctx is done.
func (c *ChunkStream) Chunks(ctx context.Context) <-chan []byte {
	out := make(chan []byte, c.hwm)
	go func() {
		defer close(out)
		for {
			chunk, err := c.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *ChunkStream) Size() int { return c.size }

func (c *ChunkStream) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

package media

import (
	"bytes"
	"context"
)

// Blob is an immutable byte payload tagged with a content type.
type Blob struct {
	typ  string
	data []byte
}

// NewBlob concatenates parts into a single blob of the given type.
func NewBlob(parts []*Blob, typ string) *Blob {
	size := 0
	for _, p := range parts {
		if p != nil {
			size += len(p.data)
		}
	}
	data := make([]byte, 0, size)
	for _, p := range parts {
		if p != nil {
			data = append(data, p.data...)
		}
	}
	return &Blob{typ: typ, data: data}
}

// BlobFromBytes copies data into a new blob.
func BlobFromBytes(data []byte, typ string) *Blob {
	return &Blob{typ: typ, data: append([]byte(nil), data...)}
}

func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

func (b *Blob) Type() string {
	if b == nil {
		return ""
	}
	return b.typ
}

// Bytes returns a copy of the payload.
func (b *Blob) Bytes() []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b.data...)
}

func (b *Blob) Reader() *bytes.Reader {
	if b == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(b.data)
}

// Slice returns the bytes in [start, end) as a new blob, clamping the bounds.
func (b *Blob) Slice(start, end int) *Blob {
	n := b.Size()
	if start < 0 {
		start = 0
	}
	if end > n || end < 0 {
		end = n
	}
	if start > end {
		start = end
	}
	return &Blob{typ: b.Type(), data: append([]byte(nil), b.data[start:end]...)}
}

// ArrayBuffer reads the blob into a fresh byte slice.
func (b *Blob) ArrayBuffer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

package wztypes

import (
	"fmt"
	"io"
)

// Payload is a blob that is either held in memory or still lives in the
// archive it was parsed from. Reading a lazy payload does not keep the
// bytes around; call Materialize to detach it from its source.
type Payload struct {
	src  io.ReaderAt
	off  int64
	size int64
	data []byte
}

// NewPayload wraps in-memory data.
func NewPayload(data []byte) *Payload {
	return &Payload{data: data, size: int64(len(data))}
}

// LazyPayload refers to size bytes of src starting at off.
func LazyPayload(src io.ReaderAt, off, size int64) *Payload {
	return &Payload{src: src, off: off, size: size}
}

// Len returns the payload size in bytes.
func (p *Payload) Len() int64 {
	if p == nil {
		return 0
	}
	return p.size
}

// Loaded reports whether the bytes are held in memory.
func (p *Payload) Loaded() bool {
	return p == nil || p.src == nil
}

// Bytes returns the payload contents, reading them from the source if needed.
func (p *Payload) Bytes() ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if p.src == nil {
		return p.data, nil
	}
	buf := make([]byte, p.size)
	n, err := p.src.ReadAt(buf, p.off)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read payload at offset %d: %w", p.off, err)
	}
	return buf, nil
}

// Materialize loads a lazy payload into memory and drops the source.
func (p *Payload) Materialize() error {
	if p.Loaded() {
		return nil
	}
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	p.data, p.src, p.off = data, nil, 0
	return nil
}

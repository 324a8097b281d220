package wz

import (
	"errors"
	"fmt"
	"io"
)

const sectionBufferSize = 4096

// Section is a buffered io.ReadSeeker over a window of an io.ReaderAt.
//
// Every Section owns its cursor, so several of them can read the same
// file concurrently (one per image being paged in). Positions reported by
// Seek are relative to the start of the window.
type Section struct {
	src  io.ReaderAt
	base int64
	size int64
	pos  int64

	buf    []byte
	bufPos int64
}

// NewSection returns a Section reading n bytes of src starting at off.
func NewSection(src io.ReaderAt, off, n int64) *Section {
	return &Section{src: src, base: off, size: n}
}

// Base returns the absolute offset of the window in src.
func (s *Section) Base() int64 { return s.base }

// Size returns the length of the window.
func (s *Section) Size() int64 { return s.size }

// Pos returns the current position relative to the window start.
func (s *Section) Pos() int64 { return s.pos }

// Remaining returns the number of bytes between the cursor and the end.
func (s *Section) Remaining() int64 { return s.size - s.pos }

// Source returns the underlying reader.
func (s *Section) Source() io.ReaderAt { return s.src }

func (s *Section) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if left := s.size - s.pos; int64(len(p)) > left {
		p = p[:left]
	}

	if len(p) >= sectionBufferSize {
		n, err := s.src.ReadAt(p, s.base+s.pos)
		s.pos += int64(n)
		if n == len(p) {
			err = nil
		}
		return n, err
	}

	if s.pos < s.bufPos || s.pos >= s.bufPos+int64(len(s.buf)) {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf[s.pos-s.bufPos:])
	s.pos += int64(n)
	return n, nil
}

// ReadByte implements io.ByteReader.
func (s *Section) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Seek implements io.Seeker. Seeking past the end is allowed, reading
// there returns io.EOF.
func (s *Section) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.pos
	case io.SeekEnd:
		offset += s.size
	default:
		return 0, errors.New("invalid whence")
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrFormat, offset)
	}
	s.pos = offset
	return offset, nil
}

func (s *Section) fill() error {
	if s.buf == nil {
		s.buf = make([]byte, sectionBufferSize)
	}
	n := int64(sectionBufferSize)
	if left := s.size - s.pos; n > left {
		n = left
	}
	buf := s.buf[:cap(s.buf)][:n]
	read, err := s.src.ReadAt(buf, s.base+s.pos)
	if read == 0 {
		s.buf = s.buf[:0]
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	s.buf = buf[:read]
	s.bufPos = s.pos
	return nil
}

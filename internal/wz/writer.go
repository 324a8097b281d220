package wz

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// cacheMinLength is the shortest string (in UTF-16 units) that is worth a
// 5-byte back-reference.
const cacheMinLength = 5

// Writer builds WZ encoded data in memory.
//
// Positions reported by Pos are absolute: base is the position of the first
// buffered byte in the final file (0 for an image serialized on its own).
// Image string back-references are relative to base, directory name
// references are relative to the data start passed to WriteObjectValue.
type Writer struct {
	buf  []byte
	base int64
	key  *Key

	strings map[string]int64
	objects map[string]int64
}

// NewWriter returns a Writer whose first byte lands at base.
func NewWriter(base int64, k *Key) *Writer {
	return &Writer{
		base:    base,
		key:     k,
		strings: make(map[string]int64),
		objects: make(map[string]int64),
	}
}

// Pos returns the absolute position of the next byte written.
func (w *Writer) Pos() int64 { return w.base + int64(len(w.buf)) }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written data. The slice aliases the internal buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Key returns the key stream strings are encrypted with.
func (w *Writer) Key() *Key { return w.key }

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) WriteInt16(v int16)   { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteInt32(v int32)   { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) WriteInt64(v int64)   { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// PatchInt32 overwrites 4 bytes at the absolute position at.
func (w *Writer) PatchInt32(at int64, v int32) error {
	i := at - w.base
	if i < 0 || i+4 > int64(len(w.buf)) {
		return fmt.Errorf("patch position %d outside written range", at)
	}
	binary.LittleEndian.PutUint32(w.buf[i:], uint32(v))
	return nil
}

// WriteCompressedInt writes v in the one or five byte form.
func (w *Writer) WriteCompressedInt(v int32) {
	if v > 127 || v <= -128 {
		w.buf = append(w.buf, 0x80)
		w.WriteInt32(v)
		return
	}
	w.buf = append(w.buf, byte(int8(v)))
}

// WriteCompressedLong writes v in the one or nine byte form.
func (w *Writer) WriteCompressedLong(v int64) {
	if v > 127 || v <= -128 {
		w.buf = append(w.buf, 0x80)
		w.WriteInt64(v)
		return
	}
	w.buf = append(w.buf, byte(int8(v)))
}

// CompressedIntLen returns the encoded size of v.
func CompressedIntLen(v int32) int {
	if v > 127 || v <= -128 {
		return 5
	}
	return 1
}

// WriteEncryptedString writes s with its length indicator.
func (w *Writer) WriteEncryptedString(s string) error {
	if s == "" {
		w.buf = append(w.buf, 0)
		return nil
	}

	data, wide, length, err := w.key.EncryptString(s)
	if err != nil {
		return err
	}

	if wide {
		if length >= 127 {
			w.buf = append(w.buf, 127)
			w.WriteInt32(int32(length))
		} else {
			w.buf = append(w.buf, byte(length))
		}
	} else {
		if length > 127 {
			w.buf = append(w.buf, 0x80)
			w.WriteInt32(int32(length))
		} else {
			w.buf = append(w.buf, byte(int8(-length)))
		}
	}

	w.buf = append(w.buf, data...)
	return nil
}

// EncodedStringLen returns the number of bytes WriteEncryptedString emits.
func EncodedStringLen(s string) int {
	if s == "" {
		return 1
	}
	if IsWide(s) {
		units := utf16Len(s)
		if units >= 127 {
			return 5 + units*2
		}
		return 1 + units*2
	}
	if len(s) > 127 {
		return 5 + len(s)
	}
	return 1 + len(s)
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if utf16.RuneLen(r) == 2 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// WriteStringValue writes a string block. Strings already written by this
// writer are emitted as a back-reference (ref followed by the int32 offset
// relative to base), everything else inline.
func (w *Writer) WriteStringValue(s string, inline, ref byte) error {
	if off, ok := w.strings[s]; ok && utf16Len(s) >= cacheMinLength {
		w.buf = append(w.buf, ref)
		w.WriteInt32(int32(off))
		return nil
	}

	w.buf = append(w.buf, inline)
	off := w.Pos() - w.base
	if err := w.WriteEncryptedString(s); err != nil {
		return err
	}
	if _, ok := w.strings[s]; !ok {
		w.strings[s] = off
	}
	return nil
}

// WriteObjectValue writes the type and name of a directory entry. A name
// that was already written with the same type is emitted as a
// DirEntryTypeReference to the earlier copy. It reports whether a
// reference was written.
func (w *Writer) WriteObjectValue(typ DirEntryType, name string, dataStart int64) (bool, error) {
	id := fmt.Sprintf("%d_%s", typ, name)
	if off, ok := w.objects[id]; ok && utf16Len(name) >= cacheMinLength {
		w.buf = append(w.buf, byte(DirEntryTypeReference))
		w.WriteInt32(int32(off))
		return true, nil
	}

	off := w.Pos() - dataStart
	w.buf = append(w.buf, byte(typ))
	if err := w.WriteEncryptedString(name); err != nil {
		return false, err
	}
	if _, ok := w.objects[id]; !ok {
		w.objects[id] = off
	}
	return false, nil
}

// ObjectValueLen returns the number of bytes WriteObjectValue would emit
// for typ and name and records the name as if it had been written at pos.
// Directory sizing relies on it to predict the entry table layout.
func (w *Writer) ObjectValueLen(typ DirEntryType, name string, pos int64) int {
	id := fmt.Sprintf("%d_%s", typ, name)
	if _, ok := w.objects[id]; ok && utf16Len(name) >= cacheMinLength {
		return 5
	}
	if _, ok := w.objects[id]; !ok {
		w.objects[id] = pos
	}
	return 1 + EncodedStringLen(name)
}

// WriteOffset encrypts offset for the current position and writes it.
func (w *Writer) WriteOffset(dataStart, versionHash, offset uint32) {
	w.WriteUint32(EncryptOffset(uint32(w.Pos()), dataStart, versionHash, offset))
}

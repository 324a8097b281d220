package wz

import (
	"encoding/binary"
	"fmt"
	"io"
)

// remainder is implemented by readers that know how much data is left.
// It keeps corrupt length fields from triggering huge allocations.
type remainder interface {
	Remaining() int64
}

func checkLength(r io.Reader, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrFormat, n)
	}
	if rem, ok := r.(remainder); ok && n > rem.Remaining() {
		return fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrFormat, n, rem.Remaining())
	}
	return nil
}

// ReadCompressedInt32 reads a WZ compressed integer from r.
// The WZ "compressed 32-bit integer" format is a one- or
// five-byte data type which can be read as follows:
//   - The first byte is always an int8. If its value fits
//     in the range [-127, 127], then it is the value of the
//     compressed integer.
//   - If the first byte is exactly -128, then the next
//     4 bytes are a little-endian int32.
func ReadCompressedInt32(r io.Reader, x *int32) error {
	var sb int8
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return fmt.Errorf("failed to read compressed int marker: %w", err)
	}

	if sb == -128 {
		if err := binary.Read(r, binary.LittleEndian, x); err != nil {
			return fmt.Errorf("failed to read compressed int value: %w", err)
		}
		return nil
	}

	*x = int32(sb)
	return nil
}

// ReadCompressedInt64 is ReadCompressedInt32 with an 8-byte long form.
func ReadCompressedInt64(r io.Reader, x *int64) error {
	var sb int8
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return fmt.Errorf("failed to read compressed long marker: %w", err)
	}

	if sb == -128 {
		if err := binary.Read(r, binary.LittleEndian, x); err != nil {
			return fmt.Errorf("failed to read compressed long value: %w", err)
		}
		return nil
	}

	*x = int64(sb)
	return nil
}

// ReadRawString reads the still encrypted payload of a WZ string.
//
// Length indicator (1 byte, sbyte):
//   - 0: Empty string
//   - Positive (1 to 126): Unicode string, this many characters
//   - 127: Unicode string, read next 4 bytes (int32) for actual length
//   - Negative (-1 to -127): ASCII string, absolute value is length
//   - -128: ASCII string, read next 4 bytes (int32) for actual length
func ReadRawString(r io.Reader) (data []byte, wide bool, err error) {
	var lengthIndicator int8
	if err := binary.Read(r, binary.LittleEndian, &lengthIndicator); err != nil {
		return nil, false, fmt.Errorf("failed to read string length indicator: %w", err)
	}

	if lengthIndicator == 0 {
		return nil, false, nil
	}

	var length int32
	switch {
	case lengthIndicator > 0 && lengthIndicator < 127:
		length = int32(lengthIndicator)
		wide = true

	case lengthIndicator == 127:
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, false, fmt.Errorf("failed to read unicode string length: %w", err)
		}
		wide = true

	case lengthIndicator < 0 && lengthIndicator > -128:
		length = int32(-lengthIndicator)

	case lengthIndicator == -128:
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, false, fmt.Errorf("failed to read ascii string length: %w", err)
		}
	}

	if length <= 0 {
		return nil, false, fmt.Errorf("%w: string length %d in long form", ErrFormat, length)
	}

	n := int64(length)
	if wide {
		n *= 2
	}
	if err := checkLength(r, n); err != nil {
		return nil, false, fmt.Errorf("invalid string length: %w", err)
	}

	data = make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, false, fmt.Errorf("failed to read string data: %w", err)
	}
	return data, wide, nil
}

// ReadEncryptedString reads and decrypts a WZ string from r.
func ReadEncryptedString(r io.Reader, k *Key) (string, error) {
	data, wide, err := ReadRawString(r)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	return k.DecryptString(data, wide)
}

// StringCache remembers strings by the offset they were decoded from so
// that later back-references resolve without decoding twice. A cache is
// only valid for the image it was filled from.
type StringCache map[int64]string

// ReadStringAt reads a string stored at offset and restores the position.
func ReadStringAt(rs io.ReadSeeker, offset int64, k *Key, cache StringCache) (string, error) {
	if s, ok := cache[offset]; ok {
		return s, nil
	}

	currentPos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to get current position: %w", err)
	}

	if _, err := rs.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to string at offset %d: %w", offset, err)
	}

	str, err := ReadEncryptedString(rs, k)
	if err != nil {
		return "", fmt.Errorf("failed to read string at offset %d: %w", offset, err)
	}

	if _, err := rs.Seek(currentPos, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek back to position %d: %w", currentPos, err)
	}

	if cache != nil {
		cache[offset] = str
	}
	return str, nil
}

// ReadStringBlock reads a string that may be stored inline or at an offset.
// This is used for property names, string values and extended type names.
// Offsets are relative to the start of rs, which must be the image start.
//
// Indicator byte:
//   - 0x00 or 0x73: String data follows inline
//   - 0x01 or 0x1B: Read int32 offset, then read string at that position
func ReadStringBlock(rs io.ReadSeeker, k *Key, cache StringCache) (string, error) {
	var indicator byte
	if err := binary.Read(rs, binary.LittleEndian, &indicator); err != nil {
		return "", fmt.Errorf("failed to read string block indicator: %w", err)
	}

	switch indicator {
	case StringInline, ImageHeaderByte:
		return ReadInlineString(rs, k, cache)

	case StringWithRef, ImageHeaderByteWithOffset:
		var offset int32
		if err := binary.Read(rs, binary.LittleEndian, &offset); err != nil {
			return "", fmt.Errorf("failed to read string offset: %w", err)
		}
		return ReadStringAt(rs, int64(offset), k, cache)

	default:
		return "", fmt.Errorf("%w: unknown string block indicator: 0x%02X", ErrFormat, indicator)
	}
}

// ReadInlineString reads a string at the cursor and records it in cache
// under the offset it started at.
func ReadInlineString(rs io.ReadSeeker, k *Key, cache StringCache) (string, error) {
	origin, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to get current position: %w", err)
	}
	str, err := ReadEncryptedString(rs, k)
	if err != nil {
		return "", err
	}
	if cache != nil {
		cache[origin] = str
	}
	return str, nil
}

// ReadEncryptedOffset reads and decrypts a 4-byte directory offset.
// rs positions must be absolute file offsets.
func ReadEncryptedOffset(rs io.ReadSeeker, bodyOffset, versionHash uint32) (uint32, error) {
	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("failed to get current position: %w", err)
	}
	var encrypted uint32
	if err := binary.Read(rs, binary.LittleEndian, &encrypted); err != nil {
		return 0, fmt.Errorf("failed to read encrypted offset: %w", err)
	}
	return DecryptOffset(uint32(pos), bodyOffset, versionHash, encrypted), nil
}

package wz_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/ossyrian/mintywz/internal/wz"
)

func TestCompressedInt32(t *testing.T) {
	tests := []struct {
		value   int32
		wantLen int
	}{
		{value: 0, wantLen: 1},
		{value: 1, wantLen: 1},
		{value: -1, wantLen: 1},
		{value: 127, wantLen: 1},
		{value: 128, wantLen: 5},
		{value: -127, wantLen: 1},
		{value: -128, wantLen: 5},
		{value: -129, wantLen: 5},
		{value: math.MinInt32, wantLen: 5},
		{value: math.MaxInt32, wantLen: 5},
		{value: 100000, wantLen: 5},
	}

	for _, tt := range tests {
		w := wz.NewWriter(0, nil)
		w.WriteCompressedInt(tt.value)
		if w.Len() != tt.wantLen {
			t.Errorf("WriteCompressedInt(%d) wrote %d bytes, want %d", tt.value, w.Len(), tt.wantLen)
		}
		if got := wz.CompressedIntLen(tt.value); got != tt.wantLen {
			t.Errorf("CompressedIntLen(%d) = %d, want %d", tt.value, got, tt.wantLen)
		}

		var got int32
		if err := wz.ReadCompressedInt32(bytes.NewReader(w.Bytes()), &got); err != nil {
			t.Fatalf("ReadCompressedInt32() failed: %v", err)
		}
		if got != tt.value {
			t.Errorf("ReadCompressedInt32() = %d, want %d", got, tt.value)
		}
	}
}

func TestCompressedInt64(t *testing.T) {
	tests := []struct {
		value   int64
		wantLen int
	}{
		{value: 127, wantLen: 1},
		{value: -128, wantLen: 9},
		{value: math.MaxInt64, wantLen: 9},
		{value: math.MinInt64, wantLen: 9},
	}

	for _, tt := range tests {
		w := wz.NewWriter(0, nil)
		w.WriteCompressedLong(tt.value)
		if w.Len() != tt.wantLen {
			t.Errorf("WriteCompressedLong(%d) wrote %d bytes, want %d", tt.value, w.Len(), tt.wantLen)
		}
		var got int64
		if err := wz.ReadCompressedInt64(bytes.NewReader(w.Bytes()), &got); err != nil {
			t.Fatalf("ReadCompressedInt64() failed: %v", err)
		}
		if got != tt.value {
			t.Errorf("ReadCompressedInt64() = %d, want %d", got, tt.value)
		}
	}
}

func TestEncryptedString(t *testing.T) {
	tests := []struct {
		name      string
		profile   string
		value     string
		wantFirst byte
	}{
		{name: "empty", profile: "gms", value: "", wantFirst: 0},
		{name: "ascii", profile: "gms", value: "Slime", wantFirst: byte(0x100 - 5)},
		{name: "ascii without encryption", profile: "bms", value: "hp", wantFirst: byte(0x100 - 2)},
		{name: "ascii at short limit", profile: "ems", value: strings.Repeat("a", 127), wantFirst: 0x81},
		{name: "ascii long form", profile: "ems", value: strings.Repeat("b", 128), wantFirst: 0x80},
		{name: "wide", profile: "gms", value: "슬라임", wantFirst: 3},
		{name: "wide long form", profile: "gms", value: strings.Repeat("é", 127), wantFirst: 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := wz.MustProfile(tt.profile).Keystream()
			w := wz.NewWriter(0, k)
			if err := w.WriteEncryptedString(tt.value); err != nil {
				t.Fatalf("WriteEncryptedString() failed: %v", err)
			}
			if w.Bytes()[0] != tt.wantFirst {
				t.Errorf("length indicator = 0x%02X, want 0x%02X", w.Bytes()[0], tt.wantFirst)
			}
			if w.Len() != wz.EncodedStringLen(tt.value) {
				t.Errorf("EncodedStringLen() = %d, wrote %d", wz.EncodedStringLen(tt.value), w.Len())
			}

			got, err := wz.ReadEncryptedString(bytes.NewReader(w.Bytes()), k)
			if err != nil {
				t.Fatalf("ReadEncryptedString() failed: %v", err)
			}
			if got != tt.value {
				t.Errorf("ReadEncryptedString() = %q, want %q", got, tt.value)
			}
		})
	}
}

func TestReadEncryptedString_LengthBound(t *testing.T) {
	data := []byte{0x80, 0xFF, 0xFF, 0xFF, 0x7F, 'a'}
	s := wz.NewSection(bytes.NewReader(data), 0, int64(len(data)))
	_, err := wz.ReadEncryptedString(s, wz.MustProfile("gms").Keystream())
	if !errors.Is(err, wz.ErrFormat) {
		t.Errorf("ReadEncryptedString() error = %v, want ErrFormat", err)
	}
}

func TestStringBlockBackReference(t *testing.T) {
	k := wz.MustProfile("gms").Keystream()
	w := wz.NewWriter(0, k)

	values := []string{"Slime", "Slime", "hp", "hp", "Slime"}
	for _, v := range values {
		if err := w.WriteStringValue(v, wz.StringInline, wz.StringWithRef); err != nil {
			t.Fatalf("WriteStringValue(%q) failed: %v", v, err)
		}
	}

	data := w.Bytes()
	wantIndicators := []byte{wz.StringInline, wz.StringWithRef, wz.StringInline, wz.StringInline, wz.StringWithRef}

	s := wz.NewSection(bytes.NewReader(data), 0, int64(len(data)))
	cache := wz.StringCache{}
	for i, want := range values {
		pos := s.Pos()
		if data[pos] != wantIndicators[i] {
			t.Errorf("value %d indicator = 0x%02X, want 0x%02X", i, data[pos], wantIndicators[i])
		}
		got, err := wz.ReadStringBlock(s, k, cache)
		if err != nil {
			t.Fatalf("ReadStringBlock() #%d failed: %v", i, err)
		}
		if got != want {
			t.Errorf("ReadStringBlock() #%d = %q, want %q", i, got, want)
		}
	}

	// back-references resolve without a warm cache too
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := wz.ReadStringBlock(s, k, nil)
		if err != nil || got != "Slime" {
			t.Errorf("ReadStringBlock() without cache = %q, %v", got, err)
		}
	}
}

func TestReadStringBlock_UnknownIndicator(t *testing.T) {
	_, err := wz.ReadStringBlock(bytes.NewReader([]byte{0x42, 0}), nil, nil)
	if !errors.Is(err, wz.ErrFormat) {
		t.Errorf("ReadStringBlock() error = %v, want ErrFormat", err)
	}
}

func TestWriteObjectValue(t *testing.T) {
	const dataStart = 60
	k := wz.MustProfile("gms").Keystream()
	w := wz.NewWriter(dataStart, k)

	ref, err := w.WriteObjectValue(wz.DirEntryTypeFile, "Monster.img", dataStart)
	if err != nil || ref {
		t.Fatalf("first WriteObjectValue() = %v, %v", ref, err)
	}
	ref, err = w.WriteObjectValue(wz.DirEntryTypeDir, "Monster.img", dataStart)
	if err != nil || ref {
		t.Fatalf("WriteObjectValue() with other type = %v, %v", ref, err)
	}
	second := w.Len()
	ref, err = w.WriteObjectValue(wz.DirEntryTypeFile, "Monster.img", dataStart)
	if err != nil || !ref {
		t.Fatalf("repeated WriteObjectValue() = %v, %v", ref, err)
	}

	data := w.Bytes()
	if data[second] != byte(wz.DirEntryTypeReference) {
		t.Errorf("reference type = %d, want %d", data[second], wz.DirEntryTypeReference)
	}
	if off := int32(data[second+1]) | int32(data[second+2])<<8; off != 0 {
		t.Errorf("reference offset = %d, want 0", off)
	}

	sim := wz.NewWriter(dataStart, k)
	if n := sim.ObjectValueLen(wz.DirEntryTypeFile, "Monster.img", 0); n != second/2 {
		t.Errorf("ObjectValueLen() = %d, want %d", n, second/2)
	}
	if n := sim.ObjectValueLen(wz.DirEntryTypeFile, "Monster.img", 0); n != 5 {
		t.Errorf("repeated ObjectValueLen() = %d, want 5", n)
	}
}

func TestReadEncryptedOffset(t *testing.T) {
	const dataStart = 60
	hash := wz.VersionHash(95)

	w := wz.NewWriter(dataStart, nil)
	w.WriteUint16(0)
	w.WriteOffset(dataStart, hash, 1234)

	file := append(make([]byte, dataStart), w.Bytes()...)
	r := bytes.NewReader(file)
	if _, err := r.Seek(dataStart+2, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got, err := wz.ReadEncryptedOffset(r, dataStart, hash)
	if err != nil {
		t.Fatalf("ReadEncryptedOffset() failed: %v", err)
	}
	if got != 1234 {
		t.Errorf("ReadEncryptedOffset() = %d, want 1234", got)
	}
}

func TestReadRawString_LongFormLength(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "wide zero", data: []byte{0x7F, 0x00, 0x00, 0x00, 0x00}},
		{name: "wide negative", data: []byte{0x7F, 0xFF, 0xFF, 0xFF, 0xFF}},
		{name: "narrow zero", data: []byte{0x80, 0x00, 0x00, 0x00, 0x00}},
		{name: "narrow negative", data: []byte{0x80, 0xF6, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := wz.ReadRawString(bytes.NewReader(tt.data))
			if !errors.Is(err, wz.ErrFormat) {
				t.Errorf("ReadRawString() error = %v, want ErrFormat", err)
			}
		})
	}

	data, wide, err := wz.ReadRawString(bytes.NewReader([]byte{0x00}))
	if err != nil || data != nil || wide {
		t.Errorf("ReadRawString(empty) = %v, %v, %v", data, wide, err)
	}
}

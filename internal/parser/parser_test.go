package parser_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/ossyrian/mintywz/internal/parser"
	"github.com/ossyrian/mintywz/internal/wz"
)

// buildValidHeader creates a valid WZ header byte sequence for testing
func buildValidHeader(fileSize uint64, copyright string) []byte {
	buf := new(bytes.Buffer)

	// Write magic
	buf.Write([]byte{'P', 'K', 'G', '1'})

	// Write file size (little endian uint64)
	binary.Write(buf, binary.LittleEndian, fileSize)

	// Write data offset (little endian uint32)
	// DataOffset = magic(4) + fileSize(8) + dataOffset(4) + copyright length
	dataOffset := uint32(16 + len(copyright))
	binary.Write(buf, binary.LittleEndian, dataOffset)

	// Write copyright (plain bytes)
	buf.Write([]byte(copyright))

	return buf.Bytes()
}

func TestWzReader_ReadHeader(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    *wz.Header
		wantErr bool
		errMsg  string
	}{
		{
			name:  "valid header with minimal copyright",
			input: buildValidHeader(500000, "test"),
			want: &wz.Header{
				Magic:      [4]byte{'P', 'K', 'G', '1'},
				BodySize:   500000,
				BodyOffset: 20,
				Copyright:  "test",
			},
			wantErr: false,
		},
		{
			name:  "valid header with empty copyright",
			input: buildValidHeader(100000, ""),
			want: &wz.Header{
				Magic:      [4]byte{'P', 'K', 'G', '1'},
				BodySize:   100000,
				BodyOffset: 16,
				Copyright:  "",
			},
			wantErr: false,
		},
		{
			name:    "invalid magic number",
			input:   append([]byte{'P', 'K', 'G', '2'}, make([]byte, 100)...),
			wantErr: true,
			errMsg:  "invalid WZ magic",
		},
		{
			name:    "EOF when reading magic",
			input:   []byte{'P', 'K'},
			wantErr: true,
			errMsg:  "failed to read magic",
		},
		{
			name:    "EOF when reading body size",
			input:   []byte{'P', 'K', 'G', '1', 0x00, 0x00},
			wantErr: true,
			errMsg:  "failed to read body size",
		},
		{
			name: "EOF when reading body offset",
			input: func() []byte {
				buf := new(bytes.Buffer)
				buf.Write([]byte{'P', 'K', 'G', '1'})
				binary.Write(buf, binary.LittleEndian, uint64(1000))
				buf.Write([]byte{0x00, 0x00}) // incomplete uint32
				return buf.Bytes()
			}(),
			wantErr: true,
			errMsg:  "failed to read body offset",
		},
		{
			name: "invalid body offset (too small)",
			input: func() []byte {
				buf := new(bytes.Buffer)
				buf.Write([]byte{'P', 'K', 'G', '1'})
				binary.Write(buf, binary.LittleEndian, uint64(1000))
				binary.Write(buf, binary.LittleEndian, uint32(10)) // offset < 16
				return buf.Bytes()
			}(),
			wantErr: true,
			errMsg:  "invalid BodyOffset",
		},
		{
			name: "EOF when reading header data",
			input: func() []byte {
				buf := new(bytes.Buffer)
				buf.Write([]byte{'P', 'K', 'G', '1'})
				binary.Write(buf, binary.LittleEndian, uint64(1000))
				binary.Write(buf, binary.LittleEndian, uint32(50)) // expects 34 bytes of header data
				buf.Write([]byte("short"))                         // only 5 bytes
				return buf.Bytes()
			}(),
			wantErr: true,
			errMsg:  "failed to read header data",
		},
		{
			name:    "empty input",
			input:   []byte{},
			wantErr: true,
			errMsg:  "failed to read magic",
		},
		{
			name:  "large body size",
			input: buildValidHeader(999999999999, "Large file test"),
			want: &wz.Header{
				Magic:      [4]byte{'P', 'K', 'G', '1'},
				BodySize:   999999999999,
				BodyOffset: 31, // 16 + len("Large file test") = 16 + 15 = 31
				Copyright:  "Large file test",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parser.NewWzReader(bytes.NewReader(tt.input), 0, nil, discardLogger())

			got, err := r.ReadHeader()

			if tt.wantErr {
				if err == nil {
					t.Fatal("ReadHeader() succeeded unexpectedly, wanted error")
				}
				if tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
					t.Errorf("ReadHeader() error = %v, should contain %q", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("ReadHeader() failed: %v", err)
			}

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ReadHeader() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// contains checks if a string contains a substring
func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func TestWzReader_DetectFormat(t *testing.T) {
	tests := []struct {
		name       string
		body       []byte
		wantHeader bool
	}{
		{name: "legacy version header", body: []byte{0xAC, 0x00, 0x02}, wantHeader: true},
		{name: "two byte value", body: []byte{0x03, 0x04, 0x00}, wantHeader: false},
		{name: "compressed entry count", body: []byte{0x80, 0x00, 0x01, 0x00, 0x00}, wantHeader: false},
		{name: "compressed count too large", body: []byte{0x80, 0x00, 0x00, 0x00, 0x01}, wantHeader: true},
		{name: "compressed count zero", body: []byte{0x80, 0x00, 0x00, 0x00, 0x00}, wantHeader: true},
		{name: "empty root without header", body: []byte{0x00}, wantHeader: false},
		{name: "0x80 marker before empty root", body: []byte{0x80, 0x00, 0x00}, wantHeader: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := append(buildValidHeader(uint64(len(tt.body)), "test"), tt.body...)
			file := bytes.NewReader(input)
			r := parser.NewWzReader(file, int64(len(input)), nil, discardLogger())
			h, err := r.ReadHeader()
			if err != nil {
				t.Fatalf("ReadHeader() failed: %v", err)
			}

			got, err := r.DetectFormat()
			if err != nil {
				t.Fatalf("DetectFormat() failed: %v", err)
			}
			if got != tt.wantHeader {
				t.Errorf("DetectFormat() = %v, want %v", got, tt.wantHeader)
			}
			if pos, _ := file.Seek(0, io.SeekCurrent); pos != int64(h.BodyOffset) {
				t.Errorf("position after DetectFormat() = %d, want %d", pos, h.BodyOffset)
			}
		})
	}
}

type testEntry struct {
	typ      wz.DirEntryType
	name     string
	size     int32
	checksum int32
}

// writeTable writes an entry table and returns the positions of the
// offset fields so that they can be patched once targets are known.
func writeTable(t *testing.T, w *wz.Writer, dataStart int64, entries []testEntry) []int64 {
	t.Helper()

	w.WriteCompressedInt(int32(len(entries)))
	var offsets []int64
	for _, e := range entries {
		if _, err := w.WriteObjectValue(e.typ, e.name, dataStart); err != nil {
			t.Fatalf("WriteObjectValue() failed: %v", err)
		}
		w.WriteCompressedInt(e.size)
		w.WriteCompressedInt(e.checksum)
		offsets = append(offsets, w.Pos())
		w.WriteUint32(0)
	}
	return offsets
}

func patchOffset(t *testing.T, w *wz.Writer, at int64, dataStart, hash, target uint32) {
	t.Helper()
	enc := wz.EncryptOffset(uint32(at), dataStart, hash, target)
	if err := w.PatchInt32(at, int32(enc)); err != nil {
		t.Fatalf("PatchInt32() failed: %v", err)
	}
}

func TestWzReader_ReadTree(t *testing.T) {
	const copyright = "test"
	dataStart := int64(16 + len(copyright))
	k := wz.MustProfile("gms").Keystream()
	hash := wz.VersionHash(83)

	w := wz.NewWriter(dataStart, k)
	w.WriteUint16(wz.ObfuscateVersionHash(hash))
	rootOffsets := writeTable(t, w, dataStart, []testEntry{
		{typ: wz.DirEntryTypeDir, name: "Data", size: 30, checksum: 7},
		{typ: wz.DirEntryTypeFile, name: "Monster.img", size: 4, checksum: 10},
		{typ: wz.DirEntryTypeDir, name: "Empty", size: 0, checksum: 0},
	})
	dataTable := w.Pos()
	dataOffsets := writeTable(t, w, dataStart, []testEntry{
		{typ: wz.DirEntryTypeFile, name: "Monster.img", size: 4, checksum: 10},
	})
	emptyTable := w.Pos()
	w.WriteCompressedInt(0)
	image := w.Pos()
	w.Write([]byte{1, 2, 3, 4})

	patchOffset(t, w, rootOffsets[0], uint32(dataStart), hash, uint32(dataTable))
	patchOffset(t, w, rootOffsets[1], uint32(dataStart), hash, uint32(image))
	patchOffset(t, w, rootOffsets[2], uint32(dataStart), hash, uint32(emptyTable))
	patchOffset(t, w, dataOffsets[0], uint32(dataStart), hash, uint32(image))

	input := append(buildValidHeader(uint64(w.Len()), copyright), w.Bytes()...)
	r := parser.NewWzReader(bytes.NewReader(input), int64(len(input)), k, discardLogger())
	if _, err := r.ReadHeader(); err != nil {
		t.Fatalf("ReadHeader() failed: %v", err)
	}
	hasVersionHeader, err := r.DetectFormat()
	if err != nil || !hasVersionHeader {
		t.Fatalf("DetectFormat() = %v, %v", hasVersionHeader, err)
	}
	if v, err := r.ReadVersionHeader(); err != nil || v != wz.ObfuscateVersionHash(hash) {
		t.Fatalf("ReadVersionHeader() = %d, %v", v, err)
	}
	r.SetVersionHash(hash)

	root, err := r.ReadTree()
	if err != nil {
		t.Fatalf("ReadTree() failed: %v", err)
	}

	if len(root.EntriesMetadata) != 3 {
		t.Fatalf("root has %d entries, want 3", len(root.EntriesMetadata))
	}
	data := root.EntriesMetadata[0]
	if data.Name != "Data" || data.Type != wz.DirEntryTypeDir || data.Dir == nil {
		t.Fatalf("root entry 0 = %+v", data)
	}
	if root.EntriesMetadata[2].Dir == nil || root.EntriesMetadata[2].Dir.EntryCount != 0 {
		t.Errorf("empty directory = %+v", root.EntriesMetadata[2].Dir)
	}

	mob := root.EntriesMetadata[1]
	ref := data.Dir.EntriesMetadata[0]
	if ref.Name != "Monster.img" || ref.Type != wz.DirEntryTypeFile {
		t.Errorf("referenced entry = %+v", ref)
	}
	if ref.NameOffset != mob.NameOffset {
		t.Errorf("referenced name offset = %d, want %d", ref.NameOffset, mob.NameOffset)
	}
	for _, e := range []wz.DirEntryMetadata{mob, ref} {
		if e.DataOffset != uint32(image) || e.FileSize != 4 || e.Checksum != 10 {
			t.Errorf("entry %s = %+v, want offset %d", e.Name, e, image)
		}
	}
}

func TestWzReader_ReadTree_WrongHash(t *testing.T) {
	const copyright = "test"
	dataStart := int64(16 + len(copyright))
	k := wz.MustProfile("gms").Keystream()
	hash := wz.VersionHash(83)

	w := wz.NewWriter(dataStart, k)
	w.WriteUint16(wz.ObfuscateVersionHash(hash))
	offsets := writeTable(t, w, dataStart, []testEntry{
		{typ: wz.DirEntryTypeDir, name: "Data", size: 1},
	})
	table := w.Pos()
	w.WriteCompressedInt(0)
	patchOffset(t, w, offsets[0], uint32(dataStart), hash, uint32(table))

	input := append(buildValidHeader(uint64(w.Len()), copyright), w.Bytes()...)
	r := parser.NewWzReader(bytes.NewReader(input), int64(len(input)), k, discardLogger())
	if _, err := r.ReadHeader(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadVersionHeader(); err != nil {
		t.Fatal(err)
	}
	r.SetVersionHash(wz.VersionHash(84))

	if _, err := r.ReadTree(); err == nil {
		t.Error("ReadTree() with the wrong version hash succeeded unexpectedly")
	}
}

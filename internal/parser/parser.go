package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ossyrian/mintywz/internal/wz"
)

// maxDirDepth bounds directory nesting while walking entry tables.
const maxDirDepth = 64

// WzReader reads the header and directory tree of WZ files.
type WzReader struct {
	file   io.ReadSeeker
	size   int64
	logger *slog.Logger
	header *wz.Header // WZ file header
	key    *wz.Key

	// versionHeader is the obfuscated version hash stored after the header
	// of legacy files. Header-less files have none and versionHeader is 0.
	versionHeader uint16
	versionHash   uint32
}

// NewWzReader returns a reader over file. size is the total file length,
// used to reject offsets that point outside of it.
func NewWzReader(file io.ReadSeeker, size int64, k *wz.Key, logger *slog.Logger) *WzReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &WzReader{file: file, size: size, key: k, logger: logger}
}

// SetHeader installs a header obtained elsewhere, e.g. from a previous reader
// over the same file.
func (r *WzReader) SetHeader(h *wz.Header) { r.header = h }

// SetVersionHash sets the hash used to decrypt entry offsets.
func (r *WzReader) SetVersionHash(hash uint32) { r.versionHash = hash }

// ReadHeader reads header information from a WZ file.
// This function will read at least 16 bytes of data,
// and will raise an error if the first 4 bytes read
// are not magic (wz.Magic).
func (r *WzReader) ReadHeader() (*wz.Header, error) {
	h := &wz.Header{}

	if _, err := io.ReadFull(r.file, h.Magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if h.Magic != wz.Magic {
		return nil, fmt.Errorf("%w: invalid WZ magic: expected %q, got %q",
			wz.ErrFormat, wz.Magic, h.Magic)
	}

	if err := binary.Read(r.file, binary.LittleEndian, &h.BodySize); err != nil {
		return nil, fmt.Errorf("failed to read body size: %w", err)
	}

	if err := binary.Read(r.file, binary.LittleEndian, &h.BodyOffset); err != nil {
		return nil, fmt.Errorf("failed to read body offset: %w", err)
	}

	// read everything from current position to BodyOffset
	pos, _ := r.file.Seek(0, io.SeekCurrent)
	remainingHeaderBytes := int(h.BodyOffset) - int(pos)
	if remainingHeaderBytes < 0 {
		return nil, fmt.Errorf("%w: invalid BodyOffset: %d", wz.ErrFormat, h.BodyOffset)
	}
	if r.size > 0 && int64(h.BodyOffset) > r.size {
		return nil, fmt.Errorf("%w: invalid BodyOffset: %d beyond end of file", wz.ErrFormat, h.BodyOffset)
	}

	headerData := make([]byte, remainingHeaderBytes)
	if _, err := io.ReadFull(r.file, headerData); err != nil {
		return nil, fmt.Errorf("failed to read header data: %w", err)
	}

	// copyright is NUL terminated and padded up to BodyOffset
	copyrightEnd := len(headerData)
	for i, b := range headerData {
		if b == 0 {
			copyrightEnd = i
			break
		}
	}
	h.Copyright = string(headerData[:copyrightEnd])

	r.logger.Info("header is valid",
		"magic", string(h.Magic[:]),
		"body_size", h.BodySize,
		"body_offset", h.BodyOffset,
		"copyright", h.Copyright,
	)

	r.header = h
	return h, nil
}

// DetectFormat determines whether the WZ file has a version header.
// Returns true if the file has a version header (legacy epoch). The read
// position is always restored to the data offset.
func (r *WzReader) DetectFormat() (hasVersionHeader bool, err error) {
	defer func() {
		if _, seekErr := r.file.Seek(int64(r.header.BodyOffset), io.SeekStart); seekErr != nil && err == nil {
			err = fmt.Errorf("failed to seek back to data offset: %w", seekErr)
		}
	}()

	// Read 2 bytes at data offset to check for version header
	var versionCheck uint16
	if err := binary.Read(r.file, binary.LittleEndian, &versionCheck); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// a legacy file has at least the 2-byte version header, a lone
			// byte is the empty root table of a header-less file
			r.logger.Debug("detected format without version header (body shorter than 2 bytes)")
			return false, nil
		}
		return false, fmt.Errorf("failed to read version check bytes: %w", err)
	}

	// Default: assume has version header
	hasVersionHeader = true

	if versionCheck > 0xFF {
		// version headers are single-byte values, so > 255 means no header
		hasVersionHeader = false
		r.logger.Debug("detected format without version header (value > 255)",
			"check_value", versionCheck,
		)
	} else if versionCheck == 0x80 {
		// 0x80 is also the compressed int marker: 80 xx xx xx xx could be
		// a large root entry count

		if _, err := r.file.Seek(int64(r.header.BodyOffset), io.SeekStart); err != nil {
			return false, fmt.Errorf("failed to seek to data offset: %w", err)
		}

		// a body too short for the long form is a legacy marker followed
		// by a small table
		var entryCount int32
		if err := wz.ReadCompressedInt32(r.file, &entryCount); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return false, fmt.Errorf("failed to read entry count: %w", err)
			}
			r.logger.Debug("detected format with version header (0x80 value, short body)")
			return true, nil
		}

		if entryCount > 0 && entryCount&0xFF == 0 && entryCount <= 0xFFFF {
			hasVersionHeader = false
			r.logger.Debug("detected format without version header (compressed int pattern)",
				"entry_count", entryCount)
		} else {
			r.logger.Debug("detected format with version header (0x80 value)",
				"version_header", versionCheck)
		}
	} else {
		r.logger.Debug("detected format with version header",
			"version_header", versionCheck)
	}

	return hasVersionHeader, nil
}

// ReadVersionHeader reads the 2-byte version header from the WZ file.
// This is an obfuscated checksum derived from the MapleStory version number.
func (r *WzReader) ReadVersionHeader() (uint16, error) {
	var v uint16
	if err := binary.Read(r.file, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("failed to read version header: %w", err)
	}
	r.versionHeader = v
	return v, nil
}

// ReadDirEntryMetadata reads the metadata for a single directory entry.
// Returns nil if the entry should be skipped (type 1).
func (r *WzReader) ReadDirEntryMetadata() (*wz.DirEntryMetadata, error) {
	entry := &wz.DirEntryMetadata{}

	if err := binary.Read(r.file, binary.LittleEndian, &entry.Type); err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}

	switch entry.Type {
	case wz.DirEntryTypeIgnore:
		if _, err := r.file.Seek(10, io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("failed to skip type 1 entry: %w", err)
		}
		r.logger.Warn("skipped ignored directory entry")
		return nil, nil

	case wz.DirEntryTypeReference:
		// 0x02 - type and name live at an earlier position
		var referenceOffset int32
		if err := binary.Read(r.file, binary.LittleEndian, &referenceOffset); err != nil {
			return nil, fmt.Errorf("failed to read reference offset: %w", err)
		}
		if err := r.readReferencedName(entry, int64(r.header.BodyOffset)+int64(referenceOffset)); err != nil {
			return nil, err
		}

	case wz.DirEntryTypeDir, wz.DirEntryTypeFile:
		pos, err := r.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("failed to get current position: %w", err)
		}
		entry.NameOffset = pos
		entry.Name, err = wz.ReadEncryptedString(r.file, r.key)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry name: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: unknown directory entry type: %d", wz.ErrFormat, entry.Type)
	}

	if err := wz.ReadCompressedInt32(r.file, &entry.FileSize); err != nil {
		return nil, fmt.Errorf("failed to read file size for %s: %w", entry.Name, err)
	}

	if err := wz.ReadCompressedInt32(r.file, &entry.Checksum); err != nil {
		return nil, fmt.Errorf("failed to read checksum for %s: %w", entry.Name, err)
	}

	var err error
	entry.DataOffset, err = wz.ReadEncryptedOffset(r.file, r.header.BodyOffset, r.versionHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read offset for %s: %w", entry.Name, err)
	}

	return entry, nil
}

// readReferencedName resolves a DirEntryTypeReference entry: the real type
// and the name are read at offset and the position is restored afterwards.
func (r *WzReader) readReferencedName(entry *wz.DirEntryMetadata, offset int64) (err error) {
	if offset < 0 || (r.size > 0 && offset >= r.size) {
		return fmt.Errorf("%w: reference offset %d outside file", wz.ErrFormat, offset)
	}

	currentPos, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to get current position: %w", err)
	}
	defer func() {
		if _, seekErr := r.file.Seek(currentPos, io.SeekStart); seekErr != nil && err == nil {
			err = fmt.Errorf("failed to seek back: %w", seekErr)
		}
	}()

	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to entry name at offset %d: %w", offset, err)
	}
	if err := binary.Read(r.file, binary.LittleEndian, &entry.Type); err != nil {
		return fmt.Errorf("failed to read referenced entry type: %w", err)
	}
	if entry.Type != wz.DirEntryTypeDir && entry.Type != wz.DirEntryTypeFile {
		return fmt.Errorf("%w: referenced entry has type %d", wz.ErrFormat, entry.Type)
	}
	entry.NameOffset = offset + 1
	if entry.Name, err = wz.ReadEncryptedString(r.file, r.key); err != nil {
		return fmt.Errorf("failed to read referenced entry name: %w", err)
	}
	return nil
}

// ReadDir reads one entry table at the current position. Subdirectories
// are not followed, see ReadTree.
func (r *WzReader) ReadDir() (*wz.Dir, error) {
	d := &wz.Dir{}
	if err := wz.ReadCompressedInt32(r.file, &d.EntryCount); err != nil {
		return nil, err
	}
	if d.EntryCount < 0 {
		return nil, fmt.Errorf("%w: negative entry count %d", wz.ErrFormat, d.EntryCount)
	}

	r.logger.Debug("reading directory entries",
		"entry_count", d.EntryCount,
	)

	// a wrong key can make the count arbitrarily large, the reads fail
	// long before the slice grows that far
	d.EntriesMetadata = make([]wz.DirEntryMetadata, 0, min(d.EntryCount, 1024))

	for i := 0; i < int(d.EntryCount); i++ {
		entry, err := r.ReadDirEntryMetadata()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %d: %w", i, err)
		}
		// ignore skipped entries
		if entry == nil {
			continue
		}

		d.EntriesMetadata = append(d.EntriesMetadata, *entry)

		r.logger.Debug("read directory entry",
			"index", i,
			"type", entry.Type,
			"name", entry.Name,
			"file_size", entry.FileSize,
			"checksum", entry.Checksum,
			"offset", entry.DataOffset,
		)
	}

	return d, nil
}

// ReadTree reads the entry table at the current position and then, depth
// first, the table of every subdirectory. All entry headers of a table are
// read before any subdirectory is visited.
func (r *WzReader) ReadTree() (*wz.Dir, error) {
	root, err := r.readTree(0)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("read directory tree",
		"entry_count", root.EntryCount,
	)
	return root, nil
}

func (r *WzReader) readTree(depth int) (*wz.Dir, error) {
	if depth > maxDirDepth {
		return nil, fmt.Errorf("%w: directories nested deeper than %d", wz.ErrFormat, maxDirDepth)
	}

	d, err := r.ReadDir()
	if err != nil {
		return nil, err
	}

	for i := range d.EntriesMetadata {
		entry := &d.EntriesMetadata[i]
		if entry.Type != wz.DirEntryTypeDir {
			continue
		}
		if int64(entry.DataOffset) < int64(r.header.BodyOffset) || (r.size > 0 && int64(entry.DataOffset) >= r.size) {
			return nil, fmt.Errorf("%w: directory %s at offset %d outside file", wz.ErrFormat, entry.Name, entry.DataOffset)
		}
		if _, err := r.file.Seek(int64(entry.DataOffset), io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to directory %s: %w", entry.Name, err)
		}
		if entry.Dir, err = r.readTree(depth + 1); err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", entry.Name, err)
		}
	}
	return d, nil
}

package archive

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/parser"
	"github.com/ossyrian/mintywz/internal/wz"
)

// SaveOptions override the layout of the written archive. Zero values keep
// what the archive was opened or created with.
type SaveOptions struct {
	// Epoch selects the header layout, migrating the archive when it
	// differs from the source.
	Epoch *wz.Epoch
	// Profile re-encrypts all entry names and images.
	Profile *wz.Profile
	// Version is the patch version offsets are obfuscated with.
	Version int
	// Copyright replaces the header copyright text.
	Copyright string
}

// imagePlan is where the bytes of one image come from during a save.
type imagePlan struct {
	size     int32
	checksum int32
	// scratch is the offset in the scratch file, or -1 to copy from the
	// source archive.
	scratch int64
}

// layout is the result of sizing the tree before anything is written.
type layout struct {
	dataStart uint32
	hash      uint32
	epoch     wz.Epoch

	nameLen   map[NodeID]int
	dirSize   map[NodeID]int32
	tableOff  map[NodeID]int64
	imageOff  map[NodeID]int64
	dirs      []NodeID
	images    []NodeID
	imagePlan map[NodeID]imagePlan
	end       int64
}

// Save writes the archive to target on fs. Images that were not modified
// are copied from the source; modified ones, and all of them when the
// cipher changes, are re-encoded first into a scratch file. The result is
// written to a temporary file beside target and renamed over it.
//
// Save does not change the archive: offsets, profile and epoch keep
// describing the source until it is reopened.
func (a *Archive) Save(ctx context.Context, fs afero.Fs, target string, so SaveOptions) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	epoch := a.epoch
	if so.Epoch != nil {
		epoch = *so.Epoch
	}
	profile := a.profile
	if so.Profile != nil {
		profile = *so.Profile
	}
	version := a.version
	if so.Version > 0 {
		version = so.Version
	}
	if version <= 0 {
		return fmt.Errorf("patch version required to save %s", a.name)
	}
	copyright := a.header.Copyright
	dataStart := a.header.BodyOffset
	if so.Copyright != "" && so.Copyright != copyright {
		copyright = so.Copyright
		dataStart = uint32(len(wz.Magic) + 8 + 4 + len(copyright) + 1)
	}
	if minStart := uint32(len(wz.Magic) + 8 + 4 + len(copyright) + 1); dataStart < minStart {
		dataStart = minStart
	}

	dir := filepath.Dir(target)
	scratch, err := afero.TempFile(fs, dir, ".mintywz-scratch-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create scratch file: %w", wz.ErrIO, err)
	}
	defer func() {
		scratch.Close()
		fs.Remove(scratch.Name())
	}()

	l := &layout{
		dataStart: dataStart,
		hash:      wz.VersionHash(version),
		epoch:     epoch,
	}
	reencodeAll := !profile.SameCipher(a.profile) || a.src == nil
	if err := a.encodeImages(ctx, l, scratch, profile, reencodeAll); err != nil {
		return err
	}
	a.planLayout(l, profile)

	head, err := a.writeTables(l, profile, copyright)
	if err != nil {
		return err
	}

	out, err := afero.TempFile(fs, dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary file: %w", wz.ErrIO, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			fs.Remove(out.Name())
		}
	}()

	if _, err := out.Write(head); err != nil {
		return fmt.Errorf("%w: failed to write directory tables: %w", wz.ErrIO, err)
	}
	for _, id := range l.images {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.copyImage(out, scratch, id, l.imagePlan[id]); err != nil {
			return err
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", wz.ErrIO, out.Name(), err)
	}
	if err := fs.Rename(out.Name(), target); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %w", wz.ErrIO, target, err)
	}

	a.logger.Info("saved archive",
		"target", target,
		"epoch", epoch,
		"version", version,
		"profile", profile,
		"size", l.end,
		"images", len(l.images),
	)
	return nil
}

// encodeImages serializes every image that cannot be copied verbatim into
// scratch and records the size and checksum of all images.
func (a *Archive) encodeImages(ctx context.Context, l *layout, scratch afero.File, profile wz.Profile, reencodeAll bool) error {
	key := profile.Keystream()
	l.images = a.imagesPreorder(a.root)
	l.imagePlan = make(map[NodeID]imagePlan, len(l.images))

	var pos int64
	for _, id := range l.images {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := a.nodes[id]

		n.img.mu.Lock()
		modified := n.img.state == StateModified
		n.img.mu.Unlock()

		if !modified && !reencodeAll {
			l.imagePlan[id] = imagePlan{size: n.Size, checksum: n.Checksum, scratch: -1}
			continue
		}

		props, err := a.parseImage(id, n, false)
		if err != nil {
			return err
		}
		data, err := parser.EncodeImage(n.Name, props, key)
		if err != nil {
			return fmt.Errorf("failed to encode image %s: %w", a.path(id), err)
		}
		if _, err := scratch.WriteAt(data, pos); err != nil {
			return fmt.Errorf("%w: failed to write scratch data: %w", wz.ErrIO, err)
		}
		l.imagePlan[id] = imagePlan{
			size:     int32(len(data)),
			checksum: parser.Checksum(data),
			scratch:  pos,
		}
		pos += int64(len(data))

		a.logger.Debug("encoded image",
			"image", a.path(id),
			"size", len(data),
		)
	}
	return nil
}

func entryType(n *Node) wz.DirEntryType {
	if n.Kind == KindDirectory {
		return wz.DirEntryTypeDir
	}
	return wz.DirEntryTypeFile
}

// planLayout sizes every entry table and assigns the final offsets.
// Entry names are measured in the order writeTables emits them so that
// back-references land on the same entries.
func (a *Archive) planLayout(l *layout, profile wz.Profile) {
	l.dirs = a.dirsPreorder(a.root)
	l.nameLen = make(map[NodeID]int)
	sim := wz.NewWriter(0, profile.Keystream())
	for _, d := range l.dirs {
		for _, c := range a.nodes[d].Children {
			n := a.nodes[c]
			l.nameLen[c] = sim.ObjectValueLen(entryType(n), n.Name, 0)
		}
	}

	l.dirSize = make(map[NodeID]int32)
	a.sizeDir(l, a.root)

	pos := int64(l.dataStart)
	if l.epoch == wz.EpochLegacy {
		pos += 2
	}
	l.tableOff = make(map[NodeID]int64, len(l.dirs))
	for _, d := range l.dirs {
		l.tableOff[d] = pos
		pos += int64(a.tableSize(l, d))
	}
	l.imageOff = make(map[NodeID]int64, len(l.images))
	for _, id := range l.images {
		l.imageOff[id] = pos
		pos += int64(l.imagePlan[id].size)
	}
	l.end = pos
}

// sizeDir computes the size stored in the parent entry of a directory:
// its own table plus everything below it.
func (a *Archive) sizeDir(l *layout, d NodeID) int32 {
	children := a.nodes[d].Children
	if len(children) == 0 {
		l.dirSize[d] = 0
		return 0
	}

	size := wz.CompressedIntLen(int32(len(children)))
	for _, c := range children {
		n := a.nodes[c]
		if n.Kind == KindImage {
			p := l.imagePlan[c]
			size += l.nameLen[c] + wz.CompressedIntLen(p.size) + int(p.size) + wz.CompressedIntLen(p.checksum) + 4
			continue
		}
		sub := a.sizeDir(l, c)
		size += l.nameLen[c] + int(sub) + wz.CompressedIntLen(sub) + wz.CompressedIntLen(n.Checksum) + 4
	}
	l.dirSize[d] = int32(size)
	return int32(size)
}

// tableSize is the number of bytes of the entry table of d alone.
func (a *Archive) tableSize(l *layout, d NodeID) int {
	children := a.nodes[d].Children
	if len(children) == 0 {
		return 1
	}
	size := wz.CompressedIntLen(int32(len(children)))
	for _, c := range children {
		size += l.nameLen[c] + 4
		if a.nodes[c].Kind == KindImage {
			p := l.imagePlan[c]
			size += wz.CompressedIntLen(p.size) + wz.CompressedIntLen(p.checksum)
		} else {
			size += wz.CompressedIntLen(l.dirSize[c]) + wz.CompressedIntLen(a.nodes[c].Checksum)
		}
	}
	return size
}

// writeTables renders the header and all entry tables.
func (a *Archive) writeTables(l *layout, profile wz.Profile, copyright string) ([]byte, error) {
	w := wz.NewWriter(0, profile.Keystream())

	w.Write(wz.Magic[:])
	w.WriteUint64(uint64(l.end - int64(l.dataStart)))
	w.WriteUint32(l.dataStart)
	w.Write([]byte(copyright))
	w.WriteByte(0)
	for w.Pos() < int64(l.dataStart) {
		w.WriteByte(0)
	}
	if l.epoch == wz.EpochLegacy {
		w.WriteUint16(wz.ObfuscateVersionHash(l.hash))
	}

	for _, d := range l.dirs {
		if w.Pos() != l.tableOff[d] {
			return nil, fmt.Errorf("entry table of %s planned at %d, written at %d", a.path(d), l.tableOff[d], w.Pos())
		}
		children := a.nodes[d].Children
		w.WriteCompressedInt(int32(len(children)))

		for _, c := range children {
			n := a.nodes[c]
			if _, err := w.WriteObjectValue(entryType(n), n.Name, int64(l.dataStart)); err != nil {
				return nil, fmt.Errorf("failed to write entry name %s: %w", a.path(c), err)
			}
			if n.Kind == KindImage {
				p := l.imagePlan[c]
				w.WriteCompressedInt(p.size)
				w.WriteCompressedInt(p.checksum)
				w.WriteOffset(l.dataStart, l.hash, uint32(l.imageOff[c]))
				continue
			}
			w.WriteCompressedInt(l.dirSize[c])
			w.WriteCompressedInt(n.Checksum)
			w.WriteOffset(l.dataStart, l.hash, uint32(l.tableOff[c]))
		}
	}

	if len(l.images) > 0 && w.Pos() != l.imageOff[l.images[0]] {
		return nil, fmt.Errorf("first image planned at %d, tables end at %d", l.imageOff[l.images[0]], w.Pos())
	}
	return w.Bytes(), nil
}

// copyImage streams the bytes of one image into out.
func (a *Archive) copyImage(out io.Writer, scratch io.ReaderAt, id NodeID, p imagePlan) error {
	src, off := a.src, int64(a.nodes[id].Offset)
	if p.scratch >= 0 {
		src, off = scratch, p.scratch
	}
	if src == nil {
		return fmt.Errorf("image %s has no source data", a.path(id))
	}

	n, err := io.Copy(out, io.NewSectionReader(src, off, int64(p.size)))
	if err != nil {
		return fmt.Errorf("%w: failed to copy image %s: %w", wz.ErrIO, a.path(id), err)
	}
	if n != int64(p.size) {
		return fmt.Errorf("%w: image %s: copied %d of %d bytes: %w", wz.ErrIO, a.path(id), n, p.size, io.ErrUnexpectedEOF)
	}
	return nil
}

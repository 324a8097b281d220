package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/logging"
	"github.com/ossyrian/mintywz/internal/parser"
	"github.com/ossyrian/mintywz/internal/wz"
)

// Open reads the archive at name from fs. The file stays open until
// Close is called; images are read from it on demand.
func Open(ctx context.Context, fs afero.Fs, name string, opts ...Option) (*Archive, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	a, err := OpenReader(ctx, &syncReaderAt{r: f}, info.Size(), filepath.Base(name), opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	a.closer = f
	return a, nil
}

// syncReaderAt serializes ReadAt calls. Not every afero.File supports
// concurrent ReadAt; the in-memory one moves a shared cursor.
type syncReaderAt struct {
	mu sync.Mutex
	r  io.ReaderAt
}

func (s *syncReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.ReadAt(p, off)
}

// OpenReader reads an archive of size bytes from r. The header is read,
// the format epoch detected and the patch version recovered before the
// directory tree is attached; images stay unparsed.
func OpenReader(ctx context.Context, r io.ReaderAt, size int64, name string, opts ...Option) (*Archive, error) {
	o := newOptions(opts)
	a := &Archive{
		name:   name,
		src:    r,
		size:   size,
		logger: o.logger.With("file", name),
		eager:  o.eager,
	}

	reader := parser.NewWzReader(wz.NewSection(r, 0, size), size, nil, a.logger)
	h, err := reader.ReadHeader()
	if err != nil {
		return nil, err
	}
	a.header = *h

	hasVersionHeader, err := reader.DetectFormat()
	if err != nil {
		return nil, fmt.Errorf("failed to detect format: %w", err)
	}
	if hasVersionHeader {
		a.epoch = wz.EpochLegacy
		if a.versionHeader, err = reader.ReadVersionHeader(); err != nil {
			return nil, err
		}
	} else {
		a.epoch = wz.EpochHeaderless
	}
	a.logger.Info("detected format",
		"epoch", a.epoch,
		"encoding_version", a.EncodingVersion(),
	)

	if o.profileSet {
		a.profile = o.profile
	} else {
		if a.profile, err = a.detectProfile(); err != nil {
			return nil, err
		}
		a.logger.Info("detected cipher profile", "profile", a.profile)
	}

	seeds := o.seeds
	if o.clientFs != nil {
		clientSeeds, err := ReadClientVersion(o.clientFs, o.clientPath)
		if err != nil {
			a.logger.Warn("could not read client version", "client", o.clientPath, "error", err)
		} else {
			seeds = append(seeds, clientSeeds...)
		}
	}

	tree, err := a.resolveVersion(ctx, o, seeds)
	if err != nil {
		return nil, err
	}

	a.root = a.addNode(&Node{
		Kind:   KindDirectory,
		Name:   name,
		Parent: NoNode,
		Offset: uint32(a.tableStart(a.epoch)),
	})
	a.attach(a.root, tree)

	a.logger.Info("opened archive",
		"version", a.version,
		"profile", a.profile,
		"nodes", len(a.nodes),
	)
	return a, nil
}

// tableStart is the position of the root entry table for an epoch.
func (a *Archive) tableStart(e wz.Epoch) int64 {
	if e == wz.EpochLegacy {
		return int64(a.header.BodyOffset) + 2
	}
	return int64(a.header.BodyOffset)
}

func (a *Archive) attach(parent NodeID, d *wz.Dir) {
	for _, e := range d.EntriesMetadata {
		n := &Node{
			Name:       e.Name,
			Parent:     parent,
			Offset:     e.DataOffset,
			Size:       e.FileSize,
			Checksum:   e.Checksum,
			nameOffset: e.NameOffset,
		}
		if e.Type == wz.DirEntryTypeDir {
			n.Kind = KindDirectory
			id := a.addNode(n)
			if e.Dir != nil {
				a.attach(id, e.Dir)
			}
			continue
		}
		n.Kind = KindImage
		a.addNode(n)
	}
}

// versionCandidates lists the patch versions to try in order.
func versionCandidates(explicit int, seeds []int, maxVersion int) []int {
	if explicit > 0 {
		return []int{explicit}
	}
	candidates := lo.Filter(seeds, func(v int, _ int) bool { return v > 0 })
	for v := 1; v <= maxVersion; v++ {
		candidates = append(candidates, v)
	}
	return lo.Uniq(candidates)
}

// resolveVersion searches for the patch version whose hash decodes the
// directory tree into something that points at a real image. Failed
// candidates are discarded silently.
func (a *Archive) resolveVersion(ctx context.Context, o *options, seeds []int) (*wz.Dir, error) {
	candidates := versionCandidates(o.version, seeds, o.maxVersion)
	key := a.profile.Keystream()

	for _, v := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hash := wz.VersionHash(v)
		if a.epoch == wz.EpochLegacy && wz.ObfuscateVersionHash(hash) != a.versionHeader {
			continue
		}
		a.logger.Log(ctx, logging.LevelTrace, "trying version candidate", "version", v, "version_hash", hash)

		tree, err := a.readTree(hash, key)
		if err != nil {
			a.logger.Debug("version candidate rejected", "version", v, "error", err)
			continue
		}
		if !a.verifyTree(v, tree, o.version == 0) {
			continue
		}

		a.version = v
		a.versionHash = hash
		if a.epoch == wz.EpochLegacy {
			a.versionHeader = wz.ObfuscateVersionHash(hash)
		}
		a.logger.Info("resolved patch version",
			"version", v,
			"version_hash", hash,
		)
		return tree, nil
	}

	return nil, fmt.Errorf("%w: no candidate among %d versions (max %d) decodes the directory tree",
		wz.ErrVersionRecovery, len(candidates), o.maxVersion)
}

// readTree parses the whole directory tree with a fresh cursor.
func (a *Archive) readTree(hash uint32, key *wz.Key) (*wz.Dir, error) {
	s := wz.NewSection(a.src, 0, a.size)
	r := parser.NewWzReader(s, a.size, key, slog.New(slog.DiscardHandler))
	r.SetHeader(&a.header)
	r.SetVersionHash(hash)
	if _, err := s.Seek(a.tableStart(a.epoch), io.SeekStart); err != nil {
		return nil, err
	}
	return r.ReadTree()
}

// firstImage returns the entry of the first image in save order.
func firstImage(d *wz.Dir) (wz.DirEntryMetadata, bool) {
	if e, ok := lo.Find(d.EntriesMetadata, func(e wz.DirEntryMetadata) bool {
		return e.Type == wz.DirEntryTypeFile
	}); ok {
		return e, true
	}
	for _, e := range d.EntriesMetadata {
		if e.Type == wz.DirEntryTypeDir && e.Dir != nil {
			if img, ok := firstImage(e.Dir); ok {
				return img, true
			}
		}
	}
	return wz.DirEntryMetadata{}, false
}

// verifyTree peeks at the first image of a candidate tree. The colliding
// version is only rejected while searching; an explicit version is trusted.
func (a *Archive) verifyTree(version int, tree *wz.Dir, searching bool) bool {
	img, ok := firstImage(tree)
	if !ok {
		if searching && version == wz.CollidingPatchVersion {
			a.logger.Debug("skipping colliding version for archive without images", "version", version)
			return false
		}
		a.logger.Debug("archive has no images, accepting version unverified", "version", version)
		return true
	}

	if int64(img.DataOffset) < int64(a.header.BodyOffset) || int64(img.DataOffset) >= a.size {
		return false
	}
	var b [1]byte
	if _, err := a.src.ReadAt(b[:], int64(img.DataOffset)); err != nil {
		return false
	}

	switch {
	case b[0] == wz.ImageHeaderByte, b[0] == wz.ImageHeaderByteWithOffset:
	case b[0] == wz.ScriptHeaderByte && parser.IsScriptImage(img.Name):
	default:
		return false
	}

	if a.epoch == wz.EpochHeaderless {
		a.logger.Debug("accepting header-less candidate on image header byte alone",
			"version", version,
			"image", img.Name,
		)
	}
	return true
}

// OpenAll opens several archives concurrently. The result has one slot
// per path; slots of archives that failed to open are nil and their
// errors are joined into the returned error.
func OpenAll(ctx context.Context, fs afero.Fs, paths []string, workers int, opts ...Option) ([]*Archive, error) {
	mapper := iter.Mapper[string, *Archive]{MaxGoroutines: workers}
	return mapper.MapErr(paths, func(p *string) (*Archive, error) {
		return Open(ctx, fs, *p, opts...)
	})
}

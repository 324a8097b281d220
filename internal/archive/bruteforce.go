package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/parser"
	"github.com/ossyrian/mintywz/internal/wz"
)

// IVSearch bounds an IV brute force. Start and End are an inclusive range
// of signed 32-bit values whose little-endian bytes form the IV.
type IVSearch struct {
	Start   int64
	End     int64
	Workers int
	Key     [32]byte

	// Progress, when set, is called from the workers with the number of
	// IVs tried so far.
	Progress func(tried int64)
}

// ErrIVNotFound is returned when no IV in the searched range decrypts the
// first image name.
var ErrIVNotFound = errors.New("no IV in range decrypts the archive")

// progressInterval is how many IVs a worker tries between progress reports
// and cancellation checks.
const progressInterval = 4096

// BruteForceIV searches s for the IV the entry names of a were encrypted
// with. A candidate is accepted when the name of the first image decrypts
// to a printable name ending in ".img" and, for images that store their
// type name inline, that name decrypts to "Property". The first match
// cancels the remaining workers. The number of IVs tried is returned in every case.
func BruteForceIV(ctx context.Context, a *Archive, s IVSearch) (wz.Profile, int64, error) {
	if s.Start > s.End || s.Start < -1<<31 || s.End > 1<<31-1 {
		return wz.Profile{}, 0, fmt.Errorf("invalid IV range [%d, %d]", s.Start, s.End)
	}
	s.Workers = max(s.Workers, 1)

	sample, err := a.firstImageSample()
	if err != nil {
		return wz.Profile{}, 0, err
	}
	streamLen := max(len(sample.name), len(sample.typeName))

	search, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found atomic.Bool
		match atomic.Int64
		tried atomic.Int64
	)

	span := s.End - s.Start + 1
	chunk := (span + int64(s.Workers) - 1) / int64(s.Workers)

	p := pool.New().WithMaxGoroutines(s.Workers).WithContext(search)
	for w := int64(0); w < int64(s.Workers); w++ {
		first := s.Start + w*chunk
		last := min(first+chunk-1, s.End)
		if first > last {
			break
		}
		p.Go(func(ctx context.Context) error {
			var n int64
			defer func() { tried.Add(n % progressInterval) }()

			for v := first; v <= last; v++ {
				n++
				if sample.matches(wz.Keystream(ivFromInt(v), s.Key, streamLen)) {
					if found.CompareAndSwap(false, true) {
						match.Store(v)
						cancel()
					}
					return nil
				}

				if n%progressInterval == 0 {
					total := tried.Add(progressInterval)
					if s.Progress != nil {
						s.Progress(total)
					}
					if ctx.Err() != nil || found.Load() {
						return nil
					}
				}
			}
			return nil
		})
	}
	// workers never fail, cancellation is read from ctx below
	_ = p.Wait()

	if !found.Load() {
		if err := ctx.Err(); err != nil {
			return wz.Profile{}, tried.Load(), err
		}
		return wz.Profile{}, tried.Load(), fmt.Errorf("%w: [%d, %d]", ErrIVNotFound, s.Start, s.End)
	}

	iv := ivFromInt(match.Load())
	profile, err := wz.NewCustomProfile(iv[:], s.Key[:])
	if err != nil {
		return wz.Profile{}, tried.Load(), err
	}
	a.logger.Info("found IV",
		"profile", profile,
		"tried", tried.Load(),
	)
	return profile, tried.Load(), nil
}

func ivFromInt(v int64) [4]byte {
	var iv [4]byte
	binary.LittleEndian.PutUint32(iv[:], uint32(int32(v)))
	return iv
}

func isImageName(name string) bool {
	return strings.HasSuffix(name, ".img") && printableRate(name) == 1
}

func printableRate(name string) float64 {
	if name == "" {
		return 0
	}
	runes := []rune(name)
	ok := lo.CountBy(runes, func(r rune) bool { return r >= 0x20 && r <= 0x7E })
	return float64(ok) / float64(len(runes))
}

// ivSample is the still encrypted material of the first image that IV
// candidates are tested against.
type ivSample struct {
	name []byte
	wide bool

	// typeName is the inline type name of the image body, empty when the
	// image starts with a back-reference or is a script.
	typeName []byte
	typeWide bool
}

func (s ivSample) matches(stream []byte) bool {
	name, err := wz.DecryptStringWith(stream, s.name, s.wide)
	if err != nil || !isImageName(name) {
		return false
	}
	if len(s.typeName) == 0 {
		return true
	}
	typeName, err := wz.DecryptStringWith(stream, s.typeName, s.typeWide)
	return err == nil && typeName == wz.TypeProperty
}

// firstImageSample reads the encrypted name of the first image and the
// start of its body. The body must open with an image header byte.
func (a *Archive) firstImageSample() (ivSample, error) {
	var sample ivSample
	name, wide, err := a.firstImageName()
	if err != nil {
		return sample, err
	}
	sample.name, sample.wide = name, wide

	a.mu.RLock()
	defer a.mu.RUnlock()

	n := a.nodes[a.firstNamedImage()]
	if int64(n.Offset) >= a.size {
		return sample, fmt.Errorf("%w: first image %s lies outside the file", wz.ErrFormat, n.Name)
	}
	s := wz.NewSection(a.src, int64(n.Offset), a.size-int64(n.Offset))
	header, err := s.ReadByte()
	if err != nil {
		return sample, fmt.Errorf("failed to read image header: %w", err)
	}

	switch {
	case header == wz.ImageHeaderByte:
		if sample.typeName, sample.typeWide, err = wz.ReadRawString(s); err != nil {
			return sample, fmt.Errorf("failed to read image type name: %w", err)
		}
	case header == wz.ImageHeaderByteWithOffset:
	case header == wz.ScriptHeaderByte && parser.IsScriptImage(n.Name):
	default:
		return sample, fmt.Errorf("%w: first image %s starts with 0x%02X", wz.ErrFormat, n.Name, header)
	}
	return sample, nil
}

// firstNamedImage returns the first image read from the source, or NoNode.
// a.mu must be held.
func (a *Archive) firstNamedImage() NodeID {
	first, ok := lo.Find(a.imagesPreorder(a.root), func(id NodeID) bool { return a.nodes[id].nameOffset > 0 })
	if !ok {
		return NoNode
	}
	return first
}

// firstImageName reads the still encrypted name of the first image.
func (a *Archive) firstImageName() ([]byte, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.src == nil {
		return nil, false, fmt.Errorf("archive %s has no source file", a.name)
	}
	first := a.firstNamedImage()
	if first == NoNode {
		return nil, false, fmt.Errorf("%w: archive %s has no images to test IVs against", wz.ErrNotFound, a.name)
	}

	s := wz.NewSection(a.src, 0, a.size)
	if _, err := s.Seek(a.nodes[first].nameOffset, io.SeekStart); err != nil {
		return nil, false, err
	}
	data, wide, err := wz.ReadRawString(s)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read image name: %w", err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: first image has an empty name", wz.ErrFormat)
	}
	return data, wide, nil
}

// detectRegions are the profiles tried when no profile is given, in order
// of preference on ties.
var detectRegions = []string{"gms", "ems", "bms"}

// maxDetectNames bounds how many root entry names profile detection reads.
const maxDetectNames = 32

// detectProfile picks the region profile whose key stream decrypts the
// root entry names into the most printable characters.
func (a *Archive) detectProfile() (wz.Profile, error) {
	names, err := a.rootNames(maxDetectNames)
	if err != nil {
		return wz.Profile{}, err
	}
	if len(names) == 0 {
		return wz.MustProfile(detectRegions[0]), nil
	}

	best, bestRate := wz.MustProfile(detectRegions[0]), -1.0
	for _, region := range detectRegions {
		p := wz.MustProfile(region)
		k := p.Keystream()
		var sum float64
		for _, n := range names {
			name, err := k.DecryptString(n.data, n.wide)
			if err != nil {
				continue
			}
			sum += printableRate(name)
		}
		rate := sum / float64(len(names))
		a.logger.Debug("profile candidate", "profile", region, "printable_rate", rate)
		if rate > bestRate {
			best, bestRate = p, rate
		}
	}
	if bestRate < 0.7 {
		a.logger.Warn("no built-in profile decrypts entry names cleanly, a custom IV may be needed",
			"profile", best,
			"printable_rate", bestRate,
		)
	}
	return best, nil
}

type rawName struct {
	data []byte
	wide bool
}

// rootNames reads up to limit encrypted names of the root entry table.
// Offsets are not needed for this and stay encrypted.
func (a *Archive) rootNames(limit int) ([]rawName, error) {
	s := wz.NewSection(a.src, 0, a.size)
	if _, err := s.Seek(a.tableStart(a.epoch), io.SeekStart); err != nil {
		return nil, err
	}
	var count int32
	if err := wz.ReadCompressedInt32(s, &count); err != nil {
		return nil, fmt.Errorf("failed to read root entry count: %w", err)
	}

	var names []rawName
	for i := 0; i < int(count) && len(names) < limit; i++ {
		typ, err := s.ReadByte()
		if err != nil {
			return nil, err
		}
		switch wz.DirEntryType(typ) {
		case wz.DirEntryTypeIgnore:
			if _, err := s.Seek(10, io.SeekCurrent); err != nil {
				return nil, err
			}
			continue
		case wz.DirEntryTypeReference:
			if _, err := s.Seek(4, io.SeekCurrent); err != nil {
				return nil, err
			}
		case wz.DirEntryTypeDir, wz.DirEntryTypeFile:
			data, wide, err := wz.ReadRawString(s)
			if err != nil {
				return nil, err
			}
			if len(data) > 0 {
				names = append(names, rawName{data: data, wide: wide})
			}
		default:
			// the table is unreadable past this point
			return names, nil
		}

		var skip int32
		if err := wz.ReadCompressedInt32(s, &skip); err != nil {
			return nil, err
		}
		if err := wz.ReadCompressedInt32(s, &skip); err != nil {
			return nil, err
		}
		if _, err := s.Seek(4, io.SeekCurrent); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// fixedFileInfoSignature starts the VS_FIXEDFILEINFO block of a Windows
// executable's version resource.
var fixedFileInfoSignature = []byte{0xBD, 0x04, 0xEF, 0xFE}

// ReadClientVersion reads the file and product version of the game client
// at path and returns their non-zero components as patch version seeds.
// Clients put the patch version in different components, trying each of
// them costs at most a few trial parses.
func ReadClientVersion(fs afero.Fs, path string) ([]int, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	i := bytes.Index(data, fixedFileInfoSignature)
	if i < 0 || i+24 > len(data) {
		return nil, fmt.Errorf("%w: %s has no version resource", wz.ErrFormat, path)
	}

	// signature, struct version, file version MS/LS, product version MS/LS
	info := data[i+8 : i+24]
	var seeds []int
	for off := 0; off < len(info); off += 4 {
		v := binary.LittleEndian.Uint32(info[off:])
		seeds = append(seeds, int(v>>16), int(v&0xFFFF))
	}
	seeds = lo.Uniq(lo.Filter(seeds, func(v int, _ int) bool {
		return v > 0 && v <= wz.MaxPatchVersion
	}))
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: %s has an empty version resource", wz.ErrFormat, path)
	}
	return seeds, nil
}

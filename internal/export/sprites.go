package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/archive"
	wztypes "github.com/ossyrian/mintywz/internal/types"
)

// Stats counts the files written by ExtractSprites.
type Stats struct {
	Canvases int
	// Raw counts canvases whose payload did not inflate and was written
	// as stored.
	Raw     int
	Sounds  int
	Scripts int
}

// ExtractSprites writes the payloads of a below dir, one file per
// property, mirroring the archive tree:
//
//	<path>.<format>.pixels  inflated canvas pixels
//	<path>.payload          canvas payload that is not a zlib stream
//	<path>.sound            sound data as stored
//	<path>.lua              script source
//
// Images that fail to parse are skipped and reported in the joined error.
func ExtractSprites(ctx context.Context, fs afero.Fs, a *archive.Archive, dir string, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		stats Stats
		errs  []error
	)
	for _, id := range a.Images() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		imagePath := a.Path(id)
		props, err := a.Properties(id)
		if err != nil {
			logger.Warn("skipping image", "image", imagePath, "error", err)
			errs = append(errs, err)
			continue
		}

		err = wztypes.Walk(props, func(p string, prop wztypes.WzProperty) error {
			base := filepath.Join(dir, safePath(path.Join(imagePath, p)))
			switch v := prop.(type) {
			case *wztypes.WzCanvasProperty:
				data, err := v.Bitmap.Payload.Bytes()
				if err != nil {
					return err
				}
				pixels, err := inflate(data)
				if err != nil {
					logger.Debug("canvas payload is not zlib, writing it as stored", "property", p, "error", err)
					stats.Raw++
					return writeFile(fs, base+".payload", data)
				}
				stats.Canvases++
				return writeFile(fs, fmt.Sprintf("%s.%s.pixels", base, v.Bitmap.Format), pixels)

			case *wztypes.WzSoundProperty:
				data, err := v.Data.Bytes()
				if err != nil {
					return err
				}
				stats.Sounds++
				return writeFile(fs, base+".sound", data)

			case *wztypes.WzScriptProperty:
				data, err := v.Data.Bytes()
				if err != nil {
					return err
				}
				stats.Scripts++
				return writeFile(fs, base+".lua", data)
			}
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("failed to extract %s: %w", imagePath, err)
		}
	}

	logger.Info("extracted payloads",
		"dir", dir,
		"canvases", stats.Canvases,
		"raw", stats.Raw,
		"sounds", stats.Sounds,
		"scripts", stats.Scripts,
	)
	return stats, errors.Join(errs...)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// safePath turns an archive path into a relative file path that cannot
// leave the output directory.
func safePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if s == "" || s == "." || s == ".." || strings.ContainsRune(s, filepath.Separator) {
			segs[i] = "_"
		}
	}
	return filepath.Join(segs...)
}

func writeFile(fs afero.Fs, name string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, name, data, 0o644)
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/ossyrian/mintywz/internal/archive"
	"github.com/ossyrian/mintywz/internal/export"
	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

var repackCmd = &cobra.Command{
	Use:   "repack",
	Short: "Rewrite an archive, optionally with another header layout, cipher or patch version",
	RunE:  repack,
}

var findCmd = &cobra.Command{
	Use:   "find PATTERN",
	Short: "List the directories, images and properties matching a path pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  find,
}

var exportImageCmd = &cobra.Command{
	Use:   "export-img",
	Short: "Write one image as a standalone .img file",
	RunE:  exportImage,
}

var bruteforceCmd = &cobra.Command{
	Use:   "bruteforce-iv",
	Short: "Search for the IV the entry names of an archive are encrypted with",
	RunE:  bruteforceIV,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that saving an archive unchanged reproduces it byte for byte",
	RunE:  verify,
}

func init() {
	for _, cmd := range []*cobra.Command{repackCmd, findCmd, exportImageCmd, bruteforceCmd, verifyCmd} {
		cmd.Flags().StringSliceP("input", "i", nil, "path to .wz file (required)")
		cmd.MarkFlagRequired("input")
	}
	for _, cmd := range []*cobra.Command{repackCmd, exportImageCmd} {
		cmd.Flags().StringP("output", "o", "", "path to write to (required)")
		cmd.MarkFlagRequired("output")
	}

	repackCmd.Flags().String("epoch", "", "header layout of the output (legacy, headerless); default keeps the source layout")
	repackCmd.Flags().String("target-region", "", "cipher region of the output; default keeps the source cipher")
	repackCmd.Flags().String("target-version", "", "patch version of the output; default keeps the source version")

	findCmd.Flags().Bool("regex", false, "treat PATTERN as a regular expression over full paths")

	exportImageCmd.Flags().String("image", "", "path of the image inside the archive (required)")
	exportImageCmd.Flags().String("target-region", "", "cipher region of the exported image; default keeps the source cipher")
	exportImageCmd.MarkFlagRequired("image")

	bruteforceCmd.Flags().Int64("iv-start", -1<<31, "first IV candidate as a signed 32-bit value")
	bruteforceCmd.Flags().Int64("iv-end", 1<<31-1, "last IV candidate as a signed 32-bit value")
}

// openInput opens the single archive named by --input.
func openInput(ctx context.Context) (*archive.Archive, error) {
	if len(cfg.InputFiles) != 1 {
		return nil, fmt.Errorf("expected exactly one input file, got %d", len(cfg.InputFiles))
	}
	opts, err := archiveOptions()
	if err != nil {
		return nil, err
	}
	return archive.Open(ctx, osFs, cfg.InputFiles[0], opts...)
}

// dump runs the root command: it writes a document of every input archive
// and optionally extracts their payloads.
func dump(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, err := export.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return err
	}
	compression, err := export.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}
	if !cfg.DryRun && cfg.OutputFile == "" && cfg.SpritesOutputDir == "" {
		return errors.New("nothing to do: set --output, --sprites-output or --dry-run")
	}

	opts, err := archiveOptions()
	if err != nil {
		return err
	}

	slog.Info("opening archives", "input", cfg.InputFiles, "workers", cfg.Workers)
	archives, openErr := archive.OpenAll(ctx, osFs, cfg.InputFiles, cfg.Workers, opts...)
	defer func() {
		for _, a := range archives {
			if a != nil {
				a.Close()
			}
		}
	}()

	errs := []error{openErr}
	for _, a := range archives {
		if a == nil {
			continue
		}
		if err := dumpArchive(ctx, a, format, compression, len(cfg.InputFiles) > 1); err != nil {
			slog.Error(fmt.Sprintf("error dumping %s", a.Name()), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dumpArchive(ctx context.Context, a *archive.Archive, format export.Format, compression export.Compression, many bool) error {
	if cfg.DryRun {
		if err := a.ParseAll(ctx, cfg.Workers); err != nil {
			return err
		}
		slog.Info("parsed archive", "file", a.Name(), "images", len(a.Images()))
		return nil
	}

	if cfg.OutputFile != "" {
		if err := writeDump(a, format, compression, many); err != nil {
			return err
		}
	}

	if cfg.SpritesOutputDir != "" {
		if _, err := export.ExtractSprites(ctx, osFs, a, cfg.SpritesOutputDir, slog.Default()); err != nil {
			return err
		}
	}
	return nil
}

func writeDump(a *archive.Archive, format export.Format, compression export.Compression, many bool) (err error) {
	opts := export.Options{Format: format, Compression: compression, Logger: slog.Default()}

	if cfg.OutputFile == "-" {
		return export.Dump(os.Stdout, a, opts)
	}

	name := cfg.OutputFile
	if many {
		name = filepath.Join(cfg.OutputFile, dumpFileName(a.Name(), format, compression))
		if err := osFs.MkdirAll(cfg.OutputFile, 0o755); err != nil {
			return err
		}
	}

	f, err := osFs.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := export.Dump(f, a, opts); err != nil {
		return err
	}
	slog.Info("wrote dump", "file", a.Name(), "output", name)
	return nil
}

func dumpFileName(archiveName string, format export.Format, compression export.Compression) string {
	name := strings.TrimSuffix(archiveName, filepath.Ext(archiveName)) + "." + string(format)
	switch compression {
	case export.CompressionZstd:
		name += ".zst"
	case export.CompressionLZ4:
		name += ".lz4"
	}
	return name
}

func repack(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openInput(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var so archive.SaveOptions
	if cfg.Epoch != "" {
		e, ok := wz.ParseEpoch(cfg.Epoch)
		if !ok {
			return fmt.Errorf("unknown epoch: %q", cfg.Epoch)
		}
		so.Epoch = &e
	}
	if p, ok, err := cfg.TargetProfile(); err != nil {
		return err
	} else if ok {
		so.Profile = &p
	}
	if so.Version, err = cfg.TargetPatchVersion(); err != nil {
		return err
	}

	if cfg.DryRun {
		if err := a.ParseAll(ctx, cfg.Workers); err != nil {
			return err
		}
		return a.Save(ctx, afero.NewMemMapFs(), filepath.Base(cfg.OutputFile), so)
	}
	return a.Save(ctx, osFs, cfg.OutputFile, so)
}

func find(cmd *cobra.Command, args []string) error {
	a, err := openInput(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	regex, _ := cmd.Flags().GetBool("regex")
	var matches []archive.Match
	if regex {
		matches, err = a.ResolveRegex(args[0])
	} else {
		matches, err = a.Resolve(args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, m := range matches {
		printMatch(out, a, m)
	}
	return nil
}

func printMatch(w io.Writer, a *archive.Archive, m archive.Match) {
	if m.Property == nil {
		n, _ := a.Node(m.Node)
		fmt.Fprintf(w, "%s\t%s\n", m.Path, n.Kind)
		return
	}
	switch p := m.Property.(type) {
	case *wztypes.WzCanvasProperty:
		fmt.Fprintf(w, "%s\t%s\t%dx%d %s\n", m.Path, p.GetType(), p.Bitmap.Width, p.Bitmap.Height, p.Bitmap.Format)
	case *wztypes.WzSoundProperty:
		fmt.Fprintf(w, "%s\t%s\t%dms\n", m.Path, p.GetType(), p.Duration)
	case *wztypes.WzSubProperty, *wztypes.WzConvexProperty, *wztypes.WzScriptProperty:
		fmt.Fprintf(w, "%s\t%s\n", m.Path, p.GetType())
	default:
		fmt.Fprintf(w, "%s\t%s\t%v\n", m.Path, p.GetType(), p.GetValue())
	}
}

func exportImage(cmd *cobra.Command, args []string) (err error) {
	a, err := openInput(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	imagePath, _ := cmd.Flags().GetString("image")
	id, err := a.Lookup(imagePath)
	if err != nil {
		return err
	}

	profile := a.Profile()
	if p, ok, err := cfg.TargetProfile(); err != nil {
		return err
	} else if ok {
		profile = p
	}

	if cfg.DryRun {
		return a.ExportImage(id, io.Discard, profile)
	}

	f, err := osFs.Create(cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := a.ExportImage(id, f, profile); err != nil {
		return err
	}
	slog.Info("exported image", "image", a.Path(id), "output", cfg.OutputFile, "profile", profile.String())
	return nil
}

// progressLogEvery is how many tried IVs pass between progress log lines.
const progressLogEvery = 1 << 24

func bruteforceIV(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openInput(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key, err := cfg.AESKey()
	if err != nil {
		return err
	}

	var logged atomic.Int64
	search := archive.IVSearch{
		Start:   cfg.IVStart,
		End:     cfg.IVEnd,
		Workers: cfg.Workers,
		Key:     key,
		Progress: func(tried int64) {
			last := logged.Load()
			if tried-last >= progressLogEvery && logged.CompareAndSwap(last, tried) {
				slog.Info("searching IVs", "tried", tried, "total", cfg.IVEnd-cfg.IVStart+1)
			}
		},
	}

	profile, tried, err := archive.BruteForceIV(ctx, a, search)
	if err != nil {
		return fmt.Errorf("after %d candidates: %w", tried, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "iv=%s key=%s\n", hex.EncodeToString(profile.IV[:]), hex.EncodeToString(profile.Key[:]))
	return nil
}

func verify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openInput(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	want, err := fileDigest(osFs, cfg.InputFiles[0])
	if err != nil {
		return err
	}

	scratch := afero.NewMemMapFs()
	if err := a.Save(ctx, scratch, "verify.wz", archive.SaveOptions{}); err != nil {
		return err
	}
	got, err := fileDigest(scratch, "verify.wz")
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("saved archive differs from %s: blake3 %x, want %x", cfg.InputFiles[0], got, want)
	}
	slog.Info("archive round trips", "file", a.Name(), "blake3", hex.EncodeToString(want[:]))
	return nil
}

func fileDigest(fs afero.Fs, name string) (sum [32]byte, err error) {
	f, err := fs.Open(name)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

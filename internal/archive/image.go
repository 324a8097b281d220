package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/ossyrian/mintywz/internal/parser"
	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

func (a *Archive) imageNode(id NodeID) (*Node, error) {
	n, err := a.node(id)
	if err != nil {
		return nil, err
	}
	if n.Kind != KindImage {
		return nil, fmt.Errorf("%s is not an image", a.path(id))
	}
	return n, nil
}

// Parse decodes the property tree of an image. A parsed image is returned
// as is unless force is set; modified images are never re-read.
func (a *Archive) Parse(id NodeID, force bool) ([]wztypes.WzProperty, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return nil, err
	}
	return a.parseImage(id, n, force)
}

// parseImage requires a.mu to be held.
func (a *Archive) parseImage(id NodeID, n *Node, force bool) ([]wztypes.WzProperty, error) {
	n.img.mu.Lock()
	defer n.img.mu.Unlock()
	return a.parseLocked(id, n, force)
}

// parseLocked requires a.mu and n.img.mu to be held.
func (a *Archive) parseLocked(id NodeID, n *Node, force bool) ([]wztypes.WzProperty, error) {
	img := n.img
	if img.state == StateModified || (img.state == StateParsed && !force) {
		return img.props, nil
	}

	p := a.path(id)
	if a.src == nil {
		return nil, fmt.Errorf("image %s has no source data", p)
	}
	if n.Size < 0 || int64(n.Offset)+int64(n.Size) > a.size {
		return nil, fmt.Errorf("%w: image %s at offset %d size %d outside file", wz.ErrFormat, p, n.Offset, n.Size)
	}

	s := wz.NewSection(a.src, int64(n.Offset), int64(n.Size))
	props, err := parser.ParseImage(s, n.Name, a.profile.Keystream(), a.eager)
	if err != nil {
		var unsupported *parser.UnsupportedHeaderError
		if errors.As(err, &unsupported) {
			a.logger.Warn("image uses an unsupported header",
				"image", p,
				"header_byte", fmt.Sprintf("0x%02X", unsupported.Byte),
			)
		}
		return nil, fmt.Errorf("failed to parse image %s: %w", p, err)
	}

	img.props = props
	img.state = StateParsed
	a.logger.Debug("parsed image",
		"image", p,
		"properties", len(props),
	)
	return props, nil
}

// Properties returns the property tree of an image, parsing it first if
// needed.
func (a *Archive) Properties(id NodeID) ([]wztypes.WzProperty, error) {
	return a.Parse(id, false)
}

// Unparse drops the property tree of an image so that it is read again
// from the source on the next access.
func (a *Archive) Unparse(id NodeID) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return err
	}
	n.img.mu.Lock()
	defer n.img.mu.Unlock()

	if n.img.state == StateModified {
		return fmt.Errorf("%w: %s", wz.ErrImageModified, a.path(id))
	}
	n.img.props = nil
	n.img.state = StateUnparsed
	return nil
}

// State returns the lifecycle state of an image.
func (a *Archive) State(id NodeID) (ParseState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return StateUnparsed, err
	}
	n.img.mu.Lock()
	defer n.img.mu.Unlock()
	return n.img.state, nil
}

// SetProperties replaces the property tree of an image. Lazy payloads in
// props are loaded so that the tree no longer depends on any source file.
func (a *Archive) SetProperties(id NodeID, props []wztypes.WzProperty) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return err
	}
	if err := wztypes.Materialize(props); err != nil {
		return fmt.Errorf("failed to load payloads of %s: %w", a.path(id), err)
	}

	n.img.mu.Lock()
	defer n.img.mu.Unlock()
	n.img.props = props
	n.img.state = StateModified
	return nil
}

// MarkModified flags an image for re-encoding on save. Call it after
// editing the tree returned by Properties in place.
func (a *Archive) MarkModified(id NodeID) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return err
	}

	n.img.mu.Lock()
	defer n.img.mu.Unlock()

	props, err := a.parseLocked(id, n, false)
	if err != nil {
		return err
	}
	if err := wztypes.Materialize(props); err != nil {
		return fmt.Errorf("failed to load payloads of %s: %w", a.path(id), err)
	}
	n.img.state = StateModified
	return nil
}

// ParseAll parses every image with up to workers goroutines. Images that
// fail to parse are reported in the joined error; the others stay parsed.
func (a *Archive) ParseAll(ctx context.Context, workers int) error {
	p := pool.New().WithMaxGoroutines(max(workers, 1)).WithErrors().WithContext(ctx)
	for _, id := range a.Images() {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := a.Parse(id, false)
			return err
		})
	}
	return p.Wait()
}

// ExportImage writes an image as a standalone .img blob whose strings are
// encrypted with profile. Unmodified images are copied verbatim when the
// cipher does not change.
func (a *Archive) ExportImage(id NodeID, w io.Writer, profile wz.Profile) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, err := a.imageNode(id)
	if err != nil {
		return err
	}
	p := a.path(id)

	n.img.mu.Lock()
	state := n.img.state
	n.img.mu.Unlock()

	if state != StateModified && a.src != nil && profile.SameCipher(a.profile) {
		copied, err := io.Copy(w, io.NewSectionReader(a.src, int64(n.Offset), int64(n.Size)))
		if err != nil {
			return fmt.Errorf("%w: failed to copy image %s: %w", wz.ErrIO, p, err)
		}
		if copied != int64(n.Size) {
			return fmt.Errorf("%w: image %s is truncated", wz.ErrFormat, p)
		}
		return nil
	}

	props, err := a.parseImage(id, n, false)
	if err != nil {
		return err
	}
	data, err := parser.EncodeImage(n.Name, props, profile.Keystream())
	if err != nil {
		return fmt.Errorf("failed to encode image %s: %w", p, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write image %s: %w", wz.ErrIO, p, err)
	}
	return nil
}

// OpenImage wraps a standalone .img blob of size bytes in an archive with
// a single image node. Without WithProfile the built-in profiles are tried
// until one decodes the image.
func OpenImage(r io.ReaderAt, size int64, name string, opts ...Option) (*Archive, NodeID, error) {
	o := newOptions(opts)
	if size > 1<<31-1 {
		return nil, NoNode, fmt.Errorf("%w: image %s is larger than 2 GiB", wz.ErrFormat, name)
	}

	a := New(strings.TrimSuffix(name, ".img"), opts...)
	a.src = r
	a.size = size

	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, NoNode, err
	}
	id := a.addNode(&Node{
		Kind:     KindImage,
		Name:     name,
		Parent:   a.root,
		Size:     int32(size),
		Checksum: parser.Checksum(data),
	})

	if o.profileSet {
		return a, id, nil
	}

	var errs []error
	for _, region := range detectRegions {
		a.profile = wz.MustProfile(region)
		if _, err := a.Parse(id, true); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", region, err))
			continue
		}
		a.logger.Info("detected cipher profile", "profile", a.profile, "image", name)
		return a, id, nil
	}
	return nil, NoNode, fmt.Errorf("no built-in profile decodes image %s: %w", name, errors.Join(errs...))
}

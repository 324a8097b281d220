// Package export renders archives for consumption outside the game:
// document dumps of the whole tree and extraction of binary payloads.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"github.com/ossyrian/mintywz/internal/archive"
	wztypes "github.com/ossyrian/mintywz/internal/types"
)

// Format is a document encoding understood by Dump.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatYAML, FormatCBOR:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown dump format: %q", s)
	}
}

// Compression is the stream compression applied to a dump.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	case "":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression: %q", s)
	}
}

// Document is the dumped form of an archive.
type Document struct {
	Name            string `cbor:"name" json:"name" yaml:"name"`
	Epoch           string `cbor:"epoch" json:"epoch" yaml:"epoch"`
	Version         int    `cbor:"version" json:"version" yaml:"version"`
	EncodingVersion uint16 `cbor:"encoding_version" json:"encoding_version" yaml:"encoding_version"`
	Profile         string `cbor:"profile" json:"profile" yaml:"profile"`
	Copyright       string `cbor:"copyright" json:"copyright" yaml:"copyright"`
	Root            *Node  `cbor:"root" json:"root" yaml:"root"`
}

// Node is a directory, image or property of a dumped archive.
type Node struct {
	Name     string  `cbor:"name" json:"name" yaml:"name"`
	Type     string  `cbor:"type" json:"type" yaml:"type"`
	Value    any     `cbor:"value,omitempty" json:"value,omitempty" yaml:"value,omitempty"`
	Error    string  `cbor:"error,omitempty" json:"error,omitempty" yaml:"error,omitempty"`
	Children []*Node `cbor:"children,omitempty" json:"children,omitempty" yaml:"children,omitempty"`
}

// Build converts a into a Document, parsing every image. Images that
// fail to parse are kept with their error so that one damaged image does
// not hide the rest of the archive.
func Build(a *archive.Archive, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{
		Name:            a.Name(),
		Epoch:           a.Epoch().String(),
		Version:         a.Version(),
		EncodingVersion: a.EncodingVersion(),
		Profile:         a.Profile().String(),
		Copyright:       a.Header().Copyright,
		Root:            buildNode(a, a.Root(), logger),
	}
}

func buildNode(a *archive.Archive, id archive.NodeID, logger *slog.Logger) *Node {
	n, _ := a.Node(id)
	out := &Node{Name: n.Name, Type: n.Kind.String()}

	if n.Kind == archive.KindDirectory {
		for _, c := range n.Children {
			out.Children = append(out.Children, buildNode(a, c, logger))
		}
		return out
	}

	props, err := a.Properties(id)
	if err != nil {
		logger.Warn("could not parse image", "image", a.Path(id), "error", err)
		out.Error = err.Error()
		return out
	}
	out.Children = propertyNodes(props)
	return out
}

func propertyNodes(props []wztypes.WzProperty) []*Node {
	var nodes []*Node
	for _, p := range props {
		nodes = append(nodes, propertyNode(p))
	}
	return nodes
}

func propertyNode(p wztypes.WzProperty) *Node {
	n := &Node{Name: p.GetName(), Type: p.GetType().String()}

	switch v := p.(type) {
	case *wztypes.WzNullProperty:
	case *wztypes.WzVectorProperty:
		n.Value = map[string]int32{"x": v.X, "y": v.Y}
	case *wztypes.WzSubProperty:
		n.Children = propertyNodes(v.Properties)
	case *wztypes.WzConvexProperty:
		n.Children = propertyNodes(v.Items)
	case *wztypes.WzCanvasProperty:
		n.Value = map[string]any{
			"width":  v.Bitmap.Width,
			"height": v.Bitmap.Height,
			"format": v.Bitmap.Format.String(),
			"size":   v.Bitmap.Payload.Len(),
		}
		n.Children = propertyNodes(v.Properties)
	case *wztypes.WzSoundProperty:
		n.Value = map[string]any{
			"duration": v.Duration,
			"size":     v.Data.Len(),
		}
	case *wztypes.WzScriptProperty:
		n.Value = map[string]any{"size": v.Data.Len()}
	default:
		n.Value = p.GetValue()
	}
	return n
}

// Options configure Dump.
type Options struct {
	Format      Format
	Compression Compression
	Logger      *slog.Logger
}

// Dump writes the document of a to w.
func Dump(w io.Writer, a *archive.Archive, opts Options) error {
	doc := Build(a, opts.Logger)

	var (
		out    io.Writer = w
		closer io.Closer
	)
	switch opts.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		out, closer = enc, enc
	case CompressionLZ4:
		enc := lz4.NewWriter(w)
		out, closer = enc, enc
	case CompressionNone, "":
	default:
		return fmt.Errorf("unsupported compression: %q", opts.Compression)
	}

	if err := encode(out, doc, opts.Format); err != nil {
		return err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to flush %s stream: %w", opts.Compression, err)
		}
	}
	return nil
}

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("export: CBOR encoder initialization failed: " + err.Error())
	}
}

func encode(w io.Writer, doc *Document, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("json encode: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("yaml encode: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("yaml encode: %w", err)
		}
	case FormatCBOR:
		if err := cborMode.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("cbor encode: %w", err)
		}
	default:
		return fmt.Errorf("unsupported dump format: %q", format)
	}
	return nil
}

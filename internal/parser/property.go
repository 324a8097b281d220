package parser

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

// maxPropertyDepth bounds nesting so that garbage decoded with the wrong
// key cannot recurse forever.
const maxPropertyDepth = 64

// soundHeaderSize is the length of the media type GUID block that precedes
// the wave format in a Sound_DX8 header.
const soundHeaderSize = 51

// UnsupportedHeaderError reports an image that starts with a header byte
// this package cannot decode.
type UnsupportedHeaderError struct {
	Byte byte
}

func (e *UnsupportedHeaderError) Error() string {
	return fmt.Sprintf("unsupported image header byte 0x%02X", e.Byte)
}

func (e *UnsupportedHeaderError) Unwrap() error { return wz.ErrFormat }

// IsScriptImage reports whether an image with this name holds a script blob
// instead of a property list.
func IsScriptImage(name string) bool {
	return strings.HasSuffix(name, wz.ScriptExtension)
}

// PropertyReader decodes the property tree of one image. Positions of s
// are relative to the image start, which is also the origin of string
// back-references.
type PropertyReader struct {
	s     *wz.Section
	key   *wz.Key
	cache wz.StringCache

	// eager reads canvas and sound payloads into memory instead of
	// keeping references into the source.
	eager bool
}

// NewPropertyReader returns a reader for the image held by s.
func NewPropertyReader(s *wz.Section, k *wz.Key, eager bool) *PropertyReader {
	return &PropertyReader{s: s, key: k, cache: wz.StringCache{}, eager: eager}
}

// ParseImage decodes the image held by s. name decides whether the image
// is a script blob.
func ParseImage(s *wz.Section, name string, k *wz.Key, eager bool) ([]wztypes.WzProperty, error) {
	return NewPropertyReader(s, k, eager).ReadImage(name)
}

// ReadImage reads the image header and the top-level property list.
func (r *PropertyReader) ReadImage(name string) ([]wztypes.WzProperty, error) {
	b, err := r.s.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	switch {
	case b == wz.ScriptHeaderByte && IsScriptImage(name):
		return r.readScript()

	case b == wz.ImageHeaderByte:
		typeName, err := wz.ReadInlineString(r.s, r.key, r.cache)
		if err != nil {
			return nil, fmt.Errorf("failed to read image type: %w", err)
		}
		if typeName != wz.TypeProperty {
			return nil, fmt.Errorf("%w: image type %q, expected %q", wz.ErrFormat, typeName, wz.TypeProperty)
		}
		var reserved uint16
		if err := binary.Read(r.s, binary.LittleEndian, &reserved); err != nil {
			return nil, fmt.Errorf("failed to read image reserved bytes: %w", err)
		}
		if reserved != 0 {
			return nil, fmt.Errorf("%w: image reserved bytes 0x%04X", wz.ErrFormat, reserved)
		}
		return r.readPropertyList(0)

	default:
		return nil, &UnsupportedHeaderError{Byte: b}
	}
}

func (r *PropertyReader) readScript() ([]wztypes.WzProperty, error) {
	var length int32
	if err := wz.ReadCompressedInt32(r.s, &length); err != nil {
		return nil, fmt.Errorf("failed to read script length: %w", err)
	}
	data, err := r.readBytes(int64(length))
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	wz.ScriptProfile().Keystream().XOR(data, data)
	return []wztypes.WzProperty{
		&wztypes.WzScriptProperty{Name: "Script", Data: wztypes.NewPayload(data)},
	}, nil
}

func (r *PropertyReader) readBytes(n int64) ([]byte, error) {
	if n < 0 || n > r.s.Remaining() {
		return nil, fmt.Errorf("%w: blob length %d exceeds remaining %d bytes", wz.ErrFormat, n, r.s.Remaining())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// payload returns n bytes at the cursor as a payload and skips them.
func (r *PropertyReader) payload(n int64) (*wztypes.Payload, error) {
	if n < 0 || n > r.s.Remaining() {
		return nil, fmt.Errorf("%w: payload length %d exceeds remaining %d bytes", wz.ErrFormat, n, r.s.Remaining())
	}
	if r.eager {
		data, err := r.readBytes(n)
		if err != nil {
			return nil, err
		}
		return wztypes.NewPayload(data), nil
	}
	p := wztypes.LazyPayload(r.s.Source(), r.s.Base()+r.s.Pos(), n)
	if _, err := r.s.Seek(n, io.SeekCurrent); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PropertyReader) skip(n int64) error {
	_, err := r.s.Seek(n, io.SeekCurrent)
	return err
}

func (r *PropertyReader) readPropertyList(depth int) ([]wztypes.WzProperty, error) {
	if depth > maxPropertyDepth {
		return nil, fmt.Errorf("%w: properties nested deeper than %d", wz.ErrFormat, maxPropertyDepth)
	}

	var count int32
	if err := wz.ReadCompressedInt32(r.s, &count); err != nil {
		return nil, fmt.Errorf("failed to read property count: %w", err)
	}
	// every property needs at least two bytes
	if count < 0 || int64(count)*2 > r.s.Remaining() {
		return nil, fmt.Errorf("%w: property count %d", wz.ErrFormat, count)
	}
	if count == 0 {
		return nil, nil
	}

	props := make([]wztypes.WzProperty, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := wz.ReadStringBlock(r.s, r.key, r.cache)
		if err != nil {
			return nil, fmt.Errorf("failed to read name of property %d: %w", i, err)
		}
		prop, err := r.readProperty(name, depth)
		if err != nil {
			return nil, fmt.Errorf("failed to read property %q: %w", name, err)
		}
		props = append(props, prop)
	}
	return props, nil
}

func (r *PropertyReader) readProperty(name string, depth int) (wztypes.WzProperty, error) {
	tag, err := r.s.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read property tag: %w", err)
	}

	switch tag {
	case wz.TagNull:
		return &wztypes.WzNullProperty{Name: name}, nil

	case wz.TagShort, wz.TagShortAlt:
		p := &wztypes.WzShortProperty{Name: name}
		if err := binary.Read(r.s, binary.LittleEndian, &p.Value); err != nil {
			return nil, err
		}
		return p, nil

	case wz.TagInt, wz.TagIntAlt:
		p := &wztypes.WzIntProperty{Name: name}
		if err := wz.ReadCompressedInt32(r.s, &p.Value); err != nil {
			return nil, err
		}
		return p, nil

	case wz.TagLong:
		p := &wztypes.WzLongProperty{Name: name}
		if err := wz.ReadCompressedInt64(r.s, &p.Value); err != nil {
			return nil, err
		}
		return p, nil

	case wz.TagFloat:
		p := &wztypes.WzFloatProperty{Name: name}
		marker, err := r.s.ReadByte()
		if err != nil {
			return nil, err
		}
		switch marker {
		case 0:
		case 0x80:
			if err := binary.Read(r.s, binary.LittleEndian, &p.Value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: float marker 0x%02X", wz.ErrFormat, marker)
		}
		return p, nil

	case wz.TagDouble:
		p := &wztypes.WzDoubleProperty{Name: name}
		if err := binary.Read(r.s, binary.LittleEndian, &p.Value); err != nil {
			return nil, err
		}
		return p, nil

	case wz.TagString:
		v, err := wz.ReadStringBlock(r.s, r.key, r.cache)
		if err != nil {
			return nil, err
		}
		return &wztypes.WzStringProperty{Name: name, Value: v}, nil

	case wz.TagExtended:
		var length uint32
		if err := binary.Read(r.s, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("failed to read extended length: %w", err)
		}
		end := r.s.Pos() + int64(length)
		if int64(length) > r.s.Remaining() {
			return nil, fmt.Errorf("%w: extended length %d exceeds remaining %d bytes", wz.ErrFormat, length, r.s.Remaining())
		}
		prop, err := r.readExtended(name, depth+1)
		if err != nil {
			return nil, err
		}
		// resync on blocks that declare more (or less) than was decoded
		if r.s.Pos() != end {
			if _, err := r.s.Seek(end, io.SeekStart); err != nil {
				return nil, err
			}
		}
		return prop, nil

	default:
		return nil, fmt.Errorf("%w: unknown property tag %d", wz.ErrFormat, tag)
	}
}

// readExtended reads a type name followed by the value of that type.
func (r *PropertyReader) readExtended(name string, depth int) (wztypes.WzProperty, error) {
	if depth > maxPropertyDepth {
		return nil, fmt.Errorf("%w: properties nested deeper than %d", wz.ErrFormat, maxPropertyDepth)
	}

	typeName, err := wz.ReadStringBlock(r.s, r.key, r.cache)
	if err != nil {
		return nil, fmt.Errorf("failed to read extended type: %w", err)
	}

	switch typeName {
	case wz.TypeProperty:
		if err := r.skip(2); err != nil {
			return nil, err
		}
		props, err := r.readPropertyList(depth)
		if err != nil {
			return nil, err
		}
		return &wztypes.WzSubProperty{Name: name, Properties: props}, nil

	case wz.TypeCanvas:
		return r.readCanvas(name, depth)

	case wz.TypeVector:
		p := &wztypes.WzVectorProperty{Name: name}
		if err := wz.ReadCompressedInt32(r.s, &p.X); err != nil {
			return nil, err
		}
		if err := wz.ReadCompressedInt32(r.s, &p.Y); err != nil {
			return nil, err
		}
		return p, nil

	case wz.TypeConvex:
		var count int32
		if err := wz.ReadCompressedInt32(r.s, &count); err != nil {
			return nil, err
		}
		if count < 0 || int64(count) > r.s.Remaining() {
			return nil, fmt.Errorf("%w: convex item count %d", wz.ErrFormat, count)
		}
		p := &wztypes.WzConvexProperty{Name: name, Items: make([]wztypes.WzProperty, 0, count)}
		for i := 0; i < int(count); i++ {
			item, err := r.readExtended("", depth+1)
			if err != nil {
				return nil, fmt.Errorf("failed to read convex item %d: %w", i, err)
			}
			p.Items = append(p.Items, item)
		}
		wztypes.NameConvexItems(p.Items)
		return p, nil

	case wz.TypeSound:
		return r.readSound(name)

	case wz.TypeUOL:
		if err := r.skip(1); err != nil {
			return nil, err
		}
		link, err := wz.ReadStringBlock(r.s, r.key, r.cache)
		if err != nil {
			return nil, fmt.Errorf("failed to read link: %w", err)
		}
		return &wztypes.WzUOLProperty{Name: name, Link: link}, nil

	default:
		return nil, fmt.Errorf("%w: unknown extended type %q", wz.ErrFormat, typeName)
	}
}

func (r *PropertyReader) readCanvas(name string, depth int) (*wztypes.WzCanvasProperty, error) {
	p := &wztypes.WzCanvasProperty{Name: name}

	if err := r.skip(1); err != nil {
		return nil, err
	}
	hasChildren, err := r.s.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasChildren == 1 {
		if err := r.skip(2); err != nil {
			return nil, err
		}
		if p.Properties, err = r.readPropertyList(depth); err != nil {
			return nil, err
		}
	}

	var format int32
	for _, v := range []*int32{&p.Bitmap.Width, &p.Bitmap.Height, &format, &p.Bitmap.Format2} {
		if err := wz.ReadCompressedInt32(r.s, v); err != nil {
			return nil, fmt.Errorf("failed to read canvas dimensions: %w", err)
		}
	}
	p.Bitmap.Format = wztypes.WzPngFormat(format)

	if err := r.skip(4); err != nil {
		return nil, err
	}
	var length int32
	if err := binary.Read(r.s, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read canvas payload length: %w", err)
	}
	if err := r.skip(1); err != nil {
		return nil, err
	}
	if length--; length < 0 {
		length = 0
	}
	if p.Bitmap.Payload, err = r.payload(int64(length)); err != nil {
		return nil, fmt.Errorf("failed to read canvas payload: %w", err)
	}
	return p, nil
}

func (r *PropertyReader) readSound(name string) (*wztypes.WzSoundProperty, error) {
	p := &wztypes.WzSoundProperty{Name: name}

	if err := r.skip(1); err != nil {
		return nil, err
	}
	var dataLen int32
	if err := wz.ReadCompressedInt32(r.s, &dataLen); err != nil {
		return nil, fmt.Errorf("failed to read sound length: %w", err)
	}
	if err := wz.ReadCompressedInt32(r.s, &p.Duration); err != nil {
		return nil, fmt.Errorf("failed to read sound duration: %w", err)
	}

	headerStart := r.s.Pos()
	if _, err := r.s.Seek(soundHeaderSize, io.SeekCurrent); err != nil {
		return nil, err
	}
	wavFormatLen, err := r.s.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read sound format length: %w", err)
	}
	if _, err := r.s.Seek(headerStart, io.SeekStart); err != nil {
		return nil, err
	}
	if p.Header, err = r.readBytes(soundHeaderSize + 1 + int64(wavFormatLen)); err != nil {
		return nil, fmt.Errorf("failed to read sound header: %w", err)
	}

	if p.Data, err = r.payload(int64(dataLen)); err != nil {
		return nil, fmt.Errorf("failed to read sound data: %w", err)
	}
	return p, nil
}

package parser

import (
	"fmt"
	"math"

	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

// EncodeImage serializes an image property tree. Strings are encrypted
// with k; script images use the script key regardless of k.
func EncodeImage(name string, props []wztypes.WzProperty, k *wz.Key) ([]byte, error) {
	w := wz.NewWriter(0, k)

	if IsScriptImage(name) {
		if err := writeScript(w, props); err != nil {
			return nil, err
		}
		return w.Bytes(), nil
	}

	if err := w.WriteStringValue(wz.TypeProperty, wz.ImageHeaderByte, wz.ImageHeaderByteWithOffset); err != nil {
		return nil, err
	}
	if err := writePropertyList(w, props); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func writeScript(w *wz.Writer, props []wztypes.WzProperty) error {
	if len(props) != 1 {
		return fmt.Errorf("script image must hold exactly one script property, got %d", len(props))
	}
	script, ok := props[0].(*wztypes.WzScriptProperty)
	if !ok {
		return fmt.Errorf("script image holds %s property", props[0].GetType())
	}
	data, err := script.Data.Bytes()
	if err != nil {
		return err
	}
	enc := make([]byte, len(data))
	wz.ScriptProfile().Keystream().XOR(enc, data)

	w.WriteByte(wz.ScriptHeaderByte)
	w.WriteCompressedInt(int32(len(enc)))
	w.Write(enc)
	return nil
}

func writePropertyList(w *wz.Writer, props []wztypes.WzProperty) error {
	w.WriteUint16(0)
	w.WriteCompressedInt(int32(len(props)))
	for _, prop := range props {
		if err := w.WriteStringValue(prop.GetName(), wz.StringInline, wz.StringWithRef); err != nil {
			return err
		}
		if err := writeProperty(w, prop); err != nil {
			return fmt.Errorf("failed to write property %q: %w", prop.GetName(), err)
		}
	}
	return nil
}

func writeProperty(w *wz.Writer, prop wztypes.WzProperty) error {
	switch p := prop.(type) {
	case *wztypes.WzNullProperty:
		w.WriteByte(wz.TagNull)

	case *wztypes.WzShortProperty:
		w.WriteByte(wz.TagShort)
		w.WriteInt16(p.Value)

	case *wztypes.WzIntProperty:
		w.WriteByte(wz.TagInt)
		w.WriteCompressedInt(p.Value)

	case *wztypes.WzLongProperty:
		w.WriteByte(wz.TagLong)
		w.WriteCompressedLong(p.Value)

	case *wztypes.WzFloatProperty:
		w.WriteByte(wz.TagFloat)
		if math.Float32bits(p.Value) == 0 {
			w.WriteByte(0)
		} else {
			w.WriteByte(0x80)
			w.WriteFloat32(p.Value)
		}

	case *wztypes.WzDoubleProperty:
		w.WriteByte(wz.TagDouble)
		w.WriteFloat64(p.Value)

	case *wztypes.WzStringProperty:
		w.WriteByte(wz.TagString)
		return w.WriteStringValue(p.Value, wz.StringInline, wz.StringWithRef)

	case *wztypes.WzSubProperty, *wztypes.WzCanvasProperty, *wztypes.WzVectorProperty,
		*wztypes.WzConvexProperty, *wztypes.WzSoundProperty, *wztypes.WzUOLProperty:
		w.WriteByte(wz.TagExtended)
		lengthPos := w.Pos()
		w.WriteInt32(0)
		if err := writeExtended(w, prop); err != nil {
			return err
		}
		return w.PatchInt32(lengthPos, int32(w.Pos()-lengthPos-4))

	case *wztypes.WzScriptProperty:
		return fmt.Errorf("%w: script property outside a script image", wz.ErrFormat)

	default:
		return fmt.Errorf("%w: unsupported property %T", wz.ErrFormat, prop)
	}
	return nil
}

func writeType(w *wz.Writer, typeName string) error {
	return w.WriteStringValue(typeName, wz.ImageHeaderByte, wz.ImageHeaderByteWithOffset)
}

func writeExtended(w *wz.Writer, prop wztypes.WzProperty) error {
	switch p := prop.(type) {
	case *wztypes.WzSubProperty:
		if err := writeType(w, wz.TypeProperty); err != nil {
			return err
		}
		return writePropertyList(w, p.Properties)

	case *wztypes.WzCanvasProperty:
		if err := writeType(w, wz.TypeCanvas); err != nil {
			return err
		}
		w.WriteByte(0)
		if len(p.Properties) > 0 {
			w.WriteByte(1)
			if err := writePropertyList(w, p.Properties); err != nil {
				return err
			}
		} else {
			w.WriteByte(0)
		}
		w.WriteCompressedInt(p.Bitmap.Width)
		w.WriteCompressedInt(p.Bitmap.Height)
		w.WriteCompressedInt(int32(p.Bitmap.Format))
		w.WriteCompressedInt(p.Bitmap.Format2)
		w.WriteInt32(0)
		data, err := p.Bitmap.Payload.Bytes()
		if err != nil {
			return fmt.Errorf("failed to load canvas payload: %w", err)
		}
		w.WriteInt32(int32(len(data) + 1))
		w.WriteByte(0)
		w.Write(data)

	case *wztypes.WzVectorProperty:
		if err := writeType(w, wz.TypeVector); err != nil {
			return err
		}
		w.WriteCompressedInt(p.X)
		w.WriteCompressedInt(p.Y)

	case *wztypes.WzConvexProperty:
		if err := writeType(w, wz.TypeConvex); err != nil {
			return err
		}
		w.WriteCompressedInt(int32(len(p.Items)))
		for i, item := range p.Items {
			if err := writeExtended(w, item); err != nil {
				return fmt.Errorf("failed to write convex item %d: %w", i, err)
			}
		}

	case *wztypes.WzSoundProperty:
		if err := writeType(w, wz.TypeSound); err != nil {
			return err
		}
		data, err := p.Data.Bytes()
		if err != nil {
			return fmt.Errorf("failed to load sound payload: %w", err)
		}
		w.WriteByte(0)
		w.WriteCompressedInt(int32(len(data)))
		w.WriteCompressedInt(p.Duration)
		w.Write(p.Header)
		w.Write(data)

	case *wztypes.WzUOLProperty:
		if err := writeType(w, wz.TypeUOL); err != nil {
			return err
		}
		w.WriteByte(0)
		return w.WriteStringValue(p.Link, wz.StringInline, wz.StringWithRef)

	default:
		return fmt.Errorf("%w: %s property cannot be stored as an extended value", wz.ErrFormat, prop.GetType())
	}
	return nil
}

// Checksum is the plain byte sum stored next to every image entry.
func Checksum(data []byte) int32 {
	var sum int32
	for _, b := range data {
		sum += int32(b)
	}
	return sum
}

package wztypes

import (
	"path"
	"strconv"
	"strings"
)

// Children returns the child properties of p. Vectors expose their
// components as the Int properties "X" and "Y".
func Children(p WzProperty) []WzProperty {
	switch v := p.(type) {
	case *WzSubProperty:
		return v.Properties
	case *WzCanvasProperty:
		return v.Properties
	case *WzConvexProperty:
		return v.Items
	case *WzVectorProperty:
		return []WzProperty{
			&WzIntProperty{Name: "X", Value: v.X},
			&WzIntProperty{Name: "Y", Value: v.Y},
		}
	default:
		return nil
	}
}

// Find returns the first property in props called name, or nil.
func Find(props []WzProperty, name string) WzProperty {
	for _, p := range props {
		if p.GetName() == name {
			return p
		}
	}
	return nil
}

// Get follows a slash separated path of property names starting at props.
func Get(props []WzProperty, p string) WzProperty {
	var cur WzProperty
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if cur != nil {
			props = Children(cur)
		}
		if cur = Find(props, seg); cur == nil {
			return nil
		}
	}
	return cur
}

// WalkFunc is called for every property visited by Walk with its path
// relative to the walk root.
type WalkFunc func(p string, prop WzProperty) error

// Walk visits props and all of their descendants in preorder.
// Vector components are not visited.
func Walk(props []WzProperty, fn WalkFunc) error {
	return walk("", props, fn)
}

func walk(prefix string, props []WzProperty, fn WalkFunc) error {
	for _, prop := range props {
		p := path.Join(prefix, prop.GetName())
		if err := fn(p, prop); err != nil {
			return err
		}
		if _, ok := prop.(*WzVectorProperty); ok {
			continue
		}
		if err := walk(p, Children(prop), fn); err != nil {
			return err
		}
	}
	return nil
}

// Materialize loads every lazy payload below props into memory.
func Materialize(props []WzProperty) error {
	return Walk(props, func(_ string, prop WzProperty) error {
		switch v := prop.(type) {
		case *WzCanvasProperty:
			if v.Bitmap.Payload != nil {
				return v.Bitmap.Payload.Materialize()
			}
		case *WzSoundProperty:
			if v.Data != nil {
				return v.Data.Materialize()
			}
		case *WzScriptProperty:
			if v.Data != nil {
				return v.Data.Materialize()
			}
		}
		return nil
	})
}

// NameConvexItems names the items of a convex property by index.
func NameConvexItems(items []WzProperty) {
	for i, item := range items {
		name := strconv.Itoa(i)
		switch v := item.(type) {
		case *WzVectorProperty:
			v.Name = name
		case *WzSubProperty:
			v.Name = name
		case *WzCanvasProperty:
			v.Name = name
		case *WzConvexProperty:
			v.Name = name
		case *WzSoundProperty:
			v.Name = name
		case *WzUOLProperty:
			v.Name = name
		}
	}
}

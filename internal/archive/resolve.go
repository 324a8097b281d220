package archive

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/samber/lo"

	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

// Match is one result of Resolve or ResolveRegex. Property is nil for
// directories and images; for properties Node is the enclosing image.
type Match struct {
	Path     string
	Node     NodeID
	Property wztypes.WzProperty
}

type cursor struct {
	path string
	node NodeID
	prop wztypes.WzProperty
}

// Resolve matches a slash separated pattern against the tree. Every
// segment is a path.Match pattern; segments past an image match property
// names inside it. The first segment may name the archive itself.
func (a *Archive) Resolve(pattern string) ([]Match, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	segs := lo.Filter(strings.Split(pattern, "/"), func(s string, _ int) bool { return s != "" })
	if len(segs) > 0 {
		ok, err := a.globArchiveName(segs[0])
		if err != nil {
			return nil, err
		}
		if _, exists := a.child(a.root, segs[0]); ok && !exists {
			segs = segs[1:]
		}
	}

	frontier := []cursor{{path: a.nodes[a.root].Name, node: a.root}}
	for _, seg := range segs {
		var next []cursor
		for _, c := range frontier {
			children, err := a.children(c)
			if err != nil {
				a.logger.Warn("skipping image during resolution", "image", c.path, "error", err)
				continue
			}
			for _, child := range children {
				name := child.name(a)
				ok, err := path.Match(seg, name)
				if err != nil {
					return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
				}
				if ok {
					child.path = c.path + "/" + name
					next = append(next, child)
				}
			}
		}
		frontier = next
	}

	if len(frontier) == 0 {
		return nil, fmt.Errorf("%w: %s", wz.ErrNotFound, pattern)
	}
	return lo.Map(frontier, func(c cursor, _ int) Match {
		return Match{Path: c.path, Node: c.node, Property: c.prop}
	}), nil
}

func (a *Archive) globArchiveName(seg string) (bool, error) {
	for _, name := range []string{a.name, strings.TrimSuffix(a.name, ".wz")} {
		ok, err := path.Match(seg, name)
		if err != nil {
			return false, fmt.Errorf("invalid pattern segment %q: %w", seg, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c cursor) name(a *Archive) string {
	if c.prop != nil {
		return c.prop.GetName()
	}
	return a.nodes[c.node].Name
}

// children lists the cursors below c. Images are parsed on demand.
func (a *Archive) children(c cursor) ([]cursor, error) {
	if c.prop != nil {
		return lo.Map(wztypes.Children(c.prop), func(p wztypes.WzProperty, _ int) cursor {
			return cursor{node: c.node, prop: p}
		}), nil
	}

	n := a.nodes[c.node]
	if n.Kind == KindDirectory {
		return lo.Map(n.Children, func(id NodeID, _ int) cursor {
			return cursor{node: id}
		}), nil
	}

	props, err := a.parseImage(c.node, n, false)
	if err != nil {
		return nil, err
	}
	return lo.Map(props, func(p wztypes.WzProperty, _ int) cursor {
		return cursor{node: c.node, prop: p}
	}), nil
}

// ResolveRegex matches expr against the full path of every directory,
// image and property. Images are parsed to reach their properties.
func (a *Archive) ResolveRegex(expr string) ([]Match, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var matches []Match
	var visit func(c cursor)
	visit = func(c cursor) {
		if re.MatchString(c.path) {
			matches = append(matches, Match{Path: c.path, Node: c.node, Property: c.prop})
		}
		children, err := a.children(c)
		if err != nil {
			a.logger.Warn("skipping image during resolution", "image", c.path, "error", err)
			return
		}
		for _, child := range children {
			child.path = c.path + "/" + child.name(a)
			visit(child)
		}
	}
	visit(cursor{path: a.nodes[a.root].Name, node: a.root})

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", wz.ErrNotFound, expr)
	}
	return matches, nil
}

// Package archive owns the node tree of a WZ archive: it opens files,
// recovers the patch version and cipher, pages images in on demand and
// writes archives back to disk.
package archive

import (
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

// NodeID addresses a node in the arena of an Archive.
type NodeID int

// NoNode is the parent of the root directory.
const NoNode NodeID = -1

// NodeKind tells directories and images apart.
type NodeKind int

const (
	KindDirectory NodeKind = iota
	KindImage
)

func (k NodeKind) String() string {
	switch k {
	case KindDirectory:
		return "Directory"
	case KindImage:
		return "Image"
	default:
		return "Unknown"
	}
}

// ParseState is the lifecycle state of an image.
type ParseState int

const (
	// StateUnparsed images are offset and size descriptors only.
	StateUnparsed ParseState = iota
	// StateParsed images hold a property tree equal to the source bytes.
	StateParsed
	// StateModified images hold an edited, fully materialized tree that
	// must be re-encoded on save.
	StateModified
)

func (s ParseState) String() string {
	switch s {
	case StateUnparsed:
		return "unparsed"
	case StateParsed:
		return "parsed"
	case StateModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Node is a directory or image of the archive tree.
//
// Offset, Size and Checksum describe the node in the source file: the
// entry table of a directory or the data block of an image. They are not
// updated by Save, which lays out its own copy of the tree.
type Node struct {
	Kind     NodeKind
	Name     string
	Parent   NodeID
	Children []NodeID

	Offset   uint32
	Size     int32
	Checksum int32

	// nameOffset is the position of the encrypted entry name in the source.
	nameOffset int64
	removed    bool
	img        *image
}

// image holds the parsed state of one image node. mu serializes parsing
// so that every image reads through its own cursor.
type image struct {
	mu    sync.Mutex
	state ParseState
	props []wztypes.WzProperty
}

// Archive is an opened or newly created WZ archive.
//
// Reading images may happen from several goroutines. Save and the tree
// mutations take the archive exclusively.
type Archive struct {
	mu sync.RWMutex

	name   string
	src    io.ReaderAt
	size   int64
	closer io.Closer
	logger *slog.Logger
	eager  bool

	header        wz.Header
	epoch         wz.Epoch
	versionHeader uint16
	version       int
	versionHash   uint32
	profile       wz.Profile

	nodes []*Node
	root  NodeID
}

// New creates an empty archive that exists only in memory until saved.
func New(name string, opts ...Option) *Archive {
	o := newOptions(opts)
	a := &Archive{
		name:    name,
		logger:  o.logger.With("file", name),
		eager:   o.eager,
		epoch:   o.epoch,
		version: o.version,
		profile: o.profile,
		header: wz.Header{
			Magic:     wz.Magic,
			Copyright: wz.DefaultCopyright,
		},
	}
	if !o.profileSet {
		a.profile = wz.MustProfile("gms")
	}
	if a.version > 0 {
		a.versionHash = wz.VersionHash(a.version)
		a.versionHeader = wz.ObfuscateVersionHash(a.versionHash)
	}
	a.header.BodyOffset = uint32(len(wz.Magic) + 8 + 4 + len(a.header.Copyright) + 1)
	a.root = a.addNode(&Node{Kind: KindDirectory, Name: name, Parent: NoNode})
	return a
}

// Close releases the source file of an archive opened with Open.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// Name returns the archive name, usually the file name.
func (a *Archive) Name() string { return a.name }

// Header returns the header the archive was read with.
func (a *Archive) Header() wz.Header { return a.header }

// Epoch returns the header layout of the source.
func (a *Archive) Epoch() wz.Epoch { return a.epoch }

// Version returns the resolved patch version.
func (a *Archive) Version() int { return a.version }

// VersionHash returns the hash offsets are obfuscated with.
func (a *Archive) VersionHash() uint32 { return a.versionHash }

// EncodingVersion returns the value of the version header of legacy
// archives, or the implicit constant of header-less ones.
func (a *Archive) EncodingVersion() uint16 {
	if a.epoch == wz.EpochHeaderless {
		return wz.HeaderlessEncodingVersion
	}
	return a.versionHeader
}

// Profile returns the cipher profile strings are decrypted with.
func (a *Archive) Profile() wz.Profile { return a.profile }

// Root returns the id of the root directory.
func (a *Archive) Root() NodeID { return a.root }

func (a *Archive) addNode(n *Node) NodeID {
	if n.Kind == KindImage && n.img == nil {
		n.img = &image{}
	}
	a.nodes = append(a.nodes, n)
	id := NodeID(len(a.nodes) - 1)
	if n.Parent != NoNode {
		p := a.nodes[n.Parent]
		p.Children = append(p.Children, id)
	}
	return id
}

func (a *Archive) node(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(a.nodes) || a.nodes[id].removed {
		return nil, fmt.Errorf("%w: node %d", wz.ErrNotFound, id)
	}
	return a.nodes[id], nil
}

// Node returns a copy of the node with the given id.
func (a *Archive) Node(id NodeID) (Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, err := a.node(id)
	if err != nil {
		return Node{}, false
	}
	c := *n
	c.Children = append([]NodeID(nil), n.Children...)
	return c, true
}

// Children returns the entries of a directory in table order.
func (a *Archive) Children(id NodeID) []NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, err := a.node(id)
	if err != nil {
		return nil
	}
	return append([]NodeID(nil), n.Children...)
}

// Path returns the slash separated path of a node, starting with the
// archive name.
func (a *Archive) Path(id NodeID) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.path(id)
}

func (a *Archive) path(id NodeID) string {
	var segs []string
	for id != NoNode {
		n := a.nodes[id]
		segs = append(segs, n.Name)
		id = n.Parent
	}
	slices.Reverse(segs)
	return strings.Join(segs, "/")
}

// Lookup finds a node by its path relative to the root directory.
// A leading archive name is accepted as well unless the root holds an
// entry of that name.
func (a *Archive) Lookup(p string) (NodeID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	segs := lo.Filter(strings.Split(p, "/"), func(s string, _ int) bool { return s != "" })
	if len(segs) > 0 && a.matchesArchiveName(segs[0]) {
		if _, ok := a.child(a.root, segs[0]); !ok {
			segs = segs[1:]
		}
	}

	id := a.root
	for _, seg := range segs {
		child, ok := a.child(id, seg)
		if !ok {
			return NoNode, fmt.Errorf("%w: %s", wz.ErrNotFound, p)
		}
		id = child
	}
	return id, nil
}

func (a *Archive) matchesArchiveName(seg string) bool {
	return seg == a.name || seg == strings.TrimSuffix(a.name, ".wz")
}

func (a *Archive) child(dir NodeID, name string) (NodeID, bool) {
	return lo.Find(a.nodes[dir].Children, func(c NodeID) bool {
		return a.nodes[c].Name == name
	})
}

// Images returns all images in save order: the images of a directory
// before those of its subdirectories.
func (a *Archive) Images() []NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.imagesPreorder(a.root)
}

func (a *Archive) imagesPreorder(dir NodeID) []NodeID {
	var out []NodeID
	children := a.nodes[dir].Children
	for _, c := range children {
		if a.nodes[c].Kind == KindImage {
			out = append(out, c)
		}
	}
	for _, c := range children {
		if a.nodes[c].Kind == KindDirectory {
			out = append(out, a.imagesPreorder(c)...)
		}
	}
	return out
}

// dirsPreorder lists a directory followed by all of its subdirectories in
// the order their entry tables are written.
func (a *Archive) dirsPreorder(dir NodeID) []NodeID {
	out := []NodeID{dir}
	for _, c := range a.nodes[dir].Children {
		if a.nodes[c].Kind == KindDirectory {
			out = append(out, a.dirsPreorder(c)...)
		}
	}
	return out
}

func (a *Archive) checkNewChild(parent NodeID, name string) (*Node, error) {
	p, err := a.node(parent)
	if err != nil {
		return nil, err
	}
	if p.Kind != KindDirectory {
		return nil, fmt.Errorf("%s is not a directory", a.path(parent))
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid entry name %q", name)
	}
	if _, ok := a.child(parent, name); ok {
		return nil, fmt.Errorf("%s already exists", path.Join(a.path(parent), name))
	}
	return p, nil
}

// AddDirectory creates an empty directory below parent.
func (a *Archive) AddDirectory(parent NodeID, name string) (NodeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.checkNewChild(parent, name); err != nil {
		return NoNode, err
	}
	return a.addNode(&Node{Kind: KindDirectory, Name: name, Parent: parent}), nil
}

// AddImage creates an image below parent holding props. The image is
// Modified until the archive is saved and reopened.
func (a *Archive) AddImage(parent NodeID, name string, props []wztypes.WzProperty) (NodeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.checkNewChild(parent, name); err != nil {
		return NoNode, err
	}
	if err := wztypes.Materialize(props); err != nil {
		return NoNode, err
	}
	return a.addNode(&Node{
		Kind:   KindImage,
		Name:   name,
		Parent: parent,
		img:    &image{state: StateModified, props: props},
	}), nil
}

// Remove detaches a node and its descendants from the tree.
func (a *Archive) Remove(id NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.node(id)
	if err != nil {
		return err
	}
	if id == a.root {
		return fmt.Errorf("cannot remove the root directory")
	}
	p := a.nodes[n.Parent]
	p.Children = lo.Without(p.Children, id)
	a.markRemoved(id)
	return nil
}

func (a *Archive) markRemoved(id NodeID) {
	n := a.nodes[id]
	n.removed = true
	for _, c := range n.Children {
		a.markRemoved(c)
	}
}

// Rename changes the name of a node. Renaming the root renames the archive.
func (a *Archive) Rename(id NodeID, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.node(id)
	if err != nil {
		return err
	}
	if id == a.root {
		n.Name, a.name = name, name
		return nil
	}
	if _, err := a.checkNewChild(n.Parent, name); err != nil {
		return err
	}
	n.Name = name
	return nil
}

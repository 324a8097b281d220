package wz

import "errors"

// Error taxonomy shared by the parser, the archive controller and the CLI.
// Callers test with errors.Is; the concrete message is wrapped around these.
var (
	// ErrFormat reports structurally invalid data: bad magic, unknown tags,
	// unknown extended type names, offsets outside the file.
	ErrFormat = errors.New("invalid WZ format")

	// ErrVersionRecovery reports that no candidate patch version produced a
	// structurally valid directory tree.
	ErrVersionRecovery = errors.New("unable to determine WZ patch version")

	// ErrNotFound reports a path that does not resolve to any node.
	ErrNotFound = errors.New("WZ path not found")

	// ErrIO reports a failure writing an archive to disk.
	ErrIO = errors.New("WZ write failed")

	// ErrImageModified is returned when discarding the tree of an image
	// whose edits have not been saved yet.
	ErrImageModified = errors.New("image has unsaved modifications")
)

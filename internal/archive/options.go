package archive

import (
	"log/slog"

	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/wz"
)

// Option configures Open, OpenReader, OpenImage and New.
type Option func(*options)

type options struct {
	profile    wz.Profile
	profileSet bool
	version    int
	seeds      []int
	maxVersion int
	epoch      wz.Epoch
	logger     *slog.Logger
	eager      bool

	clientFs   afero.Fs
	clientPath string
}

func newOptions(opts []Option) *options {
	o := &options{
		maxVersion: wz.MaxPatchVersion,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithProfile sets the cipher profile. Without it the profile is detected
// from the root entry names.
func WithProfile(p wz.Profile) Option {
	return func(o *options) {
		o.profile = p
		o.profileSet = true
	}
}

// WithVersion skips the patch version search.
func WithVersion(v int) Option {
	return func(o *options) { o.version = v }
}

// WithVersionSeeds tries the given patch versions before the ascending
// search.
func WithVersionSeeds(v ...int) Option {
	return func(o *options) { o.seeds = append(o.seeds, v...) }
}

// WithMaxVersion bounds the patch version search.
func WithMaxVersion(v int) Option {
	return func(o *options) { o.maxVersion = v }
}

// WithEpoch sets the header layout of a new archive.
func WithEpoch(e wz.Epoch) Option {
	return func(o *options) { o.epoch = e }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEagerPayloads loads canvas and sound payloads while parsing instead
// of reading them from the source on demand.
func WithEagerPayloads() Option {
	return func(o *options) { o.eager = true }
}

// WithClientExecutable seeds the version search with the file version of
// the game client at path.
func WithClientExecutable(fs afero.Fs, path string) Option {
	return func(o *options) {
		o.clientFs = fs
		o.clientPath = path
	}
}

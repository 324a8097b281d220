package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/ossyrian/mintywz/internal/wz"
)

// Config holds app configuration
type Config struct {
	// GameRegion is the MapleStory region whose cipher the archives use
	// (gms, ems, bms). Empty means detect it from the entry names.
	GameRegion string `mapstructure:"game_region"`

	// GameVersion is the MapleStory patch version number (e.g. "83", "176").
	// Used to calculate the version hash for offset decryption.
	// If not provided, it is recovered by trying every candidate.
	GameVersion string `mapstructure:"game_version"`

	// CustomIV and CustomKey override the region cipher. Both are hex.
	CustomIV  string `mapstructure:"custom_iv"`
	CustomKey string `mapstructure:"custom_key"`

	// ClientExecutable seeds the version search with the client's file version.
	ClientExecutable string `mapstructure:"client_exe"`
	MaxVersion       int    `mapstructure:"max_version"`

	InputFiles       []string `mapstructure:"input"`
	OutputFile       string   `mapstructure:"output"`
	OutputFormat     string   `mapstructure:"format"`
	Compression      string   `mapstructure:"compression"`
	SpritesOutputDir string   `mapstructure:"sprites_dir"`

	// Repack settings. Empty values keep those of the source archive.
	Epoch         string `mapstructure:"epoch"`
	TargetRegion  string `mapstructure:"target_region"`
	TargetVersion string `mapstructure:"target_version"`

	// IV search range and parallelism.
	IVStart int64 `mapstructure:"iv_start"`
	IVEnd   int64 `mapstructure:"iv_end"`
	Workers int   `mapstructure:"workers"`

	DryRun       bool   `mapstructure:"dry_run"`
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"`
}

// Version parses GameVersion. Zero means unknown.
func (c *Config) Version() (int, error) {
	return parseVersion(c.GameVersion)
}

// TargetPatchVersion parses TargetVersion. Zero means keep the source version.
func (c *Config) TargetPatchVersion() (int, error) {
	return parseVersion(c.TargetVersion)
}

func parseVersion(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	v, err := cast.ToIntE(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid patch version %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid patch version %q", s)
	}
	return v, nil
}

// Profile returns the configured cipher profile. ok is false when the
// profile should be detected instead.
func (c *Config) Profile() (p wz.Profile, ok bool, err error) {
	if c.CustomIV != "" || c.CustomKey != "" {
		p, err = customProfile(c.CustomIV, c.CustomKey)
		return p, err == nil, err
	}
	if c.GameRegion == "" {
		return wz.Profile{}, false, nil
	}
	p, err = wz.ProfileFor(strings.ToLower(c.GameRegion))
	return p, err == nil, err
}

// TargetProfile returns the cipher profile to repack with. ok is false when
// the source profile should be kept.
func (c *Config) TargetProfile() (p wz.Profile, ok bool, err error) {
	if c.TargetRegion == "" {
		return wz.Profile{}, false, nil
	}
	p, err = wz.ProfileFor(strings.ToLower(c.TargetRegion))
	return p, err == nil, err
}

// AESKey returns the custom AES key, or the trimmed user key when none is set.
func (c *Config) AESKey() ([32]byte, error) {
	var key [32]byte
	if c.CustomKey == "" {
		return wz.TrimmedUserKey(), nil
	}
	b, err := hex.DecodeString(c.CustomKey)
	if err != nil || len(b) != len(key) {
		return key, fmt.Errorf("custom key must be %d hex encoded bytes", len(key))
	}
	copy(key[:], b)
	return key, nil
}

func customProfile(ivHex, keyHex string) (wz.Profile, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return wz.Profile{}, fmt.Errorf("invalid custom IV: %w", err)
	}
	var key []byte
	if keyHex != "" {
		if key, err = hex.DecodeString(keyHex); err != nil {
			return wz.Profile{}, fmt.Errorf("invalid custom key: %w", err)
		}
	}
	return wz.NewCustomProfile(iv, key)
}

package config_test

import (
	"strings"
	"testing"

	"github.com/ossyrian/mintywz/internal/config"
	"github.com/ossyrian/mintywz/internal/wz"
)

func TestConfig_Version(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "83", want: 83},
		{in: " 176 ", want: 176},
		{in: "v83", wantErr: true},
		{in: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := &config.Config{GameVersion: tt.in}
			got, err := c.Version()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Version() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Version() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConfig_Profile(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantOK  bool
		wantIV  [4]byte
		wantErr bool
	}{
		{name: "detect", cfg: config.Config{}},
		{name: "region", cfg: config.Config{GameRegion: "GMS"}, wantOK: true, wantIV: wz.MustProfile("gms").IV},
		{name: "unknown region", cfg: config.Config{GameRegion: "xms"}, wantErr: true},
		{name: "custom iv", cfg: config.Config{CustomIV: "01020304"}, wantOK: true, wantIV: [4]byte{1, 2, 3, 4}},
		{name: "short iv", cfg: config.Config{CustomIV: "0102"}, wantErr: true},
		{name: "short key", cfg: config.Config{CustomIV: "01020304", CustomKey: "00ff"}, wantErr: true},
		{name: "full key", cfg: config.Config{CustomIV: "01020304", CustomKey: strings.Repeat("ab", 32)}, wantOK: true, wantIV: [4]byte{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok, err := tt.cfg.Profile()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Profile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Errorf("Profile() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && p.IV != tt.wantIV {
				t.Errorf("Profile() IV = %x, want %x", p.IV, tt.wantIV)
			}
		})
	}
}

func TestConfig_AESKey(t *testing.T) {
	c := &config.Config{}
	key, err := c.AESKey()
	if err != nil || key != wz.TrimmedUserKey() {
		t.Errorf("AESKey() = %x, %v, want the trimmed user key", key, err)
	}

	c.CustomKey = "zz"
	if _, err := c.AESKey(); err == nil {
		t.Error("AESKey() accepted an invalid key")
	}
}

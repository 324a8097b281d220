package wz_test

import (
	"bytes"
	"testing"

	"github.com/ossyrian/mintywz/internal/wz"
)

func TestVersionHash(t *testing.T) {
	tests := []struct {
		version  int
		wantHash uint32
		wantEnc  uint16
	}{
		{version: 83, wantHash: 1876, wantEnc: 172},
		{version: 1, wantHash: 50, wantEnc: 0xFF ^ 50},
		{version: 777, wantHash: ((56*32)+56)*32 + 56},
	}

	for _, tt := range tests {
		got := wz.VersionHash(tt.version)
		if got != tt.wantHash {
			t.Errorf("VersionHash(%d) = %d, want %d", tt.version, got, tt.wantHash)
		}
		if tt.wantEnc != 0 {
			if enc := wz.ObfuscateVersionHash(got); enc != tt.wantEnc {
				t.Errorf("ObfuscateVersionHash(%d) = %d, want %d", got, enc, tt.wantEnc)
			}
		}
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		pos       uint32
		dataStart uint32
		version   int
		offset    uint32
	}{
		{name: "small archive", pos: 62, dataStart: 60, version: 83, offset: 120},
		{name: "large offset", pos: 4096, dataStart: 60, version: 176, offset: 0x7FFF0000},
		{name: "headerless", pos: 60, dataStart: 60, version: 777, offset: 61},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := wz.VersionHash(tt.version)
			enc := wz.EncryptOffset(tt.pos, tt.dataStart, hash, tt.offset)
			got := wz.DecryptOffset(tt.pos, tt.dataStart, hash, enc)
			if got != tt.offset {
				t.Errorf("DecryptOffset(EncryptOffset(%d)) = %d", tt.offset, got)
			}
		})
	}
}

func TestKeyStream(t *testing.T) {
	gms := wz.MustProfile("gms")

	t.Run("zero IV yields zero stream", func(t *testing.T) {
		stream := wz.Keystream([4]byte{}, wz.TrimmedUserKey(), 64)
		if !bytes.Equal(stream, make([]byte, 64)) {
			t.Errorf("Keystream(zero IV) = %x, want zeros", stream)
		}
	})

	t.Run("growing keeps the prefix", func(t *testing.T) {
		short := append([]byte(nil), wz.Keystream(gms.IV, gms.Key, 20)...)
		long := gms.Keystream().Bytes(wz.KeyBatchSize + 100)
		if !bytes.Equal(short, long[:20]) {
			t.Errorf("prefix changed after expansion: %x vs %x", short, long[:20])
		}
		if bytes.Equal(short, make([]byte, 20)) {
			t.Error("gms key stream is all zeros")
		}
	})

	t.Run("shared stream per profile", func(t *testing.T) {
		if gms.Keystream() != wz.MustProfile("gms").Keystream() {
			t.Error("KeyFor returned different streams for the same profile")
		}
	})

	t.Run("XOR is symmetric", func(t *testing.T) {
		plain := []byte("Script/quest.lua contents")
		buf := append([]byte(nil), plain...)
		k := gms.Keystream()
		k.XOR(buf, buf)
		if bytes.Equal(buf, plain) {
			t.Fatal("XOR left data unchanged")
		}
		k.XOR(buf, buf)
		if !bytes.Equal(buf, plain) {
			t.Errorf("XOR twice = %q, want %q", buf, plain)
		}
	})
}

func TestProfiles(t *testing.T) {
	ems := wz.MustProfile("ems")
	msea := wz.MustProfile("msea")
	if !ems.SameCipher(msea) {
		t.Error("ems and msea should share a cipher")
	}
	if ems.SameCipher(wz.MustProfile("gms")) {
		t.Error("ems and gms should not share a cipher")
	}

	if _, err := wz.ProfileFor("nope"); err == nil {
		t.Error("ProfileFor(unknown) succeeded unexpectedly")
	}

	custom, err := wz.NewCustomProfile([]byte{1, 2, 3, 4}, nil)
	if err != nil {
		t.Fatalf("NewCustomProfile() failed: %v", err)
	}
	if custom.IV != [4]byte{1, 2, 3, 4} || custom.Key != wz.TrimmedUserKey() {
		t.Errorf("NewCustomProfile() = %+v", custom)
	}
	if _, err := wz.NewCustomProfile([]byte{1, 2}, nil); err == nil {
		t.Error("NewCustomProfile(short IV) succeeded unexpectedly")
	}
	if _, err := wz.NewCustomProfile([]byte{1, 2, 3, 4}, make([]byte, 16)); err == nil {
		t.Error("NewCustomProfile(short key) succeeded unexpectedly")
	}
}

func TestTrimmedUserKey(t *testing.T) {
	key := wz.TrimmedUserKey()
	want := []byte{0x13, 0x08, 0x06, 0xB4, 0x1B, 0x0F, 0x33, 0x52}
	for i, b := range want {
		if key[i*4] != b {
			t.Errorf("key[%d] = 0x%02X, want 0x%02X", i*4, key[i*4], b)
		}
		for j := 1; j < 4; j++ {
			if key[i*4+j] != 0 {
				t.Errorf("key[%d] = 0x%02X, want 0", i*4+j, key[i*4+j])
			}
		}
	}
}

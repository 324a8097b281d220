package wz

import (
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Constants for WZ encryption
const (
	// OffsetConstant is used in WZ offset obfuscation.
	OffsetConstant = 0x581C3F6D

	// KeyBatchSize is the size in bytes of each key expansion batch.
	// Keys are generated lazily in 4096-byte chunks to avoid allocating
	// the entire key stream upfront.
	KeyBatchSize = 4096
)

// UserKey is the 128-byte AES constant used by MapleStory.
// This is the default key extracted from the MapleStory client.
var UserKey = [128]byte{
	0x13, 0x00, 0x00, 0x00, 0x52, 0x00, 0x00, 0x00, 0x2A, 0x00, 0x00, 0x00, 0x5B, 0x00, 0x00, 0x00,
	0x08, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00,
	0x06, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x43, 0x00, 0x00, 0x00, 0x0F, 0x00, 0x00, 0x00,
	0xB4, 0x00, 0x00, 0x00, 0x4B, 0x00, 0x00, 0x00, 0x35, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00,
	0x1B, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x5F, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00,
	0x0F, 0x00, 0x00, 0x00, 0x50, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x1B, 0x00, 0x00, 0x00,
	0x33, 0x00, 0x00, 0x00, 0x55, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00,
	0x52, 0x00, 0x00, 0x00, 0xDE, 0x00, 0x00, 0x00, 0xC7, 0x00, 0x00, 0x00, 0x1E, 0x00, 0x00, 0x00,
}

// TrimmedUserKey derives the 32-byte AES generator key from UserKey.
// Every 16th byte of UserKey lands at aesKey[0, 4, 8, ..., 28];
// the remaining 24 bytes are zero.
func TrimmedUserKey() [32]byte {
	var aesKey [32]byte
	for i := 0; i < 128; i += 16 {
		aesKey[i/4] = UserKey[i]
	}
	return aesKey
}

// Key generates and caches the WZ key stream for one IV and generator key.
//
// Key generation process:
//  1. Create a 16-byte initial block by repeating the 4-byte IV (IV, IV, IV, IV)
//  2. Encrypt the initial block with AES-256 ECB to get the first 16 bytes of key stream
//  3. Use the previous 16 bytes as input to generate the next 16 bytes
//  4. Repeat until the desired key length is reached
//
// If the IV is all zeros the key stream is all zeros (BMS/Classic).
//
// The stream only ever grows. A Key is safe for concurrent use.
type Key struct {
	iv     [4]byte
	aesKey [32]byte

	mu      sync.RWMutex
	keyData []byte
}

// NewKey creates an uncached key stream generator.
func NewKey(iv [4]byte, aesKey [32]byte) *Key {
	return &Key{iv: iv, aesKey: aesKey}
}

type keyringID struct {
	iv  [4]byte
	key [32]byte
}

var keyring sync.Map // keyringID -> *Key

// KeyFor returns the shared key stream for iv and aesKey, creating it on
// first use. Streams already expanded by earlier callers are reused.
func KeyFor(iv [4]byte, aesKey [32]byte) *Key {
	id := keyringID{iv: iv, key: aesKey}
	if k, ok := keyring.Load(id); ok {
		return k.(*Key)
	}
	k, _ := keyring.LoadOrStore(id, NewKey(iv, aesKey))
	return k.(*Key)
}

// Keystream returns the first length bytes of the stream for iv and aesKey
// without touching the shared cache. Only the blocks covering length are
// computed, which keeps throwaway candidates cheap.
func Keystream(iv [4]byte, aesKey [32]byte, length int) []byte {
	k := NewKey(iv, aesKey)
	k.generate(((length + 15) / 16) * 16)
	return k.keyData[:length]
}

// IV returns the initialization vector of the stream.
func (k *Key) IV() [4]byte { return k.iv }

// ByteAt returns the key byte at the given index.
// If the key stream has not been generated up to this index,
// it will be expanded automatically.
func (k *Key) ByteAt(index int) byte {
	return k.Bytes(index + 1)[index]
}

// Bytes returns the first n bytes of the key stream.
// The returned slice must not be modified.
func (k *Key) Bytes(n int) []byte {
	k.mu.RLock()
	if len(k.keyData) >= n {
		data := k.keyData[:n]
		k.mu.RUnlock()
		return data
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.expandTo(n)
	return k.keyData[:n]
}

// XOR (de)obfuscates src into dst with the key stream. Both directions are
// the same operation. dst and src may overlap entirely.
func (k *Key) XOR(dst, src []byte) {
	stream := k.Bytes(len(src))
	for i := range src {
		dst[i] = src[i] ^ stream[i]
	}
}

// expandTo expands the key stream to at least size bytes.
// Caller must hold the write lock.
func (k *Key) expandTo(size int) {
	if len(k.keyData) >= size {
		return
	}

	// Round up to next batch boundary
	k.generate(((size + KeyBatchSize - 1) / KeyBatchSize) * KeyBatchSize)
}

// generate grows keyData to exactly newSize bytes, a multiple of 16.
func (k *Key) generate(newSize int) {
	if k.iv == [4]byte{} {
		k.keyData = make([]byte, newSize)
		return
	}

	newData := make([]byte, newSize)
	startIndex := copy(newData, k.keyData)

	block, err := aes.NewCipher(k.aesKey[:])
	if err != nil {
		// This should never happen with a valid 32-byte key
		panic(fmt.Sprintf("failed to create AES cipher: %v", err))
	}

	input := make([]byte, 16)
	for i := startIndex; i < newSize; i += 16 {
		if i == 0 {
			for j := 0; j < 16; j++ {
				input[j] = k.iv[j%4]
			}
		} else {
			copy(input, newData[i-16:i])
		}
		block.Encrypt(newData[i:i+16], input)
	}

	k.keyData = newData
}

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// DecryptString decrypts the payload of a WZ string.
//
// Wide strings are UTF-16LE; every code unit is XORed with an incrementing
// mask starting at 0xAAAA and with the key stream word at 2*i.
// Narrow strings are Latin-1; every byte is XORed with an incrementing mask
// starting at 0xAA and with the key stream byte at i.
func (k *Key) DecryptString(encrypted []byte, wide bool) (string, error) {
	return DecryptStringWith(k.Bytes(len(encrypted)), encrypted, wide)
}

// DecryptStringWith is DecryptString with an explicit key stream, which
// must be at least as long as encrypted.
func DecryptStringWith(stream, encrypted []byte, wide bool) (string, error) {
	if wide {
		units := len(encrypted) / 2
		plain := make([]byte, units*2)
		mask := uint16(0xAAAA)
		for i := 0; i < units; i++ {
			c := binary.LittleEndian.Uint16(encrypted[i*2:])
			c ^= mask
			c ^= uint16(stream[i*2+1])<<8 | uint16(stream[i*2])
			binary.LittleEndian.PutUint16(plain[i*2:], c)
			mask++
		}
		decoded, err := utf16LE.NewDecoder().Bytes(plain)
		if err != nil {
			return "", fmt.Errorf("failed to decode wide string: %w", err)
		}
		return string(decoded), nil
	}

	plain := make([]byte, len(encrypted))
	mask := byte(0xAA)
	for i := range encrypted {
		plain[i] = encrypted[i] ^ mask ^ stream[i]
		mask++
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(plain)
	if err != nil {
		return "", fmt.Errorf("failed to decode narrow string: %w", err)
	}
	return string(decoded), nil
}

// EncryptString is the inverse of DecryptString. It picks the wide encoding
// when any rune is outside 7-bit ASCII and returns the encrypted payload
// together with the length in characters (UTF-16 units for wide strings).
func (k *Key) EncryptString(s string) (data []byte, wide bool, length int, err error) {
	wide = IsWide(s)
	if wide {
		plain, err := utf16LE.NewEncoder().Bytes([]byte(s))
		if err != nil {
			return nil, false, 0, fmt.Errorf("failed to encode wide string: %w", err)
		}
		units := len(plain) / 2
		stream := k.Bytes(units * 2)
		mask := uint16(0xAAAA)
		for i := 0; i < units; i++ {
			c := binary.LittleEndian.Uint16(plain[i*2:])
			c ^= uint16(stream[i*2+1])<<8 | uint16(stream[i*2])
			c ^= mask
			binary.LittleEndian.PutUint16(plain[i*2:], c)
			mask++
		}
		return plain, true, units, nil
	}

	data = []byte(s)
	stream := k.Bytes(len(data))
	mask := byte(0xAA)
	for i := range data {
		data[i] ^= stream[i] ^ mask
		mask++
	}
	return data, false, len(data), nil
}

// IsWide reports whether s needs the UTF-16 string encoding.
func IsWide(s string) bool {
	for _, r := range s {
		if r > 0x7F {
			return true
		}
	}
	return false
}

// Profile is the cipher material used to (de)obfuscate strings and blobs
// of one archive. Profiles are plain values; pass them explicitly to open
// and save instead of relying on process-wide state.
type Profile struct {
	Name string
	IV   [4]byte
	Key  [32]byte
}

// Keystream returns the cached key stream of the profile.
func (p Profile) Keystream() *Key {
	return KeyFor(p.IV, p.Key)
}

// SameCipher reports whether both profiles produce the same key stream.
func (p Profile) SameCipher(o Profile) bool {
	return p.IV == o.IV && p.Key == o.Key
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(%s)", p.Name, hex.EncodeToString(p.IV[:]))
}

var regionIVs = map[string][4]byte{
	"gms":     {0x4D, 0x23, 0xC7, 0x2B},
	"ems":     {0xB9, 0x7D, 0x63, 0xE9},
	"msea":    {0xB9, 0x7D, 0x63, 0xE9},
	"kms":     {0xB9, 0x7D, 0x63, 0xE9},
	"sea":     {0x2E, 0x23, 0x12, 0x61},
	"tms":     {0x2E, 0x12, 0x61, 0x9A},
	"bms":     {0x00, 0x00, 0x00, 0x00},
	"classic": {0x00, 0x00, 0x00, 0x00},
	"none":    {0x00, 0x00, 0x00, 0x00},
}

// ProfileFor returns the built-in profile of a game region.
// The "custom" region has no built-in material, see NewCustomProfile.
func ProfileFor(region string) (Profile, error) {
	iv, ok := regionIVs[region]
	if !ok {
		return Profile{}, fmt.Errorf("unknown game region: %s", region)
	}
	return Profile{Name: region, IV: iv, Key: TrimmedUserKey()}, nil
}

// MustProfile is ProfileFor for regions known at compile time.
func MustProfile(region string) Profile {
	p, err := ProfileFor(region)
	if err != nil {
		panic(err)
	}
	return p
}

// NewCustomProfile builds a profile from an explicit 4-byte IV and a
// 32-byte generator key. A nil key selects the default trimmed user key.
func NewCustomProfile(iv, key []byte) (Profile, error) {
	if len(iv) != 4 {
		return Profile{}, fmt.Errorf("custom IV must be 4 bytes, got %d", len(iv))
	}
	p := Profile{Name: "custom", Key: TrimmedUserKey()}
	copy(p.IV[:], iv)
	if key != nil {
		if len(key) != 32 {
			return Profile{}, fmt.Errorf("custom key must be 32 bytes, got %d", len(key))
		}
		copy(p.Key[:], key)
	}
	return p, nil
}

// Regions lists the names accepted by ProfileFor.
func Regions() []string {
	names := lo.Keys(regionIVs)
	slices.Sort(names)
	return names
}

// ScriptProfile is the profile script (.lua) images are obfuscated with.
func ScriptProfile() Profile {
	return MustProfile("ems")
}

// rotateLeft performs a left bitwise rotation on a 32-bit unsigned integer.
func rotateLeft(x uint32, n byte) uint32 {
	n &= 0x1F
	return (x << n) | (x >> (32 - n))
}

// offsetKey is the position dependent part of offset obfuscation.
func offsetKey(pos, dataStart, versionHash uint32) uint32 {
	k := (pos - dataStart) ^ 0xFFFFFFFF
	k *= versionHash
	k -= OffsetConstant
	return rotateLeft(k, byte(k&0x1F))
}

// DecryptOffset decrypts a WZ file offset using the version hash.
//
// The decryption algorithm:
//  1. Calculate: (pos - dataStart) XOR 0xFFFFFFFF
//  2. Multiply by version hash
//  3. Subtract constant: 0x581C3F6D
//  4. Rotate left by (result & 0x1F) bits
//  5. XOR with the encrypted offset read from file
//  6. Add dataStart × 2
//
// pos is the file position the 4 encrypted bytes were read from.
func DecryptOffset(pos, dataStart, versionHash, encrypted uint32) uint32 {
	return (offsetKey(pos, dataStart, versionHash) ^ encrypted) + dataStart*2
}

// EncryptOffset is the inverse of DecryptOffset.
func EncryptOffset(pos, dataStart, versionHash, offset uint32) uint32 {
	return offsetKey(pos, dataStart, versionHash) ^ (offset - dataStart*2)
}

// VersionHash calculates the version hash from a MapleStory patch version.
//
//	hash = 0
//	for each decimal digit:
//	  hash = (hash * 32) + ASCII_value + 1
func VersionHash(version int) uint32 {
	hash := uint32(0)
	for _, ch := range strconv.Itoa(version) {
		hash = (hash * 32) + uint32(ch) + 1
	}
	return hash
}

// ObfuscateVersionHash returns the verification value stored in the
// header of legacy archives: 0xFF XOR the four octets of the hash.
func ObfuscateVersionHash(hash uint32) uint16 {
	b1 := byte(hash & 0xFF)
	b2 := byte((hash >> 8) & 0xFF)
	b3 := byte((hash >> 16) & 0xFF)
	b4 := byte((hash >> 24) & 0xFF)

	return uint16(0xFF ^ b1 ^ b2 ^ b3 ^ b4)
}

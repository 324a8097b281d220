package wz

// Magic is the magic number identifying valid WZ files ("PKG1")
var Magic = [4]byte{'P', 'K', 'G', '1'}

// DefaultCopyright is written into the header of newly created archives.
const DefaultCopyright = "Package file v1.0 Copyright 2002 Wizet, ZMS"

// Epoch identifies the header layout of a WZ file.
type Epoch int

const (
	// EpochLegacy files store a 2-byte encoding version right after the
	// header. Its value is the verification byte of the patch version hash.
	EpochLegacy Epoch = iota
	// EpochHeaderless files (64-bit clients) start the root entry table
	// directly at the data start offset.
	EpochHeaderless
)

func (e Epoch) String() string {
	switch e {
	case EpochLegacy:
		return "legacy"
	case EpochHeaderless:
		return "headerless"
	default:
		return "unknown"
	}
}

// ParseEpoch converts the textual form used in configuration into an Epoch.
func ParseEpoch(s string) (Epoch, bool) {
	switch s {
	case "legacy", "":
		return EpochLegacy, true
	case "headerless", "64bit":
		return EpochHeaderless, true
	default:
		return 0, false
	}
}

const (
	// HeaderlessEncodingVersion is the implicit encoding version of
	// header-less archives.
	HeaderlessEncodingVersion = 777

	// MaxPatchVersion bounds the patch version search.
	MaxPatchVersion = 1000

	// CollidingPatchVersion produces a hash that verifies against directories
	// without images (MSEA v194 Map001.wz) but fails to decode afterwards.
	CollidingPatchVersion = 113
)

// Image and extended block header bytes.
const (
	ImageHeaderByte           = 0x73 // type name stored inline
	ImageHeaderByteWithOffset = 0x1B // type name stored as a back-reference
	ScriptHeaderByte          = 0x01 // single-blob script image

	// property names and string values
	StringInline    = 0x00
	StringWithRef   = 0x01
	ScriptExtension = ".lua"
)

// Property tags in an image property list.
const (
	TagNull     byte = 0
	TagShort    byte = 2
	TagInt      byte = 3
	TagFloat    byte = 4
	TagDouble   byte = 5
	TagString   byte = 8
	TagExtended byte = 9
	TagShortAlt byte = 11
	TagIntAlt   byte = 19
	TagLong     byte = 20
)

// Extended property type names.
const (
	TypeProperty = "Property"
	TypeCanvas   = "Canvas"
	TypeVector   = "Shape2D#Vector2D"
	TypeConvex   = "Shape2D#Convex2D"
	TypeSound    = "Sound_DX8"
	TypeUOL      = "UOL"
)

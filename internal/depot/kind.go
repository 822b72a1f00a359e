package depot

import "fmt"

// FileKind classifies one file within an artifact version. Binary and
// Resource carry payload content; Info carries metadata about the artifact
// and never contributes to content fingerprints.
type FileKind byte

const (
	KindBinary   FileKind = 'a'
	KindResource FileKind = 'r'
	KindInfo     FileKind = 'i'
)

// KindOrder is the canonical kind ordering used for fingerprinting and
// listings.
var KindOrder = [...]FileKind{KindBinary, KindResource, KindInfo}

func (k FileKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindResource:
		return "resource"
	case KindInfo:
		return "info"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Code returns the one-letter wire code used in paths and storage keys.
func (k FileKind) Code() string { return string([]byte{byte(k)}) }

// Valid reports whether k is one of the three known kinds.
func (k FileKind) Valid() bool {
	return k == KindBinary || k == KindResource || k == KindInfo
}

// ParseFileKind decodes a one-letter kind code ("a", "r" or "i").
func ParseFileKind(s string) (FileKind, error) {
	if len(s) == 1 && FileKind(s[0]).Valid() {
		return FileKind(s[0]), nil
	}
	return 0, fmt.Errorf("unknown file kind %q", s)
}

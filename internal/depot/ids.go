package depot

import (
	"encoding/hex"
	"fmt"
)

// Identifier widths in bytes. Together an (ObjectID, VersionHash) pair is
// the cache key for one artifact version.
const (
	ObjectIDSize    = 16
	VersionHashSize = 16
)

// ObjectID identifies a logical artifact. It is opaque to the cache and
// immutable once assigned; equality is byte-exact.
type ObjectID [ObjectIDSize]byte

// VersionHash identifies one content version of an ObjectID.
type VersionHash [VersionHashSize]byte

// String returns the lowercase hex form of the identifier.
func (id ObjectID) String() string { return hex.EncodeToString(id[:]) }

// String returns the lowercase hex form of the hash.
func (h VersionHash) String() string { return hex.EncodeToString(h[:]) }

// ParseObjectID decodes a 32-character hex string.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if err := decodeHexID(id[:], s); err != nil {
		return ObjectID{}, fmt.Errorf("object id: %w", err)
	}
	return id, nil
}

// ParseVersionHash decodes a 32-character hex string.
func ParseVersionHash(s string) (VersionHash, error) {
	var h VersionHash
	if err := decodeHexID(h[:], s); err != nil {
		return VersionHash{}, fmt.Errorf("version hash: %w", err)
	}
	return h, nil
}

func decodeHexID(dst []byte, s string) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("want %d hex characters, got %d", hex.EncodedLen(len(dst)), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

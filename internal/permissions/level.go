package permissions

import (
	"encoding/binary"
	"fmt"
)

const (
	MinLevel Level = 1
	MaxLevel Level = 10
)

// Level is a participant's rank. Higher levels are more trusted for freeze
// purposes; approval thresholds are configured per level independently.
type Level uint8

// Valid reports whether l is within 1..10.
func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// PermsLevel packs a permission set and a level into one token:
// level in bits 16..23, permissions in the low 16 bits.
type PermsLevel uint32

// Pack builds the token hashed into a participant identifier.
func Pack(perms Permission, level Level) (PermsLevel, error) {
	if !level.Valid() {
		return 0, fmt.Errorf("invalid level %d", level)
	}
	return PermsLevel(uint32(level)<<16 | uint32(perms)), nil
}

// MustPack is Pack for compile-time constant inputs.
func MustPack(perms Permission, level Level) PermsLevel {
	pl, err := Pack(perms, level)
	if err != nil {
		panic(err)
	}
	return pl
}

// Permissions extracts the permission bits.
func (pl PermsLevel) Permissions() Permission {
	return Permission(pl & 0xffff)
}

// Level extracts the level.
func (pl PermsLevel) Level() Level {
	return Level(pl >> 16)
}

// Unpack splits the token back into its parts.
func (pl PermsLevel) Unpack() (Permission, Level) {
	return pl.Permissions(), pl.Level()
}

// Bytes is the big-endian 4 byte encoding used for hashing.
func (pl PermsLevel) Bytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(pl))
	return b
}

func (pl PermsLevel) String() string {
	return fmt.Sprintf("%s@%d", pl.Permissions(), pl.Level())
}

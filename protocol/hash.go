package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a truncated destination hash on the mesh.
const HashSize = 16

// DestinationHash identifies a mesh destination (peer or relay).
//
// The zero value means "no destination" and is used wherever a relay can be
// absent (cleared selection, unset outbound relay).
type DestinationHash [HashSize]byte

// ParseDestinationHash parses a lowercase or uppercase hex destination hash.
func ParseDestinationHash(s string) (DestinationHash, error) {
	var h DestinationHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid destination hash %q: %w", s, err)
	}
	return DestinationHashFromBytes(b)
}

// DestinationHashFromBytes validates and copies a raw destination hash.
func DestinationHashFromBytes(b []byte) (DestinationHash, error) {
	var h DestinationHash
	if len(b) != HashSize {
		return h, fmt.Errorf("destination hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h DestinationHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns a truncated hex form for logs.
func (h DestinationHash) Short() string {
	s := h.String()
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

func (h DestinationHash) IsZero() bool {
	var zero DestinationHash
	return h == zero
}

func (h DestinationHash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Compare orders hashes bytewise. Used as the final tie-break when sorting
// candidates so orderings stay deterministic.
func (h DestinationHash) Compare(o DestinationHash) int {
	return bytes.Compare(h[:], o[:])
}

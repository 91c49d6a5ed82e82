// Package key implements the fixed-width address used to name measurement
// log entries.
//
// A Key is a 128-bit unsigned big-endian integer. Byte-wise lexicographic
// order equals numeric order, so the raw bytes can be handed to any store that
// sorts keys. Arithmetic wraps at 2^128.
package key

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// Size is the encoded width of a Key in bytes.
const Size = 16

// Key is a 16-byte big-endian unsigned integer.
type Key [Size]byte

// Zero is the epoch key; an empty log starts here.
var Zero Key

// Max is the all-ones key, the predecessor of Zero.
var Max = Key{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func (k Key) split() (hi, lo uint64) {
	return binary.BigEndian.Uint64(k[:8]), binary.BigEndian.Uint64(k[8:])
}

func join(hi, lo uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[:8], hi)
	binary.BigEndian.PutUint64(k[8:], lo)
	return k
}

// FromUint64 returns the key with numeric value n.
func FromUint64(n uint64) Key {
	return join(0, n)
}

// FromBytes converts a raw 16-byte store key.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("key length %d: %w", len(b), errors.ErrInvalidKey)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, errors.ErrInvalidKey)
	}
	return FromBytes(b)
}

// Bytes returns a copy of the raw key.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// String returns the key as 32 lower-case hex digits.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler so keys log and encode as hex.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Increment returns k+1; Max wraps to Zero.
func (k Key) Increment() Key {
	return k.Add(1)
}

// Decrement returns k-1; Zero wraps to Max.
func (k Key) Decrement() Key {
	hi, lo := k.split()
	lo, borrow := bits.Sub64(lo, 1, 0)
	hi, _ = bits.Sub64(hi, 0, borrow)
	return join(hi, lo)
}

// Add returns k+n modulo 2^128.
func (k Key) Add(n uint64) Key {
	hi, lo := k.split()
	lo, carry := bits.Add64(lo, n, 0)
	hi, _ = bits.Add64(hi, 0, carry)
	return join(hi, lo)
}

// Sub returns the modular distance k-b. The result is only meaningful as an
// iteration bound; it fails with ErrKeyRange when it does not fit an int.
func (k Key) Sub(b Key) (uint64, error) {
	khi, klo := k.split()
	bhi, blo := b.split()
	lo, borrow := bits.Sub64(klo, blo, 0)
	hi, _ := bits.Sub64(khi, bhi, borrow)
	if hi != 0 || lo > math.MaxInt {
		return 0, fmt.Errorf("%s - %s: %w", k, b, errors.ErrKeyRange)
	}
	return lo, nil
}

// Compare returns -1, 0 or +1 by numeric order.
func (k Key) Compare(b Key) int {
	khi, klo := k.split()
	bhi, blo := b.split()
	switch {
	case khi < bhi:
		return -1
	case khi > bhi:
		return 1
	case klo < blo:
		return -1
	case klo > blo:
		return 1
	default:
		return 0
	}
}

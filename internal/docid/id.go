// Package docid implements the DocumentId value type: a 16-byte opaque
// identifier with three lossless external representations (raw bytes,
// base58check string, and an "automerge:" URL), plus a legacy hyphenated
// UUID input form.
package docid

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidDocumentID is returned whenever a URL, base58check string, or
// legacy UUID fails to parse into a valid 16-byte id.
var ErrInvalidDocumentID = errors.New("docid: invalid document id")

// Size is the fixed byte length of a DocumentId.
const Size = 16

// URLPrefix is the scheme prefix of an automerge URL.
const URLPrefix = "automerge:"

// ID is an opaque 16-byte document identifier.
type ID [Size]byte

// New mints a fresh random (v4 UUID) document id.
func New() ID {
	var id ID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// String returns the base58check representation.
func (id ID) String() string {
	return encodeBase58Check(id[:])
}

// URL returns the "automerge:<base58check>" representation.
func (id ID) URL() string {
	return URLPrefix + id.String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse accepts the string representations: an automerge URL, a bare
// base58check string, or (input only) a legacy hyphenated UUID. Raw
// 16-byte buffers go through FromBytes instead. Extra characters anywhere
// in a URL are rejected.
func Parse(s string) (ID, error) {
	if strings.HasPrefix(s, URLPrefix) {
		return parseBase58Check(strings.TrimPrefix(s, URLPrefix))
	}
	if looksLikeHyphenatedUUID(s) {
		u, err := uuid.Parse(s)
		if err != nil {
			return ID{}, fmt.Errorf("%w: legacy uuid: %v", ErrInvalidDocumentID, err)
		}
		var id ID
		copy(id[:], u[:])
		return id, nil
	}
	return parseBase58Check(s)
}

// FromBytes validates and wraps a raw 16-byte buffer.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidDocumentID, Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

func looksLikeHyphenatedUUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

func parseBase58Check(s string) (ID, error) {
	raw, err := decodeBase58Check(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidDocumentID, err)
	}
	return FromBytes(raw)
}

// --- base58check ---
//
// go-ethereum's own CID helpers hand-roll base58 rather than importing a
// third-party codec; this follows that precedent.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func checksum(payload []byte) [4]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

func encodeBase58Check(payload []byte) string {
	cksum := checksum(payload)
	full := make([]byte, 0, len(payload)+4)
	full = append(full, payload...)
	full = append(full, cksum[:]...)
	return base58Encode(full)
}

func decodeBase58Check(s string) ([]byte, error) {
	full, err := base58Decode(s)
	if err != nil {
		return nil, err
	}
	if len(full) < 5 {
		return nil, errors.New("base58check payload too short")
	}
	payload, want := full[:len(full)-4], full[len(full)-4:]
	got := checksum(payload)
	if string(got[:]) != string(want) {
		return nil, errors.New("base58check checksum mismatch")
	}
	return payload, nil
}

func base58Encode(b []byte) string {
	// Count leading zero bytes; each becomes a leading '1'.
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	// big-endian byte slice to base58 digits via repeated division.
	input := append([]byte(nil), b...)
	var out []byte
	for len(input) > 0 {
		var rem byte
		input, rem = divmod58(input)
		out = append(out, base58Alphabet[rem])
		// strip new leading zero bytes produced by the division
		i := 0
		for i < len(input) && input[i] == 0 {
			i++
		}
		input = input[i:]
	}
	for i := 0; i < zeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	reverse(out)
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty base58 string")
	}
	index := make(map[byte]int, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		index[base58Alphabet[i]] = i
	}

	zeros := 0
	for zeros < len(s) && s[zeros] == base58Alphabet[0] {
		zeros++
	}

	// Accumulate into a big-endian byte buffer via repeated multiply-add.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		d, ok := index[s[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base58 character %q", s[i])
		}
		carry := d
		for j := 0; j < len(out); j++ {
			carry += int(out[j]) * 58
			out[j] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			out = append(out, byte(carry&0xff))
			carry >>= 8
		}
	}
	reverse(out)
	result := make([]byte, zeros, zeros+len(out))
	result = append(result, out...)
	return result, nil
}

func divmod58(input []byte) ([]byte, byte) {
	out := make([]byte, len(input))
	rem := 0
	for i, b := range input {
		acc := rem*256 + int(b)
		out[i] = byte(acc / 58)
		rem = acc % 58
	}
	return out, byte(rem)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

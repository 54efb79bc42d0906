package micheline

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// exprPrefix is the base58check version prefix that yields the "expr"
// prefix of script-expression hashes.
var exprPrefix = []byte{0x0d, 0x2c, 0x40, 0x1b}

// ExprHash computes the content-addressed hash under which a string key
// is stored in a big map: the binary packing of the string literal is
// hashed with BLAKE2b-256 and rendered as a base58check "expr..." value.
func ExprHash(key string) string {
	packed := PackString(key)
	digest := blake2b.Sum256(packed)
	return base58CheckEncode(exprPrefix, digest[:])
}

// PackString produces the binary serialization of a Micheline string
// literal: the 0x05 packed-data watermark, the 0x01 string tag and a
// big-endian 4-byte length before the raw bytes.
func PackString(s string) []byte {
	out := make([]byte, 0, len(s)+6)
	out = append(out, 0x05, 0x01)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	out = append(out, length[:]...)
	out = append(out, []byte(s)...)
	return out
}

// base58CheckEncode renders prefix+payload with a 4-byte double-sha256
// checksum appended, in base58.
func base58CheckEncode(prefix, payload []byte) string {
	data := make([]byte, 0, len(prefix)+len(payload)+4)
	data = append(data, prefix...)
	data = append(data, payload...)
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	data = append(data, second[:4]...)
	return base58.Encode(data)
}

package transform

import "lukechampine.com/blake3"

// HashLen is the digest size this engine stores and transmits. blake3's
// 32-byte digest exceeds the spec's 20-byte minimum (spec.md §4.1: "one
// hash (20-byte or larger digest)").
const HashLen = 32

// Hash returns the content hash of buf[:length] — used both as the
// ciphertext tag and, on plaintext, as the convergent key.
func Hash(buf []byte, length int) []byte {
	sum := blake3.Sum256(buf[:length])
	return sum[:]
}

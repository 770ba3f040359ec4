// Package hashutil computes stable, byte-exact content fingerprints for
// vault blobs. The digest algorithm is MD5 because the reference object
// store echoes MD5 back on upload; hashes are treated as opaque lowercase
// hex everywhere else in the core.
package hashutil

import (
	"crypto/md5" //nolint:gosec // digest chosen to match the remote's own content hash, not for security
	"encoding/hex"
	"io"
	"strings"
)

// chunkSize bounds how much of a reader is hashed per Read call, so CPU-bound
// hashing of large files yields to the caller's event loop instead of
// blocking in one long burst.
const chunkSize = 1 << 20 // 1 MiB

// Bytes returns the lowercase hex digest of data.
func Bytes(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Reader streams r in chunkSize pieces and returns the lowercase hex digest
// of the full content. It never buffers more than one chunk in memory.
func Reader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize lowercases a provider-reported hex digest. Adapters may echo
// mixed-case hex; all comparisons in the core must go through this first.
func Normalize(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}

// Equal reports whether two digests are equal once case-normalized. Empty
// strings never compare equal to anything, including each other — an empty
// digest means "unknown", not "matches".
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return Normalize(a) == Normalize(b)
}

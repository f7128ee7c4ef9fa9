// Package fingerprint computes stable, content-addressed identifiers for
// pipeline items.
//
// Two kinds of identifiers are derived from SHA-256:
//   - Digest: the full hex digest of a page's extracted text, used for
//     change detection across re-crawls.
//   - URLKey: a short, filesystem-safe key for a URL, used to name cache
//     files and to namespace chunk identifiers so that re-chunking the same
//     source reproduces the same IDs.
//
// All functions are pure and deterministic.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// URLKeyLength is the number of hex characters kept for a URL key.
// 16 hex chars (64 bits) is short enough for filenames and long enough
// that collisions within a single site are not a practical concern.
const URLKeyLength = 16

// Digest returns the full SHA-256 hex digest of text.
// It is the sole change-detection key for cached page content.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// URLKey returns a short hex key for a URL, suitable for cache filenames
// and chunk ID namespaces.
func URLKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:URLKeyLength]
}

// ChunkID returns the deterministic identifier for the index-th chunk of
// the document at url. Re-chunking the same URL with the same parameters
// always yields the same IDs, which is what makes resume possible without
// re-embedding completed chunks.
func ChunkID(url string, index int) string {
	return URLKey(url) + "_" + strconv.Itoa(index)
}

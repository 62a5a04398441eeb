package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the content-derived digest used for deduplication and
// cache lookup: lowercase hex SHA-256 of the full content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

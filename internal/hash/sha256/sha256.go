// Package sha256 provides SHA-256 hashing for record fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements ingest.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashParts joins the parts with a pipe separator and hashes the result.
// The join order is part of the fingerprint contract and must stay stable
// within an ingest version.
func (h *Hasher) HashParts(parts ...string) (string, error) {
	return h.Hash([]byte(strings.Join(parts, "|")))
}

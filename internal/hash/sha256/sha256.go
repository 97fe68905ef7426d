// Package sha256 provides SHA-256 content digests for symbol files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements crash.Hasher using SHA-256.
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

// Copy streams src into dst and returns the hex digest and byte count of what was copied.
func (h *Hasher) Copy(dst io.Writer, src io.Reader) (string, int64, error) {
	digest := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, digest), src)
	if err != nil {
		return "", n, fmt.Errorf("copy: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), n, nil
}

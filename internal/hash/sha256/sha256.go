// Package sha256 provides streaming SHA-256 digests for media payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

// Hasher implements scraper.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// NewWriter returns a writer that hashes and counts everything written to it.
func (*Hasher) NewWriter() scraper.DigestWriter {
	return &digestWriter{h: sha256.New()}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type digestWriter struct {
	h hash.Hash
	n int64
}

func (w *digestWriter) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *digestWriter) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

func (w *digestWriter) N() int64 {
	return w.n
}

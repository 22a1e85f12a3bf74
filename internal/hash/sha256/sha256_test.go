package sha256

import (
	"io"
	"strings"
	"testing"
)

const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	if got := h.Hash([]byte("hello world")); got != helloWorld {
		t.Fatalf("expected %s, got %s", helloWorld, got)
	}
}

// TestDigestWriterStreams checks chunked writes hash like a single buffer.
func TestDigestWriterStreams(t *testing.T) {
	t.Parallel()

	w := New().NewWriter()
	if _, err := io.Copy(w, strings.NewReader("hello ")); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := io.Copy(w, strings.NewReader("world")); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if w.Sum() != helloWorld {
		t.Fatalf("expected %s, got %s", helloWorld, w.Sum())
	}
	if w.N() != 11 {
		t.Fatalf("expected 11 bytes, got %d", w.N())
	}
}

// Package sha256 computes the digests recorded in snapshot manifests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Hasher implements pipeline.Hasher using SHA-256.
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

// HashReader streams r through SHA-256 and returns the hex digest and byte count.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

// Writer tees writes into a running digest.
type Writer struct {
	w io.Writer
	d hash.Hash
	n int64
}

// NewWriter wraps w so everything written through it is also hashed.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, d: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.d.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.d.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}

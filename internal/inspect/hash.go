// Package inspect reads a finished backing file: it computes the whole-file digest and
// peeks into archives.
package inspect

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// DefaultBufferSize is the read size used when streaming a file.
const DefaultBufferSize = 256 * 1024

// Chunks returns a lazy sequence of the bytes read from r. The yielded slice is reused
// between iterations. A read error is yielded once and ends the sequence; io.EOF ends it
// silently.
func Chunks(r io.Reader, bufSize int) iter.Seq2[[]byte, error] {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, bufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Hash consumes seq and returns the hex SHA-256 of everything it yielded.
func Hash(seq iter.Seq2[[]byte, error]) (string, error) {
	h := sha256.New()
	for b, err := range seq {
		if err != nil {
			return "", fmt.Errorf("reading content: %w", err)
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return Hash(Chunks(f, DefaultBufferSize))
}

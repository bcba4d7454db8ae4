package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrOutOfRange is returned when a chunk write would extend past its allowed limit.
var ErrOutOfRange = errors.New("write exceeds allowed range")

// LocalFileStore keeps one sparse backing file per upload session on the local filesystem.
type LocalFileStore struct {
	uploadDir string
}

// NewLocalFileStore creates a new LocalFileStore rooted at uploadDir.
func NewLocalFileStore(uploadDir string) (*LocalFileStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalFileStore{uploadDir: uploadDir}, nil
}

// Path returns the backing file path for an upload.
func (s *LocalFileStore) Path(uploadID string) string {
	return filepath.Join(s.uploadDir, uploadID+".bin")
}

// WriteAt copies r into the backing file starting at offset. At most limit bytes are
// accepted; if r holds more, ErrOutOfRange is returned. Other regions of the file are
// never truncated. The file is synced before returning so a nil error means the bytes
// are durable.
func (s *LocalFileStore) WriteAt(uploadID string, offset int64, r io.Reader, limit int64) (int64, error) {
	if offset < 0 || limit < 0 {
		return 0, ErrOutOfRange
	}

	f, err := os.OpenFile(s.Path(uploadID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening backing file: %w", err)
	}
	defer f.Close()

	n, err := io.CopyN(io.NewOffsetWriter(f, offset), r, limit)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("writing chunk at offset %d: %w", offset, err)
	}
	if n == limit {
		// The byte past the limit is read but never written.
		var extra [1]byte
		m, err := io.ReadFull(r, extra[:])
		if m > 0 {
			return n + int64(m), fmt.Errorf("%w: more than %d bytes at offset %d", ErrOutOfRange, limit, offset)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("reading chunk at offset %d: %w", offset, err)
		}
	}

	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("syncing backing file: %w", err)
	}

	return n, nil
}

// Open opens the backing file for reading.
func (s *LocalFileStore) Open(uploadID string) (*os.File, error) {
	return os.Open(s.Path(uploadID))
}

// Remove deletes the backing file. A missing file is not an error.
func (s *LocalFileStore) Remove(uploadID string) error {
	if err := os.Remove(s.Path(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting backing file: %w", err)
	}
	return nil
}

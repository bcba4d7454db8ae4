package client

import (
	"fmt"
	"io"
)

// ChunkSource slices a file into fixed-size chunks without loading it.
// Every call to Section returns a fresh reader, so a retried attempt
// re-reads the bytes from disk.
type ChunkSource struct {
	r         io.ReaderAt
	size      int64
	chunkSize int64
}

func NewChunkSource(r io.ReaderAt, size, chunkSize int64) (*ChunkSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative file size %d", size)
	}
	return &ChunkSource{r: r, size: size, chunkSize: chunkSize}, nil
}

func (s *ChunkSource) Size() int64      { return s.size }
func (s *ChunkSource) ChunkSize() int64 { return s.chunkSize }

// TotalChunks is ceil(size / chunkSize); zero for an empty file.
func (s *ChunkSource) TotalChunks() int {
	return int((s.size + s.chunkSize - 1) / s.chunkSize)
}

// Len is the byte length of chunk i; only the last chunk may be short.
func (s *ChunkSource) Len(i int) int64 {
	off := int64(i) * s.chunkSize
	if i < 0 || off >= s.size {
		return 0
	}
	return min(s.chunkSize, s.size-off)
}

func (s *ChunkSource) Section(i int) *io.SectionReader {
	return io.NewSectionReader(s.r, int64(i)*s.chunkSize, s.Len(i))
}

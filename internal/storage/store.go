package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chunkdrop/backend/internal/models"
)

// ErrNotFound is returned when a session or chunk record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionStore is the durable record store for upload sessions and their chunk records.
// It holds no policy: callers decide which transitions are legal, the store only applies
// conditional updates atomically.
type SessionStore interface {
	// CreateSession inserts the session and exactly TotalChunks PENDING chunk records
	// in one batch. Either all records become visible or none do.
	CreateSession(ctx context.Context, session *models.UploadSession) error

	// FindByFile looks a session up by its (filename, totalSize) identity.
	FindByFile(ctx context.Context, filename string, totalSize int64) (*models.UploadSession, error)

	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
	GetChunk(ctx context.Context, uploadID string, index int) (*models.ChunkRecord, error)

	// UploadedChunks returns the sorted indices of chunks in UPLOADED status.
	UploadedChunks(ctx context.Context, uploadID string) ([]int, error)

	// CountPendingChunks returns the number of chunk records not in UPLOADED status.
	CountPendingChunks(ctx context.Context, uploadID string) (int, error)

	// MarkChunkUploaded moves a chunk PENDING -> UPLOADED and refreshes the session's
	// UpdatedAt. It returns false without modifying anything when the chunk was already uploaded.
	MarkChunkUploaded(ctx context.Context, uploadID string, index int, at time.Time) (bool, error)

	// TransitionStatus sets the session status to `to` only if it is currently `from`.
	TransitionStatus(ctx context.Context, uploadID string, from, to models.UploadStatus, at time.Time) (bool, error)

	// CompleteSession moves PROCESSING -> COMPLETED and records the final hash.
	CompleteSession(ctx context.Context, uploadID, finalHash string, at time.Time) (bool, error)

	// FindStale returns UPLOADING sessions whose UpdatedAt is strictly before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error)

	// DeleteChunks and DeleteSession are idempotent.
	DeleteChunks(ctx context.Context, uploadID string) error
	DeleteSession(ctx context.Context, uploadID string) error

	// Ping reports whether the backing database is usable.
	Ping(ctx context.Context) error
	Close() error
}

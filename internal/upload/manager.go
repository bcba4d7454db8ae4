package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/chunkdrop/backend/internal/inspect"
	"github.com/chunkdrop/backend/internal/models"
	"github.com/chunkdrop/backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxChunks    = 100_000
	DefaultMaxChunkSize = 64 * 1024 * 1024
)

// Options configures a Manager.
type Options struct {
	MaxChunks    int
	MaxChunkSize int64
	Logger       *zap.SugaredLogger
}

// Manager owns the upload lifecycle: session creation, chunk writes and finalize.
type Manager struct {
	store storage.SessionStore
	files *storage.LocalFileStore
	log   *zap.SugaredLogger

	maxChunks    int
	maxChunkSize int64

	// Serializes Initiate per (filename, totalSize).
	identityLocks *keyedLocks
	// Chunk writes hold the shared lock. Finalize's gate and the reaper hold it exclusively.
	sessionLocks *keyedLocks
	// Serializes writes of the same (uploadId, chunkIndex).
	chunkLocks *keyedLocks

	now      func() time.Time
	hashFile func(path string) (string, error)
}

// NewManager creates a new upload manager.
func NewManager(store storage.SessionStore, files *storage.LocalFileStore, opts Options) *Manager {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	return &Manager{
		store:         store,
		files:         files,
		log:           opts.Logger,
		maxChunks:     opts.MaxChunks,
		maxChunkSize:  opts.MaxChunkSize,
		identityLocks: newKeyedLocks(),
		sessionLocks:  newKeyedLocks(),
		chunkLocks:    newKeyedLocks(),
		now:           time.Now,
		hashFile:      inspect.HashFile,
	}
}

// InitRequest is a validated request to start or resume an upload.
type InitRequest struct {
	Filename    string
	TotalSize   int64
	TotalChunks int
}

// InitResult tells the client which session to use and which chunks it can skip.
type InitResult struct {
	UploadID       string `json:"uploadId"`
	UploadedChunks []int  `json:"uploadedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Resumed        bool   `json:"-"`
}

func (m *Manager) validateInit(req InitRequest) error {
	switch {
	case req.Filename == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	case req.TotalSize < 0:
		return fmt.Errorf("%w: totalSize must not be negative", ErrInvalidRequest)
	case req.TotalSize == 0 && req.TotalChunks != 0:
		return fmt.Errorf("%w: an empty file has no chunks", ErrInvalidRequest)
	case req.TotalSize > 0 && req.TotalChunks < 1:
		return fmt.Errorf("%w: totalChunks must be at least 1", ErrInvalidRequest)
	case int64(req.TotalChunks) > req.TotalSize && req.TotalSize > 0:
		return fmt.Errorf("%w: more chunks than bytes", ErrInvalidRequest)
	case req.TotalSize > 0 && chunkCount(req.TotalSize, ceilDiv(req.TotalSize, int64(req.TotalChunks))) != req.TotalChunks:
		return fmt.Errorf("%w: no chunk size splits %d bytes into %d chunks", ErrInvalidRequest, req.TotalSize, req.TotalChunks)
	case req.TotalChunks > m.maxChunks:
		return fmt.Errorf("%w: totalChunks exceeds %d", ErrInvalidRequest, m.maxChunks)
	}
	return nil
}

// Initiate creates a session for (filename, totalSize) or resumes the existing one.
func (m *Manager) Initiate(ctx context.Context, req InitRequest) (*InitResult, error) {
	if err := m.validateInit(req); err != nil {
		return nil, err
	}

	unlock := m.identityLocks.Lock(strconv.FormatInt(req.TotalSize, 10) + "/" + req.Filename)
	defer unlock()

	existing, err := m.store.FindByFile(ctx, req.Filename, req.TotalSize)
	switch {
	case err == nil:
		uploaded, err := m.store.UploadedChunks(ctx, existing.UploadID)
		if err != nil {
			return nil, fmt.Errorf("listing uploaded chunks: %w", err)
		}
		m.log.Infow("init", "status", "resumed", "uploadId", existing.UploadID, "uploaded", len(uploaded), "total", existing.TotalChunks)
		return &InitResult{UploadID: existing.UploadID, UploadedChunks: uploaded, TotalChunks: existing.TotalChunks, Resumed: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	session := models.NewUploadSession(uuid.NewString(), req.Filename, req.TotalSize, req.TotalChunks, m.now())
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.log.Infow("init", "status", "created", "uploadId", session.UploadID, "filename", session.Filename,
		"totalSize", session.TotalSize, "totalChunks", session.TotalChunks)
	return &InitResult{UploadID: session.UploadID, UploadedChunks: []int{}, TotalChunks: session.TotalChunks}, nil
}

// ChunkWrite is one chunk body addressed by index. ChunkSize is the fixed chunk size the
// client split the file with; the body starts at ChunkIndex*ChunkSize.
type ChunkWrite struct {
	UploadID   string
	ChunkIndex int
	ChunkSize  int64
	Body       io.Reader
}

// WriteResult reports whether the chunk had already been stored.
type WriteResult struct {
	AlreadyUploaded bool
	BytesWritten    int64
}

// WriteChunk stores one chunk at its offset and marks it uploaded. Writing an uploaded
// chunk again is a no-op.
func (m *Manager) WriteChunk(ctx context.Context, w ChunkWrite) (*WriteResult, error) {
	if !validID(w.UploadID) {
		return nil, ErrSessionNotFound
	}
	if w.ChunkIndex < 0 {
		return nil, fmt.Errorf("%w: chunk index must not be negative", ErrInvalidRequest)
	}
	if w.ChunkSize <= 0 || w.ChunkSize > m.maxChunkSize {
		return nil, fmt.Errorf("%w: chunk size must be between 1 and %d", ErrInvalidRequest, m.maxChunkSize)
	}

	unlockSession := m.sessionLocks.RLock(w.UploadID)
	defer unlockSession()
	unlockChunk := m.chunkLocks.Lock(w.UploadID + "/" + strconv.Itoa(w.ChunkIndex))
	defer unlockChunk()

	session, err := m.store.GetSession(ctx, w.UploadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if n := chunkCount(session.TotalSize, w.ChunkSize); n != session.TotalChunks {
		return nil, fmt.Errorf("%w: chunk size %d splits %d bytes into %d chunks, session has %d",
			ErrInvalidRequest, w.ChunkSize, session.TotalSize, n, session.TotalChunks)
	}

	rec, err := m.store.GetChunk(ctx, w.UploadID, w.ChunkIndex)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrUnknownChunk, w.ChunkIndex, session.TotalChunks)
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk: %w", err)
	}
	if rec.Status == models.ChunkStatusUploaded {
		return &WriteResult{AlreadyUploaded: true}, nil
	}

	// Matching chunk geometry keeps the offset inside the file.
	offset := int64(w.ChunkIndex) * w.ChunkSize
	expected := min(w.ChunkSize, session.TotalSize-offset)

	n, err := m.files.WriteAt(w.UploadID, offset, w.Body, expected)
	if errors.Is(err, storage.ErrOutOfRange) {
		return nil, fmt.Errorf("%w: chunk %d is larger than %d bytes", ErrChunkOutOfRange, w.ChunkIndex, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("writing chunk %d: %w", w.ChunkIndex, err)
	}
	if n != expected {
		return nil, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", ErrInvalidRequest, w.ChunkIndex, n, expected)
	}

	changed, err := m.store.MarkChunkUploaded(ctx, w.UploadID, w.ChunkIndex, m.now())
	if err != nil {
		return nil, fmt.Errorf("marking chunk %d uploaded: %w", w.ChunkIndex, err)
	}

	m.log.Debugw("chunk", "uploadId", w.UploadID, "index", w.ChunkIndex, "bytes", n)
	return &WriteResult{AlreadyUploaded: !changed, BytesWritten: n}, nil
}

// FinalizeResult is the outcome of a successful Finalize.
type FinalizeResult struct {
	// AlreadyFinalized is set when the session had completed before this call.
	AlreadyFinalized bool
	Hash             string
	Files            []string
}

// Finalize verifies the session is complete, hashes the backing file and commits the hash.
// Exactly one caller performs the hash pass.
func (m *Manager) Finalize(ctx context.Context, uploadID string) (*FinalizeResult, error) {
	if !validID(uploadID) {
		return nil, ErrSessionNotFound
	}

	session, err := m.claimFinalize(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.UploadStatusCompleted {
		return &FinalizeResult{AlreadyFinalized: true, Hash: session.FinalHash}, nil
	}

	// The session is PROCESSING now; a client disconnect must not strand it there.
	ctx = context.WithoutCancel(ctx)

	start := m.now()
	m.log.Infow("finalize", "status", "hashing", "uploadId", uploadID, "totalSize", session.TotalSize)

	hash, err := m.hashBackingFile(session)
	if err != nil {
		if _, ferr := m.transition(ctx, uploadID, models.UploadStatusProcessing, models.UploadStatusFailed); ferr != nil {
			m.log.Errorw("finalize", "status", "could not mark failed", "uploadId", uploadID, "ERROR", ferr)
		}
		m.log.Errorw("finalize", "status", "hash failed", "uploadId", uploadID, "ERROR", err)
		return nil, fmt.Errorf("hashing upload %s: %w", uploadID, err)
	}

	peek := inspect.Peek(m.files.Path(uploadID))
	if peek.Err != nil {
		m.log.Debugw("finalize", "status", "not an archive", "uploadId", uploadID, "reason", peek.Err)
	}

	ok, err := m.store.CompleteSession(ctx, uploadID, hash, m.now())
	if err != nil {
		return nil, fmt.Errorf("completing upload %s: %w", uploadID, err)
	}
	if !ok {
		return nil, fmt.Errorf("completing upload %s: session left PROCESSING state", uploadID)
	}

	m.log.Infow("finalize", "status", "completed", "uploadId", uploadID, "hash", hash,
		"entries", len(peek.Entries), "duration", m.now().Sub(start))
	return &FinalizeResult{Hash: hash, Files: peek.Entries}, nil
}

// claimFinalize runs the completeness gate and the UPLOADING -> PROCESSING transition under
// the session's exclusive lock. It returns the session in PROCESSING state when the caller
// owns the hash pass, or in COMPLETED state when there is nothing left to do.
func (m *Manager) claimFinalize(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	unlock := m.sessionLocks.Lock(uploadID)
	defer unlock()

	session, err := m.store.GetSession(ctx, uploadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	switch session.Status {
	case models.UploadStatusCompleted:
		return session, nil
	case models.UploadStatusProcessing:
		return nil, ErrFinalizeBusy
	case models.UploadStatusFailed:
		return nil, ErrSessionFailed
	}

	pending, err := m.store.CountPendingChunks(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("counting pending chunks: %w", err)
	}
	if pending > 0 {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunksMissing, pending, session.TotalChunks)
	}

	ok, err := m.transition(ctx, uploadID, models.UploadStatusUploading, models.UploadStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("claiming finalize: %w", err)
	}
	if !ok {
		return nil, ErrFinalizeBusy
	}

	session.Status = models.UploadStatusProcessing
	return session, nil
}

// transition applies a status compare-and-set, refusing moves that would make the
// status go backwards.
func (m *Manager) transition(ctx context.Context, uploadID string, from, to models.UploadStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return m.store.TransitionStatus(ctx, uploadID, from, to, m.now())
}

func (m *Manager) hashBackingFile(session *models.UploadSession) (string, error) {
	path := m.files.Path(session.UploadID)
	if session.TotalSize == 0 {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return inspect.Hash(inspect.Chunks(bytes.NewReader(nil), 0))
		}
	}
	return m.hashFile(path)
}

// SessionStatus is a read-only view of a session and its progress.
type SessionStatus struct {
	*models.UploadSession
	UploadedChunks []int `json:"uploadedChunks"`
}

// Status returns the session with its uploaded chunk indices.
func (m *Manager) Status(ctx context.Context, uploadID string) (*SessionStatus, error) {
	if !validID(uploadID) {
		return nil, ErrSessionNotFound
	}

	session, err := m.store.GetSession(ctx, uploadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	uploaded, err := m.store.UploadedChunks(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing uploaded chunks: %w", err)
	}
	return &SessionStatus{UploadSession: session, UploadedChunks: uploaded}, nil
}

// removeSession deletes the backing file, chunk records and session record, in that order.
// Every step tolerates an earlier partial run.
func (m *Manager) removeSession(ctx context.Context, uploadID string) error {
	if err := m.files.Remove(uploadID); err != nil {
		return err
	}
	if err := m.store.DeleteChunks(ctx, uploadID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if err := m.store.DeleteSession(ctx, uploadID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// reapIfStale deletes the session when it is still UPLOADING and idle since before cutoff.
// The check runs under the exclusive session lock, so it cannot interleave with a chunk
// write or with finalize claiming the session.
func (m *Manager) reapIfStale(ctx context.Context, uploadID string, cutoff time.Time) (bool, error) {
	unlock := m.sessionLocks.Lock(uploadID)
	defer unlock()

	session, err := m.store.GetSession(ctx, uploadID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}
	if session.Status != models.UploadStatusUploading || !session.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	if err := m.removeSession(ctx, uploadID); err != nil {
		return false, err
	}
	return true, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// chunkCount is the number of chunks a file of totalSize bytes splits into at chunkSize.
func chunkCount(totalSize, chunkSize int64) int {
	return int(ceilDiv(totalSize, chunkSize))
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

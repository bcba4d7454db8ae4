package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chunkdrop/backend/internal/models"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/vmihailenco/msgpack/v5"
)

// LevelStore persists sessions and chunk records as msgpack documents in LevelDB.
//
// Key layout:
//
//	/uploads/<uploadId>                     session document
//	/chunks/<uploadId>/<index, zero padded> chunk document
//	/files/<totalSize>/<hex(filename)>      uploadId, the (filename, totalSize) index
type LevelStore struct {
	store *dslvl.Datastore

	// Serializes read-check-write sequences so conditional updates are atomic.
	mu sync.Mutex
}

// NewLevelStore opens a LevelDB datastore at path. An empty path opens an in-memory store.
func NewLevelStore(path string) (*LevelStore, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{store: store}, nil
}

func sessionKey(uploadID string) ds.Key {
	return ds.NewKey("/uploads/" + uploadID)
}

func chunkPrefix(uploadID string) string {
	return "/chunks/" + uploadID
}

func chunkKey(uploadID string, index int) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%010d", chunkPrefix(uploadID), index))
}

func fileKey(filename string, totalSize int64) ds.Key {
	return ds.NewKey("/files/" + strconv.FormatInt(totalSize, 10) + "/" + hex.EncodeToString([]byte(filename)))
}

// CreateSession writes the session, its index entry and all chunk records in one batch.
func (ls *LevelStore) CreateSession(ctx context.Context, s *models.UploadSession) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	batch, err := ls.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	doc, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := batch.Put(ctx, sessionKey(s.UploadID), doc); err != nil {
		return err
	}

	// The index keeps the first session created for an identity.
	exists, err := ls.store.Has(ctx, fileKey(s.Filename, s.TotalSize))
	if err != nil {
		return fmt.Errorf("check file index: %w", err)
	}
	if !exists {
		if err := batch.Put(ctx, fileKey(s.Filename, s.TotalSize), []byte(s.UploadID)); err != nil {
			return err
		}
	}

	for i := 0; i < s.TotalChunks; i++ {
		rec := models.ChunkRecord{UploadID: s.UploadID, ChunkIndex: i, Status: models.ChunkStatusPending}
		doc, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
		if err := batch.Put(ctx, chunkKey(s.UploadID, i), doc); err != nil {
			return err
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// FindByFile resolves the (filename, totalSize) index.
func (ls *LevelStore) FindByFile(ctx context.Context, filename string, totalSize int64) (*models.UploadSession, error) {
	id, err := ls.store.Get(ctx, fileKey(filename, totalSize))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file index: %w", err)
	}

	s, err := ls.GetSession(ctx, string(id))
	if errors.Is(err, ErrNotFound) {
		// Index entry left behind by an interrupted delete.
		return nil, ErrNotFound
	}
	return s, err
}

// GetSession loads the session document.
func (ls *LevelStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	doc, err := ls.store.Get(ctx, sessionKey(uploadID))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s models.UploadSession
	if err := msgpack.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// GetChunk loads a chunk document.
func (ls *LevelStore) GetChunk(ctx context.Context, uploadID string, index int) (*models.ChunkRecord, error) {
	if index < 0 {
		return nil, ErrNotFound
	}
	doc, err := ls.store.Get(ctx, chunkKey(uploadID, index))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}

	var rec models.ChunkRecord
	if err := msgpack.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return &rec, nil
}

func (ls *LevelStore) chunks(ctx context.Context, uploadID string) ([]models.ChunkRecord, error) {
	res, err := ls.store.Query(ctx, dsq.Query{Prefix: chunkPrefix(uploadID)})
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}

	records := make([]models.ChunkRecord, 0, len(entries))
	for _, e := range entries {
		var rec models.ChunkRecord
		if err := msgpack.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ChunkIndex < records[j].ChunkIndex })
	return records, nil
}

// UploadedChunks returns the sorted indices of uploaded chunks.
func (ls *LevelStore) UploadedChunks(ctx context.Context, uploadID string) ([]int, error) {
	records, err := ls.chunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(records))
	for _, rec := range records {
		if rec.Status == models.ChunkStatusUploaded {
			indices = append(indices, rec.ChunkIndex)
		}
	}
	return indices, nil
}

// CountPendingChunks counts chunk records that are not uploaded.
func (ls *LevelStore) CountPendingChunks(ctx context.Context, uploadID string) (int, error) {
	records, err := ls.chunks(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, rec := range records {
		if rec.Status != models.ChunkStatusUploaded {
			pending++
		}
	}
	return pending, nil
}

// MarkChunkUploaded flips PENDING -> UPLOADED and touches the session.
func (ls *LevelStore) MarkChunkUploaded(ctx context.Context, uploadID string, index int, at time.Time) (bool, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	rec, err := ls.GetChunk(ctx, uploadID, index)
	if err != nil {
		return false, err
	}
	if rec.Status == models.ChunkStatusUploaded {
		return false, nil
	}

	rec.Status = models.ChunkStatusUploaded
	rec.ReceivedAt = &at

	batch, err := ls.store.Batch(ctx)
	if err != nil {
		return false, fmt.Errorf("begin batch: %w", err)
	}
	doc, err := msgpack.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode chunk: %w", err)
	}
	if err := batch.Put(ctx, chunkKey(uploadID, index), doc); err != nil {
		return false, err
	}

	if s, err := ls.GetSession(ctx, uploadID); err == nil {
		s.UpdatedAt = at
		sdoc, err := msgpack.Marshal(s)
		if err != nil {
			return false, fmt.Errorf("encode session: %w", err)
		}
		if err := batch.Put(ctx, sessionKey(uploadID), sdoc); err != nil {
			return false, err
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit batch: %w", err)
	}
	return true, nil
}

func (ls *LevelStore) putSession(ctx context.Context, s *models.UploadSession) error {
	doc, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return ls.store.Put(ctx, sessionKey(s.UploadID), doc)
}

// TransitionStatus applies a compare-and-set on the session status.
func (ls *LevelStore) TransitionStatus(ctx context.Context, uploadID string, from, to models.UploadStatus, at time.Time) (bool, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, err := ls.GetSession(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.Status != from {
		return false, nil
	}

	s.Status = to
	s.UpdatedAt = at
	if err := ls.putSession(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteSession moves PROCESSING -> COMPLETED and stores the hash.
func (ls *LevelStore) CompleteSession(ctx context.Context, uploadID, finalHash string, at time.Time) (bool, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, err := ls.GetSession(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.Status != models.UploadStatusProcessing {
		return false, nil
	}

	s.Status = models.UploadStatusCompleted
	s.FinalHash = finalHash
	s.UpdatedAt = at
	if err := ls.putSession(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// FindStale scans all sessions for UPLOADING ones last updated strictly before cutoff.
func (ls *LevelStore) FindStale(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	res, err := ls.store.Query(ctx, dsq.Query{Prefix: "/uploads"})
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	var stale []*models.UploadSession
	for _, e := range entries {
		var s models.UploadSession
		if err := msgpack.Unmarshal(e.Value, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", e.Key, err)
		}
		if s.Status == models.UploadStatusUploading && s.UpdatedAt.Before(cutoff) {
			stale = append(stale, &s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	return stale, nil
}

// DeleteChunks removes all chunk records of a session.
func (ls *LevelStore) DeleteChunks(ctx context.Context, uploadID string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	res, err := ls.store.Query(ctx, dsq.Query{Prefix: chunkPrefix(uploadID), KeysOnly: true})
	if err != nil {
		return fmt.Errorf("query chunks: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return fmt.Errorf("read chunks: %w", err)
	}

	batch, err := ls.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, ds.NewKey(e.Key)); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

// DeleteSession removes the session and, if it points at this session, its index entry.
func (ls *LevelStore) DeleteSession(ctx context.Context, uploadID string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, err := ls.GetSession(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	batch, err := ls.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	if id, err := ls.store.Get(ctx, fileKey(s.Filename, s.TotalSize)); err == nil && string(id) == uploadID {
		if err := batch.Delete(ctx, fileKey(s.Filename, s.TotalSize)); err != nil {
			return err
		}
	}
	if err := batch.Delete(ctx, sessionKey(uploadID)); err != nil {
		return err
	}
	return batch.Commit(ctx)
}

// Ping reads a key to make sure the database is still open.
func (ls *LevelStore) Ping(ctx context.Context) error {
	_, err := ls.store.Has(ctx, ds.NewKey("/ping"))
	return err
}

// Close closes the datastore.
func (ls *LevelStore) Close() error {
	return ls.store.Close()
}

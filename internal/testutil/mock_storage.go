// mock_storage.go - In-memory session store for testing
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chunkdrop/backend/internal/models"
	"github.com/chunkdrop/backend/internal/storage"
)

// MemoryStore implements storage.SessionStore in memory
type MemoryStore struct {
	sessions map[string]*models.UploadSession
	chunks   map[string]map[int]*models.ChunkRecord // uploadID -> chunkIndex -> record
	mu       sync.RWMutex

	// Failure injection. When set, the matching operation returns the error.
	FailCreate     error
	FailMark       error
	FailTransition error
	FailComplete   error
	FailDelete     error
	FailPing       error

	// Call counters
	CreateCalls   int
	CompleteCalls int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.UploadSession),
		chunks:   make(map[string]map[int]*models.ChunkRecord),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls++
	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.sessions[s.UploadID]; exists {
		return errors.New("duplicate upload id")
	}

	cp := *s
	m.sessions[s.UploadID] = &cp
	records := make(map[int]*models.ChunkRecord, s.TotalChunks)
	for i := 0; i < s.TotalChunks; i++ {
		records[i] = &models.ChunkRecord{UploadID: s.UploadID, ChunkIndex: i, Status: models.ChunkStatusPending}
	}
	m.chunks[s.UploadID] = records
	return nil
}

func (m *MemoryStore) FindByFile(_ context.Context, filename string, totalSize int64) (*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.UploadSession
	for _, s := range m.sessions {
		if s.Filename != filename || s.TotalSize != totalSize {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) GetSession(_ context.Context, uploadID string) (*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetChunk(_ context.Context, uploadID string, index int) (*models.ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.chunks[uploadID][index]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UploadedChunks(_ context.Context, uploadID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indices := make([]int, 0)
	for idx, rec := range m.chunks[uploadID] {
		if rec.Status == models.ChunkStatusUploaded {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func (m *MemoryStore) CountPendingChunks(_ context.Context, uploadID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.chunks[uploadID] {
		if rec.Status != models.ChunkStatusUploaded {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkChunkUploaded(_ context.Context, uploadID string, index int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMark != nil {
		return false, m.FailMark
	}
	rec, ok := m.chunks[uploadID][index]
	if !ok {
		return false, storage.ErrNotFound
	}
	if rec.Status == models.ChunkStatusUploaded {
		return false, nil
	}
	rec.Status = models.ChunkStatusUploaded
	rec.ReceivedAt = &at
	if s, ok := m.sessions[uploadID]; ok {
		s.UpdatedAt = at
	}
	return true, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, uploadID string, from, to models.UploadStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTransition != nil {
		return false, m.FailTransition
	}
	s, ok := m.sessions[uploadID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) CompleteSession(_ context.Context, uploadID, finalHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls++
	if m.FailComplete != nil {
		return false, m.FailComplete
	}
	s, ok := m.sessions[uploadID]
	if !ok || s.Status != models.UploadStatusProcessing {
		return false, nil
	}
	s.Status = models.UploadStatusCompleted
	s.FinalHash = finalHash
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) FindStale(_ context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*models.UploadSession
	for _, s := range m.sessions {
		if s.Status == models.UploadStatusUploading && s.UpdatedAt.Before(cutoff) {
			cp := *s
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	return stale, nil
}

func (m *MemoryStore) DeleteChunks(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.chunks, uploadID)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.sessions, uploadID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return m.FailPing }

func (m *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements storage.SessionStore
var _ storage.SessionStore = (*MemoryStore)(nil)

// Test Helper Methods

// AddSession inserts a session directly, bypassing failure injection
func (m *MemoryStore) AddSession(s *models.UploadSession, uploaded ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.sessions[s.UploadID] = &cp
	records := make(map[int]*models.ChunkRecord, s.TotalChunks)
	for i := 0; i < s.TotalChunks; i++ {
		records[i] = &models.ChunkRecord{UploadID: s.UploadID, ChunkIndex: i, Status: models.ChunkStatusPending}
	}
	for _, idx := range uploaded {
		if rec, ok := records[idx]; ok {
			rec.Status = models.ChunkStatusUploaded
		}
	}
	m.chunks[s.UploadID] = records
}

// SetUpdatedAt rewinds a session's activity clock
func (m *MemoryStore) SetUpdatedAt(uploadID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[uploadID]; ok {
		s.UpdatedAt = at
	}
}

// HasChunks reports whether any chunk records remain for the session
func (m *MemoryStore) HasChunks(uploadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chunks[uploadID]
	return ok
}

// SessionCount returns the number of stored sessions
func (m *MemoryStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Clear removes all sessions and chunk records
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*models.UploadSession)
	m.chunks = make(map[string]map[int]*models.ChunkRecord)
}

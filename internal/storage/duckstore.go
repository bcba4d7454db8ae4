package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chunkdrop/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
)

// chunkInsertBatch bounds the number of rows per multi-row INSERT when creating chunk records.
const chunkInsertBatch = 500

// DuckOptions tunes the embedded DuckDB instance.
type DuckOptions struct {
	Threads     int
	MemoryLimit string
}

// DuckStore persists sessions and chunk records in a DuckDB database file.
type DuckStore struct {
	db     *sql.DB
	dbPath string

	// DuckDB reports transaction conflicts for concurrent updates of the same row,
	// so every mutation goes through writeMu. Reads are not serialized.
	writeMu sync.Mutex
}

// NewDuckStore opens (or creates) the database at dbPath. An empty path opens an
// in-memory database.
func NewDuckStore(dbPath string, opts DuckOptions) (*DuckStore, error) {
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		var pragmas []string
		if opts.MemoryLimit != "" {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit))
		}
		if opts.Threads > 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
		}
		pragmas = append(pragmas, "PRAGMA enable_progress_bar=false")
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS uploads (
			upload_id    VARCHAR PRIMARY KEY,
			filename     VARCHAR NOT NULL,
			total_size   BIGINT NOT NULL,
			total_chunks INTEGER NOT NULL,
			status       VARCHAR NOT NULL,
			final_hash   VARCHAR,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create uploads table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			upload_id   VARCHAR NOT NULL,
			chunk_index INTEGER NOT NULL,
			status      VARCHAR NOT NULL,
			received_at BIGINT,
			PRIMARY KEY (upload_id, chunk_index)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chunks table: %w", err)
	}

	return &DuckStore{db: db, dbPath: dbPath}, nil
}

// CreateSession inserts the session and its chunk records in one transaction.
func (ds *DuckStore) CreateSession(ctx context.Context, s *models.UploadSession) error {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO uploads (upload_id, filename, total_size, total_chunks, status, final_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`, s.UploadID, s.Filename, s.TotalSize, s.TotalChunks, string(s.Status),
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}

	for start := 0; start < s.TotalChunks; start += chunkInsertBatch {
		end := start + chunkInsertBatch
		if end > s.TotalChunks {
			end = s.TotalChunks
		}

		placeholders := make([]string, 0, end-start)
		args := make([]interface{}, 0, 2*(end-start))
		for i := start; i < end; i++ {
			placeholders = append(placeholders, "(?, ?, 'PENDING', NULL)")
			args = append(args, s.UploadID, i)
		}

		query := "INSERT INTO chunks (upload_id, chunk_index, status, received_at) VALUES " + strings.Join(placeholders, ", ")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert chunks %d-%d: %w", start, end-1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const sessionColumns = "upload_id, filename, total_size, total_chunks, status, final_hash, created_at, updated_at"

// FindByFile returns the session for (filename, totalSize), oldest first if several exist.
func (ds *DuckStore) FindByFile(ctx context.Context, filename string, totalSize int64) (*models.UploadSession, error) {
	row := ds.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM uploads WHERE filename = ? AND total_size = ? ORDER BY created_at LIMIT 1",
		filename, totalSize)
	return scanSession(row)
}

// GetSession returns the session with the given ID.
func (ds *DuckStore) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	row := ds.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM uploads WHERE upload_id = ?", uploadID)
	return scanSession(row)
}

// GetChunk returns a single chunk record.
func (ds *DuckStore) GetChunk(ctx context.Context, uploadID string, index int) (*models.ChunkRecord, error) {
	var (
		status     string
		receivedAt sql.NullInt64
	)
	err := ds.db.QueryRowContext(ctx,
		"SELECT status, received_at FROM chunks WHERE upload_id = ? AND chunk_index = ?",
		uploadID, index).Scan(&status, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chunk: %w", err)
	}

	rec := &models.ChunkRecord{
		UploadID:   uploadID,
		ChunkIndex: index,
		Status:     models.ChunkStatus(status),
	}
	if receivedAt.Valid {
		t := time.Unix(0, receivedAt.Int64)
		rec.ReceivedAt = &t
	}
	return rec, nil
}

// UploadedChunks returns the sorted indices of uploaded chunks.
func (ds *DuckStore) UploadedChunks(ctx context.Context, uploadID string) ([]int, error) {
	rows, err := ds.db.QueryContext(ctx,
		"SELECT chunk_index FROM chunks WHERE upload_id = ? AND status = 'UPLOADED' ORDER BY chunk_index",
		uploadID)
	if err != nil {
		return nil, fmt.Errorf("query uploaded chunks: %w", err)
	}
	defer rows.Close()

	indices := make([]int, 0)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// CountPendingChunks counts chunk records that are not uploaded.
func (ds *DuckStore) CountPendingChunks(ctx context.Context, uploadID string) (int, error) {
	var n int
	err := ds.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE upload_id = ? AND status <> 'UPLOADED'",
		uploadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending chunks: %w", err)
	}
	return n, nil
}

// MarkChunkUploaded flips PENDING -> UPLOADED and touches the session.
func (ds *DuckStore) MarkChunkUploaded(ctx context.Context, uploadID string, index int, at time.Time) (bool, error) {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	res, err := ds.db.ExecContext(ctx,
		"UPDATE chunks SET status = 'UPLOADED', received_at = ? WHERE upload_id = ? AND chunk_index = ? AND status = 'PENDING'",
		at.UnixNano(), uploadID, index)
	if err != nil {
		return false, fmt.Errorf("update chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := ds.db.ExecContext(ctx,
		"UPDATE uploads SET updated_at = ? WHERE upload_id = ?", at.UnixNano(), uploadID); err != nil {
		return true, fmt.Errorf("touch upload: %w", err)
	}
	return true, nil
}

// TransitionStatus applies a compare-and-set on the session status.
func (ds *DuckStore) TransitionStatus(ctx context.Context, uploadID string, from, to models.UploadStatus, at time.Time) (bool, error) {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	res, err := ds.db.ExecContext(ctx,
		"UPDATE uploads SET status = ?, updated_at = ? WHERE upload_id = ? AND status = ?",
		string(to), at.UnixNano(), uploadID, string(from))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteSession moves PROCESSING -> COMPLETED and stores the hash.
func (ds *DuckStore) CompleteSession(ctx context.Context, uploadID, finalHash string, at time.Time) (bool, error) {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	res, err := ds.db.ExecContext(ctx,
		"UPDATE uploads SET status = 'COMPLETED', final_hash = ?, updated_at = ? WHERE upload_id = ? AND status = 'PROCESSING'",
		finalHash, at.UnixNano(), uploadID)
	if err != nil {
		return false, fmt.Errorf("complete upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// FindStale returns UPLOADING sessions last updated strictly before cutoff.
func (ds *DuckStore) FindStale(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	rows, err := ds.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM uploads WHERE status = 'UPLOADING' AND updated_at < ? ORDER BY updated_at",
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query stale uploads: %w", err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteChunks removes all chunk records of a session.
func (ds *DuckStore) DeleteChunks(ctx context.Context, uploadID string) error {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	if _, err := ds.db.ExecContext(ctx, "DELETE FROM chunks WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// DeleteSession removes the session record.
func (ds *DuckStore) DeleteSession(ctx context.Context, uploadID string) error {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	if _, err := ds.db.ExecContext(ctx, "DELETE FROM uploads WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

func (ds *DuckStore) Ping(ctx context.Context) error {
	return ds.db.PingContext(ctx)
}

// Close closes the database.
func (ds *DuckStore) Close() error {
	if ds.db != nil {
		return ds.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var (
		s         models.UploadSession
		status    string
		finalHash sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&s.UploadID, &s.Filename, &s.TotalSize, &s.TotalChunks, &status, &finalHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan upload: %w", err)
	}

	s.Status = models.UploadStatus(status)
	s.FinalHash = finalHash.String
	s.CreatedAt = time.Unix(0, createdAt)
	s.UpdatedAt = time.Unix(0, updatedAt)
	return &s, nil
}

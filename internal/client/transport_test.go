package client

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/chunkdrop/backend/internal/api"
	"github.com/chunkdrop/backend/internal/storage"
	"github.com/chunkdrop/backend/internal/testutil"
	"github.com/chunkdrop/backend/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newUploadServer(t *testing.T) *httptest.Server {
	t.Helper()
	files, err := storage.NewLocalFileStore(t.TempDir())
	require.NoError(t, err)
	mgr := upload.NewManager(testutil.NewMemoryStore(), files, upload.Options{})

	e := api.NewServer(&api.Dependencies{
		Uploads:      mgr,
		Log:          zap.NewNop().Sugar(),
		Version:      "test",
		StoreBackend: "memory",
	}, api.MiddlewareOptions{})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTransport(t *testing.T, url string) *HTTPTransport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = url
	cfg.ControlRetries = 0
	cfg.Backoff = "1ms"
	tr, err := NewHTTPTransport(cfg, nil)
	require.NoError(t, err)
	return tr
}

func TestEndToEnd_UploadAndResume(t *testing.T) {
	srv := newUploadServer(t)
	tr := newTestTransport(t, srv.URL)

	data := randomData(t, 10*1024+77)
	sum := sha256.Sum256(data)

	u := NewUploader(tr, Options{ChunkSize: 4 * 1024})
	res, err := u.Upload(context.Background(), "e2e.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Hash)
	assert.False(t, res.IsZip())

	// Same file again: everything is already there.
	again, err := u.Upload(context.Background(), "e2e.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyFinalized, again.Outcome)
	assert.Equal(t, res.UploadID, again.UploadID)
	assert.Equal(t, 3, again.Resumed)
	assert.Equal(t, res.Hash, again.Hash)
}

func TestEndToEnd_ChunkSizeChangeIsRejected(t *testing.T) {
	srv := newUploadServer(t)
	tr := newTestTransport(t, srv.URL)
	data := randomData(t, 10*1024)

	// Session created with 4KiB chunks, then resumed with 2KiB chunks.
	init, err := tr.Init(context.Background(), InitRequest{Filename: "layout.bin", TotalSize: int64(len(data)), TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, init.TotalChunks)

	res, err := NewUploader(tr, Options{ChunkSize: 2 * 1024}).Upload(context.Background(), "layout.bin", bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, ErrChunkLayout)
	assert.Equal(t, OutcomeInitRejected, res.Outcome)
	assert.Equal(t, init.UploadID, res.UploadID)
}

func TestEndToEnd_ZipArchive(t *testing.T) {
	srv := newUploadServer(t)
	tr := newTestTransport(t, srv.URL)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"readme.txt", "docs/guide.md", "main.go"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(randomData(t, 3000))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	u := NewUploader(tr, Options{ChunkSize: 1024})
	res, err := u.Upload(context.Background(), "bundle.zip", bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.True(t, res.IsZip())
	assert.ElementsMatch(t, []string{"readme.txt", "main.go"}, res.Files)
}

func TestHTTPTransport_Errors(t *testing.T) {
	srv := newUploadServer(t)
	tr := newTestTransport(t, srv.URL)
	ctx := context.Background()

	_, err := tr.Init(ctx, InitRequest{Filename: "", TotalSize: 1, TotalChunks: 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "invalid filename", se.Reason)

	_, err = tr.Finalize(ctx, "8f14e45f-ceea-467a-9575-6e6f1e4e1c1e")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	init, err := tr.Init(ctx, InitRequest{Filename: "p.bin", TotalSize: 8, TotalChunks: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{}, init.UploadedChunks)

	_, err = tr.Finalize(ctx, init.UploadID)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "chunks missing", se.Reason)
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := newUploadServer(t)
	url := srv.URL
	srv.Close()

	tr := newTestTransport(t, url)
	u := NewUploader(tr, Options{ChunkSize: 4})

	res, err := u.Upload(context.Background(), "down.bin", bytes.NewReader([]byte("abcdefgh")), 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerUnreachable))
	assert.Equal(t, OutcomeServerUnreachable, res.Outcome)
}

func TestHTTPTransport_ControlRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"uploadId":"abc","uploadedChunks":[1]}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL
	cfg.ControlRetries = 2
	cfg.Backoff = "1ms"
	tr, err := NewHTTPTransport(cfg, nil)
	require.NoError(t, err)

	resp, err := tr.Init(context.Background(), InitRequest{Filename: "r", TotalSize: 2, TotalChunks: 2})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.UploadID)
	assert.Equal(t, []int{1}, resp.UploadedChunks)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPTransport_ChunkIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "2", r.Header.Get("chunk-index"))
		assert.Equal(t, "4", r.Header.Get("chunk-size"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL
	cfg.ControlRetries = 5
	cfg.Backoff = "1ms"
	tr, err := NewHTTPTransport(cfg, nil)
	require.NoError(t, err)

	src, err := NewChunkSource(bytes.NewReader([]byte("aaaabbbbcc")), 10, 4)
	require.NoError(t, err)

	err = tr.PutChunk(context.Background(), "id", 2, 4, src.Section(2))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

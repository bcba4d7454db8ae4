package client

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSource(t *testing.T) {
	data := []byte("0123456789abcdefghij-")
	src, err := NewChunkSource(bytes.NewReader(data), int64(len(data)), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, src.TotalChunks())
	assert.Equal(t, int64(5), src.Len(0))
	assert.Equal(t, int64(1), src.Len(4))
	assert.Equal(t, int64(0), src.Len(5))
	assert.Equal(t, int64(0), src.Len(-1))

	got, err := io.ReadAll(src.Section(2))
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(got))

	// each section is independent, so a retry reads the same bytes again
	again, err := io.ReadAll(src.Section(2))
	require.NoError(t, err)
	assert.Equal(t, got, again)

	last, err := io.ReadAll(src.Section(4))
	require.NoError(t, err)
	assert.Equal(t, "-", string(last))
}

func TestChunkSource_Boundaries(t *testing.T) {
	tests := []struct {
		size, chunk int64
		want        int
	}{
		{0, 5, 0},
		{1, 5, 1},
		{5, 5, 1},
		{6, 5, 2},
		{12 * 1024 * 1024, 5 * 1024 * 1024, 3},
	}
	for _, tt := range tests {
		src, err := NewChunkSource(bytes.NewReader(nil), tt.size, tt.chunk)
		require.NoError(t, err)
		assert.Equal(t, tt.want, src.TotalChunks(), "size=%d chunk=%d", tt.size, tt.chunk)
	}

	_, err := NewChunkSource(bytes.NewReader(nil), 10, 0)
	assert.Error(t, err)
	_, err = NewChunkSource(bytes.NewReader(nil), -1, 5)
	assert.Error(t, err)
}

func TestRenderGrid(t *testing.T) {
	assert.Equal(t, "", RenderGrid(nil))
	assert.Equal(t, "#>.x", RenderGrid([]ChunkState{ChunkDone, ChunkInFlight, ChunkPending, ChunkFailed}))

	states := make([]ChunkState, gridWidth+3)
	grid := RenderGrid(states)
	lines := strings.Split(grid, "\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], gridWidth)
	assert.Equal(t, "...", lines[1])

	// pure: the input is untouched
	assert.Equal(t, ChunkPending, states[0])
}

func TestChunkStateString(t *testing.T) {
	assert.Equal(t, "pending", ChunkPending.String())
	assert.Equal(t, "uploading", ChunkInFlight.String())
	assert.Equal(t, "done", ChunkDone.String())
	assert.Equal(t, "failed", ChunkFailed.String())
}

func TestStats(t *testing.T) {
	assert.Equal(t, float64(1024), chunkSpeed(2048, 2*time.Second))
	assert.Equal(t, float64(0), chunkSpeed(2048, 0))

	eta, ok := estimateETA(6, 2, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, eta)

	_, ok = estimateETA(6, 0, 10*time.Second)
	assert.False(t, ok, "no rate before the first chunk of this run")

	eta, ok = estimateETA(0, 4, time.Second)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), eta)
}

func TestSnapshotPercent(t *testing.T) {
	assert.Equal(t, float64(100), Snapshot{}.Percent())
	assert.Equal(t, float64(25), Snapshot{Done: 1, Total: 4}.Percent())
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)

		cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("yaml overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "uploader.yaml")
		content := "server_url: http://files.internal:8080\nchunk_size: 8MiB\nconcurrency: 6\nbackoff: 250ms\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "http://files.internal:8080", cfg.ServerURL)
		assert.Equal(t, 6, cfg.Concurrency)
		assert.Equal(t, 3, cfg.MaxAttempts, "unset fields keep defaults")

		opts, err := OptionsFromConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, int64(8*1024*1024), opts.ChunkSize)
		assert.Equal(t, 250*time.Millisecond, opts.BackoffBase)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("chunk_size: huge\n"), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err)

		require.NoError(t, os.WriteFile(path, []byte("concurrency: [\n"), 0644))
		_, err = LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestChunkSizeUnits(t *testing.T) {
	for _, s := range []string{"5MB", "5MiB", "5mb"} {
		n, err := Config{ChunkSize: s}.ChunkSizeBytes()
		require.NoError(t, err, s)
		assert.Equal(t, int64(5*1024*1024), n, s)
	}
	_, err := Config{ChunkSize: "0"}.ChunkSizeBytes()
	assert.Error(t, err)
}

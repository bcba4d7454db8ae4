package inspect

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunks(t *testing.T) {
	t.Run("yields all bytes in order", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789"), 100)

		var got []byte
		for b, err := range Chunks(bytes.NewReader(data), 64) {
			require.NoError(t, err)
			assert.LessOrEqual(t, len(b), 64)
			got = append(got, b...)
		}
		assert.Equal(t, data, got)
	})

	t.Run("empty reader yields nothing", func(t *testing.T) {
		count := 0
		for range Chunks(bytes.NewReader(nil), 0) {
			count++
		}
		assert.Equal(t, 0, count)
	})

	t.Run("read error ends the sequence", func(t *testing.T) {
		boom := errors.New("disk gone")
		var errs []error
		for _, err := range Chunks(iotest.ErrReader(boom), 16) {
			if err != nil {
				errs = append(errs, err)
			}
		}
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], boom)
	})

	t.Run("consumer may stop early", func(t *testing.T) {
		n := 0
		for range Chunks(bytes.NewReader(make([]byte, 1000)), 10) {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", []byte("abc"), "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hash(Chunks(bytes.NewReader(tt.input), 1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	first, err := HashFile(path)
	require.NoError(t, err)
	second, err := HashFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", first)
	assert.Equal(t, first, second)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func writeZip(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestPeek(t *testing.T) {
	t.Run("lists top-level entries only", func(t *testing.T) {
		path := writeZip(t, "readme.txt", "docs/guide.md", "docs/", "main.go")

		res := Peek(path)
		assert.NoError(t, res.Err)
		assert.Equal(t, []string{"readme.txt", "main.go"}, res.Entries)
	})

	t.Run("not an archive", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.bin")
		require.NoError(t, os.WriteFile(path, []byte("just some bytes"), 0644))

		res := Peek(path)
		assert.Error(t, res.Err)
		assert.NotNil(t, res.Entries)
		assert.Empty(t, res.Entries)
	})

	t.Run("truncated archive", func(t *testing.T) {
		path := writeZip(t, "a.txt", "b.txt")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0644))

		res := Peek(path)
		assert.Empty(t, res.Entries)
	})

	t.Run("missing file", func(t *testing.T) {
		res := Peek(filepath.Join(t.TempDir(), "nope.zip"))
		assert.Error(t, res.Err)
		assert.Empty(t, res.Entries)
	})
}

package inspect

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zip"
)

// PeekResult is the outcome of an archive peek. Entries is never nil.
// Err records why the peek produced nothing; callers are free to ignore it.
type PeekResult struct {
	Entries []string
	Err     error
}

// Peek opens path as a ZIP archive and lists its top-level entry names, meaning names
// without a path separator. Any failure, including a panic inside the reader, yields an
// empty entry list.
func Peek(path string) (res PeekResult) {
	res.Entries = []string{}

	defer func() {
		if r := recover(); r != nil {
			res = PeekResult{Entries: []string{}, Err: fmt.Errorf("archive reader panic: %v", r)}
		}
	}()

	zr, err := zip.OpenReader(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer zr.Close()

	for _, f := range zr.File {
		if strings.Contains(f.Name, "/") {
			continue
		}
		res.Entries = append(res.Entries, f.Name)
	}
	return res
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrDocumentRead wraps failures reading the active memory document.
var ErrDocumentRead = errors.New("active memory document unreadable")

// DocumentSource yields the active memory document text.
type DocumentSource interface {
	Read(ctx context.Context) (string, error)
}

// FileDocument reads the active memory document from disk on every call.
type FileDocument struct {
	Path string
}

func NewFileDocument(path string) *FileDocument {
	return &FileDocument{Path: path}
}

// Read returns the trimmed document text. A missing file is an empty
// document.
func (d *FileDocument) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDocumentRead, err)
	}
	if strings.TrimSpace(d.Path) == "" {
		return "", nil
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(d.Path)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrDocumentRead, ctx.Err())
	case r := <-done:
		if errors.Is(r.err, fs.ErrNotExist) {
			return "", nil
		}
		if r.err != nil {
			return "", fmt.Errorf("%w: %v", ErrDocumentRead, r.err)
		}
		return strings.TrimSpace(string(r.data)), nil
	}
}

// StaticDocument is a fixed document.
type StaticDocument string

func (s StaticDocument) Read(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDocumentRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ACTIVE.md")
	require.NoError(t, os.WriteFile(path, []byte("\n  Launch is Friday.\n"), 0644))

	text, err := NewFileDocument(path).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Launch is Friday.", text)
}

func TestFileDocumentReadsFreshEachTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ACTIVE.md")
	doc := NewFileDocument(path)
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))
	first, err := doc.Read(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	second, err := doc.Read(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v1", first)
	assert.Equal(t, "v2", second)
}

func TestFileDocumentMissingIsEmpty(t *testing.T) {
	text, err := NewFileDocument(filepath.Join(t.TempDir(), "nope.md")).Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestFileDocumentUnreadable(t *testing.T) {
	// a directory cannot be read as a file
	_, err := NewFileDocument(t.TempDir()).Read(context.Background())
	require.ErrorIs(t, err, ErrDocumentRead)
}

func TestFileDocumentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileDocument("whatever").Read(ctx)
	require.ErrorIs(t, err, ErrDocumentRead)
}

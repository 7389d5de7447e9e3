package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutWritesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	uri, err := store.Put(context.Background(), "eu/CALL-1/text.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	data, err := os.ReadFile(filepath.Join(dir, "eu", "CALL-1", "text.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))
}

func TestPutRejectsTraversal(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape.pdf", []byte("x"), "")
	assert.Error(t, err)
	_, err = store.Put(context.Background(), "", []byte("x"), "")
	assert.Error(t, err)
}

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	sum, err := MD5File(path)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)

	_, err = MD5File(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")

	assert.Equal(t, path, UniquePath(path))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	next := UniquePath(path)
	assert.Equal(t, filepath.Join(dir, "song_1.mp3"), next)

	require.NoError(t, os.WriteFile(next, []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "song_2.mp3"), UniquePath(path))
}

package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"depot/internal/storage"
)

func writeTempFile(t *testing.T, dir string, name string, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing %s", name)
	return path
}

func TestLinkOrCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeTempFile(t, dir, "src", "payload bytes")
	dst := filepath.Join(dir, "dst")

	require.NoError(t, storage.LinkOrCopyFile(src, dst), "LinkOrCopyFile error")

	data, err := os.ReadFile(dst)
	require.NoError(t, err, "reading destination")
	require.Equal(t, "payload bytes", string(data), "destination content")

	// Same filesystem, so the copy should be a hard link.
	srcInfo, err := os.Stat(src)
	require.NoError(t, err, "stat source")
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err, "stat destination")
	require.True(t, os.SameFile(srcInfo, dstInfo), "expected a hard link")
}

func TestLinkOrCopyFileBreaksExistingLink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeTempFile(t, dir, "src", "new content")
	other := writeTempFile(t, dir, "other", "original content")

	// dst starts as a hard link of other; replacing dst must not write
	// through the link into other.
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Link(other, dst), "linking fixture")

	require.NoError(t, storage.LinkOrCopyFile(src, dst), "LinkOrCopyFile error")

	data, err := os.ReadFile(dst)
	require.NoError(t, err, "reading destination")
	require.Equal(t, "new content", string(data), "destination content")

	data, err = os.ReadFile(other)
	require.NoError(t, err, "reading linked original")
	require.Equal(t, "original content", string(data), "original must be untouched")
}

func TestLinkOrCopyFileSamePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeTempFile(t, dir, "src", "payload")

	require.NoError(t, storage.LinkOrCopyFile(src, src), "LinkOrCopyFile onto itself")

	data, err := os.ReadFile(src)
	require.NoError(t, err, "reading file")
	require.Equal(t, "payload", string(data), "content preserved")
}

func TestMoveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeTempFile(t, dir, "src", "moved bytes")
	dst := filepath.Join(dir, "dst")

	require.NoError(t, storage.MoveFile(src, dst), "MoveFile error")

	data, err := os.ReadFile(dst)
	require.NoError(t, err, "reading destination")
	require.Equal(t, "moved bytes", string(data), "destination content")

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err), "source must be gone")
}

func TestMoveFileMissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := storage.MoveFile(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	require.Error(t, err, "moving a missing file")
}

package storage_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"depot/internal/depot"
	"depot/internal/storage"
)

func newMockedFSEngine(t *testing.T) (*storage.FSEngine, *clock.Mock, string) {
	t.Helper()

	dir := t.TempDir()
	mock := clock.NewMock()
	engine := storage.NewFSEngine(storage.FSConfig{CachePath: dir, Clock: mock})
	require.NoError(t, engine.Init(t.Context()), "Init error")
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	return engine, mock, dir
}

// countObjects walks the content-addressed store and counts payload files.
func countObjects(t *testing.T, cachePath string) int {
	t.Helper()

	var count int
	err := filepath.WalkDir(filepath.Join(cachePath, "objects"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err, "walking object store")
	return count
}

func TestFSEngineInitCreatesLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	engine := storage.NewFSEngine(storage.FSConfig{CachePath: filepath.Join(dir, "depot", "fs")})
	require.NoError(t, engine.Init(t.Context()), "Init error")
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	for _, sub := range []string{"objects", "tmp", "index.db"} {
		_, err := os.Stat(filepath.Join(dir, "depot", "fs", sub))
		require.NoErrorf(t, err, "expected %s to exist", sub)
	}

	// Re-initialization is a no-op.
	require.NoError(t, engine.Init(t.Context()), "second Init error")
}

func TestFSEngineInitRequiresCachePath(t *testing.T) {
	t.Parallel()

	engine := storage.NewFSEngine(storage.FSConfig{})
	err := engine.Init(t.Context())
	require.ErrorIs(t, err, depot.ErrInitialization, "Init without a cache path")
}

func TestFSEngineDeduplicatesPayloads(t *testing.T) {
	t.Parallel()

	engine, _, dir := newMockedFSEngine(t)

	// Two artifact versions carrying identical bytes share one payload file.
	g1, h1 := commitVersion(t, engine, "shared payload")
	g2, h2 := commitVersion(t, engine, "shared payload")

	require.Equal(t, 1, countObjects(t, dir), "payload files after duplicate commit")

	for _, id := range []struct {
		guid depot.ObjectID
		hash depot.VersionHash
	}{{g1, h1}, {g2, h2}} {
		infos, err := engine.GetFileInfo(t.Context(), id.guid, id.hash)
		require.NoError(t, err, "GetFileInfo error")
		require.Len(t, infos, 1, "stored file count")
	}
}

func TestFSEnginePersistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first := storage.NewFSEngine(storage.FSConfig{CachePath: dir})
	require.NoError(t, first.Init(t.Context()), "first Init error")
	guid, hash := commitVersion(t, first, "durable payload")
	require.NoError(t, first.Shutdown(t.Context()), "Shutdown error")

	second := storage.NewFSEngine(storage.FSConfig{CachePath: dir})
	require.NoError(t, second.Init(t.Context()), "second Init error")
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	infos, err := second.GetFileInfo(t.Context(), guid, hash)
	require.NoError(t, err, "GetFileInfo after restart")
	require.Len(t, infos, 1, "stored file count after restart")
	require.Equal(t, int64(len("durable payload")), infos[0].Size, "size after restart")
}

func TestFSEngineInvalidTransactionLeavesNothing(t *testing.T) {
	t.Parallel()

	engine, _, dir := newMockedFSEngine(t)
	guid, hash := newIDs(t)

	trx, err := engine.CreatePutTransaction(t.Context(), guid, hash)
	require.NoError(t, err, "CreatePutTransaction error")

	w, err := trx.GetWriteStream(t.Context(), depot.KindBinary, 10)
	require.NoError(t, err, "GetWriteStream error")
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err, "write payload")
	require.NoError(t, w.Close(), "close stream")

	require.NoError(t, trx.Finalize(t.Context()), "Finalize error")
	require.False(t, trx.Valid(), "transaction validity")

	_, err = engine.GetFileInfo(t.Context(), guid, hash)
	require.ErrorIs(t, err, depot.ErrNotFound, "nothing indexed")
	require.Equal(t, 0, countObjects(t, dir), "no payload files")

	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err, "reading tmp dir")
	require.Empty(t, entries, "temp files discarded")
}

func TestFSTransactionWriteFilesToPath(t *testing.T) {
	t.Parallel()

	engine, _, _ := newMockedFSEngine(t)
	guid, hash := newIDs(t)

	trx, err := engine.CreatePutTransaction(t.Context(), guid, hash)
	require.NoError(t, err, "CreatePutTransaction error")
	writeKind(t, trx, depot.KindBinary, "binary payload")
	writeKind(t, trx, depot.KindInfo, `{"v":1}`)

	// Before finalize, materialization serves from in-flight uploads.
	before := t.TempDir()
	paths, err := trx.WriteFilesToPath(t.Context(), before)
	require.NoError(t, err, "WriteFilesToPath before finalize")
	require.Len(t, paths, 2, "materialized file count")

	wantBinary := filepath.Join(before, depot.ReplicaFileName(guid, hash, depot.KindBinary))
	require.Equal(t, wantBinary, paths[0], "binary replica path")
	data, err := os.ReadFile(wantBinary)
	require.NoError(t, err, "reading binary replica")
	require.Equal(t, "binary payload", string(data), "binary replica content")

	require.NoError(t, trx.Finalize(t.Context()), "Finalize error")
	require.True(t, trx.Valid(), "transaction validity")

	// After finalize, materialization serves from the committed store.
	after := t.TempDir()
	paths, err = trx.WriteFilesToPath(t.Context(), after)
	require.NoError(t, err, "WriteFilesToPath after finalize")
	require.Len(t, paths, 2, "materialized file count after finalize")
	data, err = os.ReadFile(filepath.Join(after, depot.ReplicaFileName(guid, hash, depot.KindInfo)))
	require.NoError(t, err, "reading info replica")
	require.Equal(t, `{"v":1}`, string(data), "info replica content")
}

func TestFSEngineCleanupExpiry(t *testing.T) {
	t.Parallel()

	engine, mock, dir := newMockedFSEngine(t)

	oldGUID, oldHash := commitVersion(t, engine, "old payload")
	mock.Add(10 * 24 * time.Hour)
	newGUID, newHash := commitVersion(t, engine, "new payload")

	result, err := engine.Cleanup(t.Context(), depot.CleanupOptions{ExpireAfter: 7 * 24 * time.Hour})
	require.NoError(t, err, "Cleanup error")
	require.Equal(t, int64(1), result.Artifacts, "expired artifact count")
	require.Equal(t, int64(1), result.Objects, "removed payload count")
	require.Equal(t, int64(len("old payload")), result.Bytes, "removed payload bytes")

	_, err = engine.GetFileInfo(t.Context(), oldGUID, oldHash)
	require.ErrorIs(t, err, depot.ErrNotFound, "expired artifact gone")

	_, err = engine.GetFileInfo(t.Context(), newGUID, newHash)
	require.NoError(t, err, "recent artifact kept")

	require.Equal(t, 1, countObjects(t, dir), "payload files after cleanup")
}

func TestFSEngineCleanupKeepsSharedPayloads(t *testing.T) {
	t.Parallel()

	engine, mock, dir := newMockedFSEngine(t)

	// Old and new versions share bytes; expiring the old one must not take
	// the payload with it.
	oldGUID, oldHash := commitVersion(t, engine, "shared payload")
	mock.Add(10 * 24 * time.Hour)
	_, _ = commitVersion(t, engine, "shared payload")

	result, err := engine.Cleanup(t.Context(), depot.CleanupOptions{ExpireAfter: 7 * 24 * time.Hour})
	require.NoError(t, err, "Cleanup error")
	require.Equal(t, int64(1), result.Artifacts, "expired artifact count")
	require.Equal(t, int64(0), result.Objects, "shared payload must survive")

	_, err = engine.GetFileInfo(t.Context(), oldGUID, oldHash)
	require.ErrorIs(t, err, depot.ErrNotFound, "expired artifact gone")
	require.Equal(t, 1, countObjects(t, dir), "payload files after cleanup")
}

func TestFSEngineCleanupSizeBudget(t *testing.T) {
	t.Parallel()

	engine, mock, _ := newMockedFSEngine(t)

	g1, h1 := commitVersion(t, engine, strings.Repeat("a", 100))
	mock.Add(time.Hour)
	g2, h2 := commitVersion(t, engine, strings.Repeat("b", 100))
	mock.Add(time.Hour)
	g3, h3 := commitVersion(t, engine, strings.Repeat("c", 100))

	result, err := engine.Cleanup(t.Context(), depot.CleanupOptions{MaxCacheSize: 150})
	require.NoError(t, err, "Cleanup error")
	require.Equal(t, int64(2), result.Artifacts, "evicted artifact count")
	require.Equal(t, int64(2), result.Objects, "removed payload count")
	require.Equal(t, int64(200), result.Bytes, "removed payload bytes")

	// The two least recently accessed versions go first.
	_, err = engine.GetFileInfo(t.Context(), g1, h1)
	require.ErrorIs(t, err, depot.ErrNotFound, "oldest version evicted")
	_, err = engine.GetFileInfo(t.Context(), g2, h2)
	require.ErrorIs(t, err, depot.ErrNotFound, "second oldest version evicted")
	_, err = engine.GetFileInfo(t.Context(), g3, h3)
	require.NoError(t, err, "newest version kept")
}

func TestFSEngineCleanupDryRun(t *testing.T) {
	t.Parallel()

	engine, mock, dir := newMockedFSEngine(t)

	guid, hash := commitVersion(t, engine, "payload")
	mock.Add(48 * time.Hour)

	result, err := engine.Cleanup(t.Context(), depot.CleanupOptions{ExpireAfter: 24 * time.Hour, DryRun: true})
	require.NoError(t, err, "Cleanup error")
	require.Equal(t, int64(1), result.Artifacts, "would-expire artifact count")
	require.Equal(t, int64(1), result.Objects, "would-remove payload count")
	require.Equal(t, int64(len("payload")), result.Bytes, "would-remove payload bytes")

	// Nothing actually removed.
	_, err = engine.GetFileInfo(t.Context(), guid, hash)
	require.NoError(t, err, "artifact survives a dry run")
	require.Equal(t, 1, countObjects(t, dir), "payload files after dry run")
}

func TestFSEngineCleanupReadKeepsArtifactAlive(t *testing.T) {
	t.Parallel()

	engine, mock, _ := newMockedFSEngine(t)

	guid, hash := commitVersion(t, engine, "touched payload")
	mock.Add(6 * 24 * time.Hour)

	// A read refreshes the access time and restarts the expiry window.
	_, err := engine.GetFileInfo(t.Context(), guid, hash)
	require.NoError(t, err, "GetFileInfo error")
	mock.Add(6 * 24 * time.Hour)

	result, err := engine.Cleanup(t.Context(), depot.CleanupOptions{ExpireAfter: 7 * 24 * time.Hour})
	require.NoError(t, err, "Cleanup error")
	require.Equal(t, int64(0), result.Artifacts, "recently read artifact kept")

	_, err = engine.GetFileInfo(t.Context(), guid, hash)
	require.NoError(t, err, "artifact still served")
}

func TestFSEngineStats(t *testing.T) {
	t.Parallel()

	engine, _, _ := newMockedFSEngine(t)

	_, _ = commitVersion(t, engine, "aaaa")

	guid, hash := newIDs(t)
	trx, err := engine.CreatePutTransaction(t.Context(), guid, hash)
	require.NoError(t, err, "CreatePutTransaction error")
	writeKind(t, trx, depot.KindBinary, "bbbbb")
	writeKind(t, trx, depot.KindResource, "cccccc")
	require.NoError(t, trx.Finalize(t.Context()), "Finalize error")

	stats, err := engine.Stats(t.Context())
	require.NoError(t, err, "Stats error")
	require.Equal(t, int64(3), stats.Entries, "stored file count")
	require.Equal(t, int64(4+5+6), stats.TotalBytes, "stored byte count")
}

package depot

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubEngine is a minimal in-memory Engine for cache orchestration tests.
type stubEngine struct {
	initErr   error
	inits     atomic.Int64
	shutdowns atomic.Int64
}

func (e *stubEngine) Properties() Properties { return Properties{} }

func (e *stubEngine) Init(ctx context.Context) error {
	e.inits.Add(1)
	return e.initErr
}

func (e *stubEngine) Shutdown(ctx context.Context) error {
	e.shutdowns.Add(1)
	return nil
}

func (e *stubEngine) GetFileInfo(ctx context.Context, guid ObjectID, hash VersionHash) ([]FileInfo, error) {
	return nil, Newf(ErrNotFound, "artifact %s-%s", guid, hash)
}

func (e *stubEngine) GetFileStream(ctx context.Context, kind FileKind, guid ObjectID, hash VersionHash) (io.ReadCloser, error) {
	return nil, Newf(ErrNotFound, "%s file of %s-%s", kind, guid, hash)
}

func (e *stubEngine) CreatePutTransaction(ctx context.Context, guid ObjectID, hash VersionHash) (PutTransaction, error) {
	return NewTransactionBase(guid, hash), nil
}

func (e *stubEngine) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	return CleanupResult{}, nil
}

// statsEngine decorates stubEngine with a fixed Stats answer.
type statsEngine struct {
	stubEngine
	stats Stats
}

func (e *statsEngine) Stats(ctx context.Context) (Stats, error) {
	return e.stats, nil
}

// countingProcessor records ProcessTransaction invocations.
type countingProcessor struct {
	calls atomic.Int64
	err   error
}

func (p *countingProcessor) ProcessTransaction(ctx context.Context, trx PutTransaction) error {
	p.calls.Add(1)
	return p.err
}

// failingFinalize simulates a backend whose commit step fails.
type failingFinalize struct {
	*TransactionBase
}

func (f *failingFinalize) Finalize(ctx context.Context) error {
	return Newf(ErrFinalize, "commit failed")
}

func newValidTransaction(t *testing.T) *TransactionBase {
	t.Helper()

	guid, hash := testIdentifiers(t)
	trx := NewTransactionBase(guid, hash)
	require.NoError(t, trx.DeclareIntent(KindBinary, int64(len("abc"))), "declaring binary")
	trx.PutRecord(record(KindBinary, "abc"))
	return trx
}

func newIncompleteTransaction(t *testing.T) *TransactionBase {
	t.Helper()

	guid, hash := testIdentifiers(t)
	trx := NewTransactionBase(guid, hash)
	require.NoError(t, trx.DeclareIntent(KindBinary, 3), "declaring binary")
	return trx
}

func TestCacheEndPutTransactionDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		options   []CacheOption
		trx       func(t *testing.T) *TransactionBase
		wantCalls int64
	}{
		{
			name:      "reliability off skips dispatch",
			trx:       newValidTransaction,
			wantCalls: 0,
		},
		{
			name:      "valid transaction dispatched",
			options:   []CacheOption{WithHighReliability(2)},
			trx:       newValidTransaction,
			wantCalls: 1,
		},
		{
			name:      "invalid transaction skipped",
			options:   []CacheOption{WithHighReliability(2)},
			trx:       newIncompleteTransaction,
			wantCalls: 0,
		},
	}

	for _, tc := range tests {
		// capture range variable
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			processor := &countingProcessor{}
			opts := append([]CacheOption{WithProcessor(processor)}, tc.options...)
			cache := NewCache(&stubEngine{}, opts...)
			require.NoError(t, cache.Init(t.Context()), "Init error")

			trx := tc.trx(t)
			require.NoError(t, cache.EndPutTransaction(t.Context(), trx), "EndPutTransaction error")
			require.Equal(t, tc.wantCalls, processor.calls.Load(), "processor invocations")
			require.Equal(t, StateClosed, trx.State(), "transaction closed either way")
		})
	}
}

func TestCacheEndPutTransactionAlreadyFinalized(t *testing.T) {
	t.Parallel()

	processor := &countingProcessor{}
	cache := NewCache(&stubEngine{}, WithHighReliability(2), WithProcessor(processor))
	require.NoError(t, cache.Init(t.Context()), "Init error")

	trx := newValidTransaction(t)
	require.NoError(t, trx.Finalize(t.Context()), "external Finalize error")

	// The cache re-finalizes (a no-op) and still dispatches exactly once.
	require.NoError(t, cache.EndPutTransaction(t.Context(), trx), "EndPutTransaction error")
	require.Equal(t, int64(1), processor.calls.Load(), "processor invocations")
}

func TestCacheEndPutTransactionFinalizeFailure(t *testing.T) {
	t.Parallel()

	processor := &countingProcessor{}
	cache := NewCache(&stubEngine{}, WithHighReliability(2), WithProcessor(processor))
	require.NoError(t, cache.Init(t.Context()), "Init error")

	trx := &failingFinalize{TransactionBase: newValidTransaction(t)}

	err := cache.EndPutTransaction(t.Context(), trx)
	require.ErrorIs(t, err, ErrFinalize, "finalize failure propagates")
	require.Equal(t, int64(0), processor.calls.Load(), "no dispatch after finalize failure")
}

func TestCacheEndPutTransactionReplicationFailure(t *testing.T) {
	t.Parallel()

	processor := &countingProcessor{err: Newf(ErrReplication, "1 of 2 required copies")}
	cache := NewCache(&stubEngine{}, WithHighReliability(2), WithProcessor(processor))
	require.NoError(t, cache.Init(t.Context()), "Init error")

	trx := newValidTransaction(t)
	err := cache.EndPutTransaction(t.Context(), trx)
	require.ErrorIs(t, err, ErrReplication, "replication failure propagates")

	// The primary commit stands: the transaction stays finalized and valid.
	require.True(t, trx.Valid(), "transaction validity after replication failure")
	require.Equal(t, StateClosed, trx.State(), "transaction state after replication failure")
}

func TestCacheInitBuildsReliabilityManager(t *testing.T) {
	t.Parallel()

	mirror := &stubReplicator{name: "mirror-a"}
	cache := NewCache(&stubEngine{}, WithHighReliability(2), WithMirrors(mirror))
	require.NoError(t, cache.Init(t.Context()), "Init error")

	trx := newValidTransaction(t)
	require.NoError(t, cache.EndPutTransaction(t.Context(), trx), "EndPutTransaction error")
	require.Equal(t, int64(1), mirror.calls.Load(), "mirror invocations")
}

func TestCacheInitDefaultThreshold(t *testing.T) {
	t.Parallel()

	// Threshold zero selects the default of two copies; with no mirrors the
	// primary write alone cannot satisfy it.
	cache := NewCache(&stubEngine{}, WithHighReliability(0))
	require.NoError(t, cache.Init(t.Context()), "Init error")

	trx := newValidTransaction(t)
	err := cache.EndPutTransaction(t.Context(), trx)
	require.ErrorIs(t, err, ErrReplication, "under default threshold without mirrors")
}

func TestCacheInitEngineFailure(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{initErr: Newf(ErrInitialization, "index unavailable")}
	cache := NewCache(engine, WithHighReliability(2))

	err := cache.Init(t.Context())
	require.ErrorIs(t, err, ErrInitialization, "engine init failure propagates")
}

func TestCacheStats(t *testing.T) {
	t.Parallel()

	// A backend without stats support reports ErrNotImplemented.
	plain := NewCache(&stubEngine{})
	_, err := plain.Stats(t.Context())
	require.ErrorIs(t, err, ErrNotImplemented, "stats on a plain backend")

	// A stats-capable backend answers through the cache.
	withStats := NewCache(&statsEngine{stats: Stats{Entries: 3, TotalBytes: 42}})
	stats, err := withStats.Stats(t.Context())
	require.NoError(t, err, "Stats error")
	require.Equal(t, int64(3), stats.Entries, "entries")
	require.Equal(t, int64(42), stats.TotalBytes, "total bytes")
}

func TestCachePassThroughs(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	cache := NewCache(engine)
	require.NoError(t, cache.Init(t.Context()), "Init error")

	guid, hash := testIdentifiers(t)

	_, err := cache.GetFileInfo(t.Context(), guid, hash)
	require.ErrorIs(t, err, ErrNotFound, "GetFileInfo passes through")

	_, err = cache.GetFileStream(t.Context(), KindBinary, guid, hash)
	require.ErrorIs(t, err, ErrNotFound, "GetFileStream passes through")

	trx, err := cache.CreatePutTransaction(t.Context(), guid, hash)
	require.NoError(t, err, "CreatePutTransaction error")
	require.Equal(t, guid, trx.GUID(), "transaction guid")
	require.Equal(t, hash, trx.Hash(), "transaction hash")

	require.NoError(t, cache.Shutdown(t.Context()), "Shutdown error")
	require.Equal(t, int64(1), engine.shutdowns.Load(), "shutdown forwarded")
}

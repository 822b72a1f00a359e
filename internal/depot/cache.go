package depot

import (
	"context"
	"io"
	"log/slog"
)

// Cache couples a storage Engine with the engine-wide write policy. Reads
// and transaction creation pass through to the backend; EndPutTransaction is
// the one orchestration step the cache owns outright.
type Cache struct {
	engine          Engine
	highReliability bool
	threshold       int
	mirrors         []Replicator
	processor       TransactionProcessor
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHighReliability enables reliability dispatch for valid transactions.
// A threshold below one selects DefaultReliabilityThreshold.
func WithHighReliability(threshold int) CacheOption {
	return func(c *Cache) {
		c.highReliability = true
		if threshold >= 1 {
			c.threshold = threshold
		}
	}
}

// WithMirrors sets the replication targets used when high reliability is
// enabled.
func WithMirrors(mirrors ...Replicator) CacheOption {
	return func(c *Cache) {
		c.mirrors = mirrors
	}
}

// WithProcessor injects a transaction processor, replacing the
// ReliabilityManager that Init would otherwise construct.
func WithProcessor(p TransactionProcessor) CacheOption {
	return func(c *Cache) {
		c.processor = p
	}
}

// NewCache wraps engine with the given policy options.
func NewCache(engine Engine, opts ...CacheOption) *Cache {
	c := &Cache{
		engine:    engine,
		threshold: DefaultReliabilityThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine returns the wrapped backend.
func (c *Cache) Engine() Engine { return c.engine }

// Init initializes the backend and, when high reliability is on and no
// processor was injected, constructs the ReliabilityManager from the
// configured threshold and mirrors.
func (c *Cache) Init(ctx context.Context) error {
	if err := c.engine.Init(ctx); err != nil {
		return err
	}
	if c.highReliability && c.processor == nil {
		manager, err := NewReliabilityManager(c.threshold, c.mirrors...)
		if err != nil {
			return Newf(ErrInitialization, "reliability manager: %w", err)
		}
		c.processor = manager
		slog.Info("High reliability enabled", "threshold", c.threshold, "mirrors", len(c.mirrors))
	}
	return nil
}

// Shutdown releases the backend. The cache must not be used afterwards.
func (c *Cache) Shutdown(ctx context.Context) error {
	return c.engine.Shutdown(ctx)
}

// EndPutTransaction finalizes trx and, only when high reliability is on and
// the transaction finalized valid, hands it to the transaction processor and
// awaits it. The two steps are strictly ordered: a finalize failure
// propagates before any reliability dispatch. A replication failure
// propagates to the caller but never undoes the committed primary write.
// Skipping dispatch for invalid transactions or with reliability off is not
// an error.
func (c *Cache) EndPutTransaction(ctx context.Context, trx PutTransaction) error {
	if err := trx.Finalize(ctx); err != nil {
		return err
	}
	if !c.highReliability || c.processor == nil || !trx.Valid() {
		return nil
	}
	return c.processor.ProcessTransaction(ctx, trx)
}

func (c *Cache) GetFileInfo(ctx context.Context, guid ObjectID, hash VersionHash) ([]FileInfo, error) {
	return c.engine.GetFileInfo(ctx, guid, hash)
}

func (c *Cache) GetFileStream(ctx context.Context, kind FileKind, guid ObjectID, hash VersionHash) (io.ReadCloser, error) {
	return c.engine.GetFileStream(ctx, kind, guid, hash)
}

func (c *Cache) CreatePutTransaction(ctx context.Context, guid ObjectID, hash VersionHash) (PutTransaction, error) {
	return c.engine.CreatePutTransaction(ctx, guid, hash)
}

func (c *Cache) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	return c.engine.Cleanup(ctx, opts)
}

// Stats summarizes the backend when it supports summaries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if provider, ok := c.engine.(StatsProvider); ok {
		return provider.Stats(ctx)
	}
	return Stats{}, Newf(ErrNotImplemented, "stats for this backend")
}

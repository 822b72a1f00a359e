package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/opencontainers/go-digest"

	"depot/internal/depot"
)

// ramEntry is one stored file: the payload plus its content digest.
type ramEntry struct {
	data []byte
	dgst digest.Digest
}

// RAMConfig configures the in-memory backend.
type RAMConfig struct {
	// MaxCacheSize bounds the total payload bytes held in memory.
	MaxCacheSize int64

	// TTL expires entries unread for the duration. Zero disables expiry.
	TTL time.Duration
}

// RAMEngine keeps artifact files in an otter cache whose cost function is
// the payload byte length, so the configured budget bounds memory use and
// least-used entries are evicted under pressure. Nothing survives Shutdown.
type RAMEngine struct {
	cfg RAMConfig

	mu    sync.Mutex
	cache otter.Cache[string, ramEntry]
	ready bool
	bytes atomic.Int64
}

// NewRAMEngine builds an uninitialized in-memory backend.
func NewRAMEngine(cfg RAMConfig) *RAMEngine {
	return &RAMEngine{cfg: cfg}
}

func (e *RAMEngine) Properties() depot.Properties {
	return depot.Properties{
		depot.PropCleanup: false,
		depot.PropDurable: false,
	}
}

// Init builds the bounded cache. Calling Init on an initialized engine is a
// no-op.
func (e *RAMEngine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}
	if e.cfg.MaxCacheSize <= 0 {
		return depot.Newf(depot.ErrInitialization, "ram backend requires a positive byte budget")
	}

	capacity := int(min(e.cfg.MaxCacheSize, int64(math.MaxInt)))
	builder := otter.MustBuilder[string, ramEntry](capacity).
		Cost(func(key string, entry ramEntry) uint32 {
			return uint32(min(int64(len(entry.data)), int64(math.MaxUint32)))
		}).
		DeletionListener(func(key string, entry ramEntry, cause otter.DeletionCause) {
			e.bytes.Add(-int64(len(entry.data)))
		})

	var (
		cache otter.Cache[string, ramEntry]
		err   error
	)
	if e.cfg.TTL > 0 {
		cache, err = builder.WithTTL(e.cfg.TTL).Build()
	} else {
		cache, err = builder.Build()
	}
	if err != nil {
		return depot.Newf(depot.ErrInitialization, "build memory cache: %w", err)
	}

	e.cache = cache
	e.ready = true
	return nil
}

// Shutdown drops every entry and stops the cache's background work.
func (e *RAMEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil
	}
	e.cache.Close()
	e.ready = false
	e.bytes.Store(0)
	return nil
}

func (e *RAMEngine) GetFileInfo(ctx context.Context, guid depot.ObjectID, hash depot.VersionHash) ([]depot.FileInfo, error) {
	var infos []depot.FileInfo
	for _, kind := range depot.KindOrder {
		entry, ok := e.cache.Get(depot.ReplicaFileName(guid, hash, kind))
		if !ok {
			continue
		}
		infos = append(infos, depot.FileInfo{Kind: kind, Size: int64(len(entry.data)), Digest: entry.dgst})
	}
	if len(infos) == 0 {
		return nil, depot.Newf(depot.ErrNotFound, "artifact %s-%s", guid, hash)
	}
	return infos, nil
}

func (e *RAMEngine) GetFileStream(ctx context.Context, kind depot.FileKind, guid depot.ObjectID, hash depot.VersionHash) (io.ReadCloser, error) {
	entry, ok := e.cache.Get(depot.ReplicaFileName(guid, hash, kind))
	if !ok {
		return nil, depot.Newf(depot.ErrNotFound, "%s file of %s-%s", kind, guid, hash)
	}
	return io.NopCloser(bytes.NewReader(entry.data)), nil
}

func (e *RAMEngine) CreatePutTransaction(ctx context.Context, guid depot.ObjectID, hash depot.VersionHash) (depot.PutTransaction, error) {
	return &ramTransaction{
		TransactionBase: depot.NewTransactionBase(guid, hash),
		engine:          e,
		bufs:            make(map[depot.FileKind][]byte),
	}, nil
}

// Cleanup is not supported: the cache evicts on its own.
func (e *RAMEngine) Cleanup(ctx context.Context, opts depot.CleanupOptions) (depot.CleanupResult, error) {
	return depot.CleanupResult{}, depot.Newf(depot.ErrNotImplemented, "cleanup for the ram backend")
}

func (e *RAMEngine) Stats(ctx context.Context) (depot.Stats, error) {
	return depot.Stats{
		Entries:    int64(e.cache.Size()),
		TotalBytes: e.bytes.Load(),
	}, nil
}

var (
	_ depot.Engine        = (*RAMEngine)(nil)
	_ depot.StatsProvider = (*RAMEngine)(nil)
)

// ramTransaction accumulates uploads in memory and installs them as cache
// entries at finalize.
type ramTransaction struct {
	*depot.TransactionBase
	engine *RAMEngine

	mu   sync.Mutex
	bufs map[depot.FileKind][]byte
}

func (t *ramTransaction) GetWriteStream(ctx context.Context, kind depot.FileKind, size int64) (io.WriteCloser, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown file kind %q", string(kind))
	}
	if err := t.DeclareIntent(kind, size); err != nil {
		return nil, err
	}

	return &ramWriteStream{
		trx:      t,
		kind:     kind,
		digester: digest.Canonical.Digester(),
	}, nil
}

func (t *ramTransaction) register(kind depot.FileKind, data []byte, dgst digest.Digest) {
	t.mu.Lock()
	t.bufs[kind] = data
	t.mu.Unlock()

	t.PutRecord(depot.FileRecord{Kind: kind, Digest: dgst, Size: int64(len(data))})
}

func (t *ramTransaction) payloadFor(kind depot.FileKind) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.bufs[kind]
	return data, ok
}

func (t *ramTransaction) discardBufs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.bufs)
}

// Finalize validates the manifest and, for a valid transaction, installs the
// accumulated payloads as cache entries. An invalid transaction finalizes
// without error and installs nothing.
func (t *ramTransaction) Finalize(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}

	if !t.ManifestComplete() {
		t.discardBufs()
		t.CompleteFinalize(false)
		return nil
	}

	if err := t.install(); err != nil {
		t.discardBufs()
		t.CompleteFinalize(false)
		return depot.Newf(depot.ErrFinalize, "install %s-%s: %w", t.GUID(), t.Hash(), err)
	}

	t.CompleteFinalize(true)
	return nil
}

func (t *ramTransaction) Abort(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}
	t.discardBufs()
	t.CompleteFinalize(false)
	return nil
}

func (t *ramTransaction) install() error {
	e := t.engine

	var installed []string
	for _, rec := range t.Files() {
		data, ok := t.payloadFor(rec.Kind)
		if !ok {
			return fmt.Errorf("no upload for %s file", rec.Kind)
		}

		key := depot.ReplicaFileName(t.GUID(), t.Hash(), rec.Kind)
		if !e.cache.Set(key, ramEntry{data: data, dgst: rec.Digest}) {
			// The entry alone exceeds the byte budget. Undo this
			// transaction's other entries so the version is never partial.
			for _, k := range installed {
				e.cache.Delete(k)
			}
			return fmt.Errorf("%s payload of %d bytes exceeds the cache budget", rec.Kind, len(data))
		}
		e.bytes.Add(int64(len(data)))
		installed = append(installed, key)
	}
	return nil
}

// WriteFilesToPath materializes every completed record into dir, from the
// in-memory uploads before finalize and from cache entries afterwards.
func (t *ramTransaction) WriteFilesToPath(ctx context.Context, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination %s: %w", dir, err)
	}

	var paths []string
	for _, rec := range t.Files() {
		name := depot.ReplicaFileName(t.GUID(), t.Hash(), rec.Kind)

		data, ok := t.payloadFor(rec.Kind)
		if !ok {
			entry, found := t.engine.cache.Get(name)
			if !found {
				return nil, depot.Newf(depot.ErrNotFound, "%s payload of %s-%s", rec.Kind, t.GUID(), t.Hash())
			}
			data = entry.data
		}

		dst := filepath.Join(dir, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("materialize %s file: %w", rec.Kind, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

var _ depot.PutTransaction = (*ramTransaction)(nil)

// ramWriteStream buffers upload bytes in memory while computing their
// digest. Close registers the completed payload with the transaction.
type ramWriteStream struct {
	trx      *ramTransaction
	kind     depot.FileKind
	buf      bytes.Buffer
	digester digest.Digester
	closed   bool
}

func (s *ramWriteStream) Write(p []byte) (int, error) {
	n, err := s.buf.Write(p)
	if n > 0 {
		_, _ = s.digester.Hash().Write(p[:n])
	}
	return n, err
}

func (s *ramWriteStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.trx.register(s.kind, s.buf.Bytes(), s.digester.Digest())
	return nil
}

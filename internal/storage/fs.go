package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"depot/internal/depot"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// FSConfig configures the filesystem backend.
type FSConfig struct {
	// CachePath is the working directory. It is created recursively on Init.
	CachePath string

	// Clock supplies the time used for access tracking and cleanup cutoffs.
	// Nil selects the wall clock.
	Clock clock.Clock
}

// FSEngine stores artifact payloads as content-addressed files under
// objects/<digest[:2]>/<digest> with a SQLite index mapping artifact
// versions to their payloads. Payloads shared between versions are stored
// once.
type FSEngine struct {
	cfg FSConfig
	clk clock.Clock

	mu sync.Mutex
	db *sql.DB
}

// NewFSEngine builds an uninitialized filesystem backend.
func NewFSEngine(cfg FSConfig) *FSEngine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &FSEngine{cfg: cfg, clk: clk}
}

func (e *FSEngine) Properties() depot.Properties {
	return depot.Properties{
		depot.PropCleanup: true,
		depot.PropDurable: true,
	}
}

// applySchema applies all SQL files in the embedded migrations in
// lexicographical order.
func applySchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readErr := migrationsFS.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read migration %s: %w", path, readErr)
		}

		slog.Info("Applying migration", "path", path)
		_, execErr := db.ExecContext(ctx, string(content))
		return execErr
	})
}

// Init creates the working directory layout and opens the index database.
// Calling Init on an initialized engine is a no-op.
func (e *FSEngine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return nil
	}
	if e.cfg.CachePath == "" {
		return depot.Newf(depot.ErrInitialization, "fs backend requires a cache path")
	}

	for _, dir := range []string{e.cfg.CachePath, e.objectsDir(), e.tmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return depot.Newf(depot.ErrInitialization, "create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", filepath.Join(e.cfg.CachePath, "index.db"))
	if err != nil {
		return depot.Newf(depot.ErrInitialization, "open index: %w", err)
	}

	// go-sqlite3 serializes writers badly across connections; a single
	// connection avoids spurious SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return depot.Newf(depot.ErrInitialization, "apply schema: %w", err)
	}

	e.db = db
	return nil
}

// Shutdown closes the index. The engine must not be used afterwards.
func (e *FSEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func (e *FSEngine) objectsDir() string { return filepath.Join(e.cfg.CachePath, "objects") }
func (e *FSEngine) tmpDir() string     { return filepath.Join(e.cfg.CachePath, "tmp") }

// objectPath is the sharded content-addressed location of one payload.
func (e *FSEngine) objectPath(dgst digest.Digest) string {
	enc := dgst.Encoded()
	return filepath.Join(e.objectsDir(), enc[:2], enc)
}

func (e *FSEngine) now() time.Time { return e.clk.Now().UTC() }

// touchVersion bumps the access time used by cleanup's expiry and LRU
// ordering. Failures are not fatal to the read that triggered them.
func (e *FSEngine) touchVersion(ctx context.Context, guid depot.ObjectID, hash depot.VersionHash) {
	_, err := e.db.ExecContext(ctx,
		`UPDATE artifacts SET last_access = ? WHERE guid = ? AND hash = ?`,
		e.now(), guid.String(), hash.String(),
	)
	if err != nil {
		slog.Warn("Touch artifact access time", "guid", guid, "hash", hash, "err", err)
	}
}

func (e *FSEngine) GetFileInfo(ctx context.Context, guid depot.ObjectID, hash depot.VersionHash) ([]depot.FileInfo, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT kind, digest, size FROM artifacts WHERE guid = ? AND hash = ?`,
		guid.String(), hash.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query artifact %s-%s: %w", guid, hash, err)
	}
	defer rows.Close()

	found := make(map[depot.FileKind]depot.FileInfo)
	for rows.Next() {
		var (
			kindCode string
			dgst     string
			size     int64
		)
		if err := rows.Scan(&kindCode, &dgst, &size); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		kind, err := depot.ParseFileKind(kindCode)
		if err != nil {
			return nil, fmt.Errorf("artifact %s-%s: %w", guid, hash, err)
		}
		found[kind] = depot.FileInfo{Kind: kind, Size: size, Digest: digest.Digest(dgst)}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, depot.Newf(depot.ErrNotFound, "artifact %s-%s", guid, hash)
	}

	e.touchVersion(ctx, guid, hash)

	infos := make([]depot.FileInfo, 0, len(found))
	for _, kind := range depot.KindOrder {
		if info, ok := found[kind]; ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (e *FSEngine) GetFileStream(ctx context.Context, kind depot.FileKind, guid depot.ObjectID, hash depot.VersionHash) (io.ReadCloser, error) {
	var dgst string
	err := e.db.QueryRowContext(ctx,
		`SELECT digest FROM artifacts WHERE guid = ? AND hash = ? AND kind = ?`,
		guid.String(), hash.String(), kind.Code(),
	).Scan(&dgst)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, depot.Newf(depot.ErrNotFound, "%s file of %s-%s", kind, guid, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s file of %s-%s: %w", kind, guid, hash, err)
	}

	f, err := os.Open(e.objectPath(digest.Digest(dgst)))
	if os.IsNotExist(err) {
		return nil, depot.Newf(depot.ErrNotFound, "payload %s of %s-%s", dgst, guid, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", dgst, err)
	}

	e.touchVersion(ctx, guid, hash)
	return f, nil
}

func (e *FSEngine) CreatePutTransaction(ctx context.Context, guid depot.ObjectID, hash depot.VersionHash) (depot.PutTransaction, error) {
	return &fsTransaction{
		TransactionBase: depot.NewTransactionBase(guid, hash),
		engine:          e,
		temps:           make(map[depot.FileKind]string),
	}, nil
}

// Stats reports the stored file count and the payload bytes recorded in the
// index. Deduplicated payloads are counted once per referencing file.
func (e *FSEngine) Stats(ctx context.Context) (depot.Stats, error) {
	var stats depot.Stats
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM artifacts`,
	).Scan(&stats.Entries, &stats.TotalBytes)
	if err != nil {
		return depot.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// Cleanup removes artifact versions not accessed within opts.ExpireAfter,
// then evicts least-recently-accessed versions until the index fits
// opts.MaxCacheSize, and finally deletes payload files no longer referenced
// by any index row. A zero option disables its phase; DryRun reports what a
// pass would remove without removing anything.
func (e *FSEngine) Cleanup(ctx context.Context, opts depot.CleanupOptions) (depot.CleanupResult, error) {
	now := e.now()

	type versionKey struct{ guid, hash string }
	type versionInfo struct {
		bytes      int64
		lastAccess time.Time
	}

	versions := make(map[versionKey]*versionInfo)
	rowDigests := make(map[versionKey][]string)
	refs := make(map[string]int64)
	objectBytes := make(map[string]int64)

	rows, err := e.db.QueryContext(ctx, `SELECT guid, hash, digest, size, last_access FROM artifacts`)
	if err != nil {
		return depot.CleanupResult{}, fmt.Errorf("scan index: %w", err)
	}
	for rows.Next() {
		var (
			key        versionKey
			dgst       string
			size       int64
			lastAccess time.Time
		)
		if err := rows.Scan(&key.guid, &key.hash, &dgst, &size, &lastAccess); err != nil {
			rows.Close()
			return depot.CleanupResult{}, fmt.Errorf("scan index row: %w", err)
		}

		v, ok := versions[key]
		if !ok {
			v = &versionInfo{}
			versions[key] = v
		}
		v.bytes += size
		if lastAccess.After(v.lastAccess) {
			v.lastAccess = lastAccess
		}
		rowDigests[key] = append(rowDigests[key], dgst)
		refs[dgst]++
		objectBytes[dgst] = size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return depot.CleanupResult{}, err
	}
	rows.Close()

	victims := make(map[versionKey]bool)

	if opts.ExpireAfter > 0 {
		cutoff := now.Add(-opts.ExpireAfter)
		for key, v := range versions {
			if v.lastAccess.Before(cutoff) {
				victims[key] = true
			}
		}
	}

	if opts.MaxCacheSize > 0 {
		var remaining int64
		type survivor struct {
			key versionKey
			v   *versionInfo
		}
		var survivors []survivor
		for key, v := range versions {
			if victims[key] {
				continue
			}
			remaining += v.bytes
			survivors = append(survivors, survivor{key: key, v: v})
		}
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].v.lastAccess.Before(survivors[j].v.lastAccess)
		})
		for _, s := range survivors {
			if remaining <= opts.MaxCacheSize {
				break
			}
			victims[s.key] = true
			remaining -= s.v.bytes
		}
	}

	// A payload file is removable only when every index row referencing its
	// digest belongs to a removed version.
	victimRefs := make(map[string]int64)
	for key := range victims {
		for _, dgst := range rowDigests[key] {
			victimRefs[dgst]++
		}
	}
	var orphans []string
	for dgst, count := range victimRefs {
		if refs[dgst] == count {
			orphans = append(orphans, dgst)
		}
	}

	result := depot.CleanupResult{
		Artifacts: int64(len(victims)),
		Objects:   int64(len(orphans)),
	}
	for _, dgst := range orphans {
		result.Bytes += objectBytes[dgst]
	}

	if opts.DryRun {
		return result, nil
	}
	if len(victims) == 0 {
		return result, nil
	}

	err = WithTransaction(ctx, e.db, func(tx *sql.Tx) error {
		for key := range victims {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM artifacts WHERE guid = ? AND hash = ?`, key.guid, key.hash,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return depot.CleanupResult{}, fmt.Errorf("delete expired artifacts: %w", err)
	}

	for _, dgst := range orphans {
		if err := os.Remove(e.objectPath(digest.Digest(dgst))); err != nil && !os.IsNotExist(err) {
			slog.Warn("Remove orphaned payload", "digest", dgst, "err", err)
		}
	}

	slog.Info("Cleanup pass complete",
		"artifacts", result.Artifacts, "objects", result.Objects, "bytes", result.Bytes)
	return result, nil
}

// WithTransaction runs fn within a database transaction, rolling back when
// fn or the commit fails.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var (
	_ depot.Engine        = (*FSEngine)(nil)
	_ depot.StatsProvider = (*FSEngine)(nil)
)

// fsTransaction accumulates uploads as temp files under the engine's tmp
// directory and promotes them into the content-addressed store at finalize.
type fsTransaction struct {
	*depot.TransactionBase
	engine *FSEngine

	mu    sync.Mutex
	temps map[depot.FileKind]string
}

func (t *fsTransaction) GetWriteStream(ctx context.Context, kind depot.FileKind, size int64) (io.WriteCloser, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown file kind %q", string(kind))
	}
	if err := t.DeclareIntent(kind, size); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(t.engine.tmpDir(), "put-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &fsWriteStream{
		trx:      t,
		kind:     kind,
		file:     f,
		digester: digest.Canonical.Digester(),
	}, nil
}

// register records a completed upload, replacing any earlier upload of the
// same kind.
func (t *fsTransaction) register(kind depot.FileKind, path string, dgst digest.Digest, size int64) {
	t.mu.Lock()
	if previous, ok := t.temps[kind]; ok && previous != path {
		_ = os.Remove(previous)
	}
	t.temps[kind] = path
	t.mu.Unlock()

	t.PutRecord(depot.FileRecord{Kind: kind, Digest: dgst, Size: size})
}

func (t *fsTransaction) tempFor(kind depot.FileKind) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path, ok := t.temps[kind]
	return path, ok
}

func (t *fsTransaction) discardTemps() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for kind, path := range t.temps {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Remove abandoned temp file", "path", path, "err", err)
		}
		delete(t.temps, kind)
	}
}

// Finalize validates the manifest and, for a valid transaction, promotes the
// temp files into the object store and indexes the version. An invalid
// transaction finalizes without error and commits nothing.
func (t *fsTransaction) Finalize(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}

	if !t.ManifestComplete() {
		t.discardTemps()
		t.CompleteFinalize(false)
		return nil
	}

	if err := t.commit(ctx); err != nil {
		t.discardTemps()
		t.CompleteFinalize(false)
		return depot.Newf(depot.ErrFinalize, "commit %s-%s: %w", t.GUID(), t.Hash(), err)
	}

	t.CompleteFinalize(true)
	return nil
}

func (t *fsTransaction) Abort(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}
	t.discardTemps()
	t.CompleteFinalize(false)
	return nil
}

func (t *fsTransaction) commit(ctx context.Context) error {
	records := t.Files()
	now := t.engine.now()

	for _, rec := range records {
		tempPath, ok := t.tempFor(rec.Kind)
		if !ok {
			return fmt.Errorf("no upload for %s file", rec.Kind)
		}

		target := t.engine.objectPath(rec.Digest)
		if _, err := os.Stat(target); err == nil {
			// Payload already stored under this digest; drop the duplicate.
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create object directory: %w", err)
		}
		if err := MoveFile(tempPath, target); err != nil {
			return fmt.Errorf("store %s payload: %w", rec.Kind, err)
		}
	}

	err := WithTransaction(ctx, t.engine.db, func(tx *sql.Tx) error {
		for _, rec := range records {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO artifacts(guid, hash, kind, digest, size, created_at, last_access)
				 VALUES(?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(guid, hash, kind) DO UPDATE SET
				 	digest=excluded.digest,
				 	size=excluded.size,
				 	last_access=excluded.last_access`,
				t.GUID().String(), t.Hash().String(), rec.Kind.Code(),
				rec.Digest.String(), rec.Size, now, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.discardTemps()
	return nil
}

// WriteFilesToPath materializes every completed record into dir, from temp
// files before commit and from the object store afterwards.
func (t *fsTransaction) WriteFilesToPath(ctx context.Context, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination %s: %w", dir, err)
	}

	var paths []string
	for _, rec := range t.Files() {
		src, ok := t.tempFor(rec.Kind)
		if !ok {
			src = t.engine.objectPath(rec.Digest)
		}

		dst := filepath.Join(dir, depot.ReplicaFileName(t.GUID(), t.Hash(), rec.Kind))
		if err := LinkOrCopyFile(src, dst); err != nil {
			return nil, fmt.Errorf("materialize %s file: %w", rec.Kind, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

var _ depot.PutTransaction = (*fsTransaction)(nil)

// fsWriteStream writes upload bytes to a temp file while computing their
// digest. Close registers the completed file with the transaction.
type fsWriteStream struct {
	trx      *fsTransaction
	kind     depot.FileKind
	file     *os.File
	digester digest.Digester
	written  int64
	closed   bool
}

func (s *fsWriteStream) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if n > 0 {
		_, _ = s.digester.Hash().Write(p[:n])
		s.written += int64(n)
	}
	return n, err
}

func (s *fsWriteStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Close(); err != nil {
		return err
	}
	s.trx.register(s.kind, s.file.Name(), s.digester.Digest(), s.written)
	return nil
}

package depot

import (
	"context"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"
)

// TransactionState tracks the put-transaction lifecycle. Transactions move
// from Open through Finalizing to Closed and never leave Closed.
type TransactionState int32

const (
	StateOpen TransactionState = iota
	StateFinalizing
	StateClosed
)

func (s TransactionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FileRecord is one completed file belonging to a transaction. The backend
// keeps the underlying storage handle private; after finalize the payload
// belongs to the backend's storage.
type FileRecord struct {
	Kind   FileKind
	Digest digest.Digest
	Size   int64
}

// PutTransaction is one in-flight multi-file write for a single
// (ObjectID, VersionHash) pair. Write streams for different kinds may be
// opened and closed in any order while the transaction is open; Finalize
// commits the accumulated files and fixes validity. Backends return their
// own implementations from CreatePutTransaction, built around
// TransactionBase.
type PutTransaction interface {
	// GUID and Hash return the construction-time identifiers unchanged.
	GUID() ObjectID
	Hash() VersionHash

	// Manifest returns the kinds the caller declared intent to write, in
	// declaration order.
	Manifest() []FileKind

	// Files returns the completed records in canonical kind order.
	Files() []FileRecord

	// FilesHashStr returns the transaction's content fingerprint: a digest
	// over the payload digests, excluding info records. See
	// TransactionBase.FilesHashStr for the exact construction.
	FilesHashStr() string

	// Valid reports whether finalize judged the transaction complete.
	Valid() bool

	// GetWriteStream returns a writable sink for one file kind. Closing the
	// stream computes the content digest and registers the file record.
	// Fails with ErrClosed once the transaction is no longer open.
	GetWriteStream(ctx context.Context, kind FileKind, size int64) (io.WriteCloser, error)

	// WriteFilesToPath materializes all completed files into dir, named
	// with ReplicaFileName, and returns the written paths. Used by
	// replication and local promotion; callable before and after finalize.
	WriteFilesToPath(ctx context.Context, dir string) ([]string, error)

	// Finalize commits the transaction and emits the completion signal.
	// Finalizing an already-closed transaction is a no-op returning nil.
	Finalize(ctx context.Context) error

	// Abort abandons the transaction without committing, releasing any
	// backing storage. Aborting a closed transaction is a no-op.
	Abort(ctx context.Context) error

	// Done is closed exactly once, when the transaction completes through
	// finalize or abort.
	Done() <-chan struct{}
}

// TransactionBase carries the state shared by every PutTransaction
// implementation: the identifiers, the manifest, the completed records, the
// lifecycle state machine, and the one-shot completion signal. Backends
// embed it and layer their storage-specific streams and commit step on top;
// used standalone it finalizes with validity derived from manifest
// completeness and fails write-stream acquisition with ErrNotImplemented.
type TransactionBase struct {
	guid ObjectID
	hash VersionHash

	mu       sync.Mutex
	state    TransactionState
	manifest []FileKind
	declared map[FileKind]int64
	records  map[FileKind]FileRecord
	valid    bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewTransactionBase builds an open transaction with an empty manifest and
// no records.
func NewTransactionBase(guid ObjectID, hash VersionHash) *TransactionBase {
	return &TransactionBase{
		guid:     guid,
		hash:     hash,
		declared: make(map[FileKind]int64),
		records:  make(map[FileKind]FileRecord),
		done:     make(chan struct{}),
	}
}

func (t *TransactionBase) GUID() ObjectID    { return t.guid }
func (t *TransactionBase) Hash() VersionHash { return t.hash }

func (t *TransactionBase) Manifest() []FileKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileKind, len(t.manifest))
	copy(out, t.manifest)
	return out
}

func (t *TransactionBase) Files() []FileRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileRecord, 0, len(t.records))
	for _, k := range KindOrder {
		if rec, ok := t.records[k]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// FilesHashStr concatenates the hex-encoded digests of the binary and
// resource records in canonical kind order and digests the concatenation.
// Info records never contribute, so regenerated metadata leaves the token
// unchanged. The token is recomputed from the live record set on every call
// because records may be replaced while the transaction is open; it is never
// memoized. An empty transaction yields the stable digest of empty input.
func (t *TransactionBase) FilesHashStr() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	hasher := digest.Canonical.Digester()
	for _, k := range KindOrder {
		if k == KindInfo {
			continue
		}
		if rec, ok := t.records[k]; ok {
			_, _ = io.WriteString(hasher.Hash(), rec.Digest.Encoded())
		}
	}
	return hasher.Digest().String()
}

func (t *TransactionBase) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// State returns the current lifecycle state.
func (t *TransactionBase) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TransactionBase) Done() <-chan struct{} { return t.done }

// DeclareIntent appends kind to the manifest with its declared byte length.
// Declaring the same kind again replaces the recorded length. Fails with
// ErrClosed once the transaction has left the open state.
func (t *TransactionBase) DeclareIntent(kind FileKind, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return Newf(ErrClosed, "cannot write %s file: transaction is %s", kind, t.state)
	}
	if _, ok := t.declared[kind]; !ok {
		t.manifest = append(t.manifest, kind)
	}
	t.declared[kind] = size
	return nil
}

// PutRecord registers the completed record for its kind, replacing any
// earlier record of the same kind.
func (t *TransactionBase) PutRecord(rec FileRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.Kind] = rec
}

// ManifestComplete reports whether every declared kind has a completed
// record with a non-empty digest and a size matching its declaration.
func (t *TransactionBase) ManifestComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.manifest {
		rec, ok := t.records[k]
		if !ok || rec.Digest == "" {
			return false
		}
		if declared, ok := t.declared[k]; ok && declared >= 0 && declared != rec.Size {
			return false
		}
	}
	return true
}

// BeginFinalize claims the finalize step. The first caller gets true and
// must follow with CompleteFinalize; later callers get false and should wait
// on Done before returning, which is immediate once the transaction closed.
func (t *TransactionBase) BeginFinalize() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return false
	}
	t.state = StateFinalizing
	return true
}

// CompleteFinalize fixes validity, moves the transaction to Closed and emits
// the one-shot completion signal.
func (t *TransactionBase) CompleteFinalize(valid bool) {
	t.mu.Lock()
	t.valid = valid
	t.state = StateClosed
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}

// Finalize is the default completion step: validity becomes manifest
// completeness and the completion signal fires. Backends wrap it with their
// commit machinery.
func (t *TransactionBase) Finalize(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}
	t.CompleteFinalize(t.ManifestComplete())
	return nil
}

// Abort is the default abandonment step: the transaction closes invalid and
// the completion signal fires.
func (t *TransactionBase) Abort(ctx context.Context) error {
	if !t.BeginFinalize() {
		return t.WaitClosed(ctx)
	}
	t.CompleteFinalize(false)
	return nil
}

// WaitClosed blocks until the transaction has closed or ctx is done. Callers
// that lose the BeginFinalize race use it to observe the winner's outcome.
func (t *TransactionBase) WaitClosed(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWriteStream on the shared base always fails: storage backends provide
// the real streams.
func (t *TransactionBase) GetWriteStream(ctx context.Context, kind FileKind, size int64) (io.WriteCloser, error) {
	return nil, Newf(ErrNotImplemented, "write stream for %s files", kind)
}

// WriteFilesToPath on the shared base always fails: storage backends provide
// the real materialization.
func (t *TransactionBase) WriteFilesToPath(ctx context.Context, dir string) ([]string, error) {
	return nil, Newf(ErrNotImplemented, "write files to %q", dir)
}

// ReplicaFileName is the file name used when a transaction's files are
// materialized to a directory: "<guid>-<hash>.<kindcode>".
func ReplicaFileName(guid ObjectID, hash VersionHash, kind FileKind) string {
	return guid.String() + "-" + hash.String() + "." + kind.Code()
}

var _ PutTransaction = (*TransactionBase)(nil)

package depot

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// Properties advertises backend capabilities. Backends omit keys for
// capabilities they lack; an empty map advertises nothing.
type Properties map[string]any

// Capability keys used by the built-in backends.
const (
	PropCleanup = "cleanup"
	PropDurable = "durable"
)

// FileInfo describes one stored file of an artifact version.
type FileInfo struct {
	Kind   FileKind
	Size   int64
	Digest digest.Digest
}

// CleanupOptions bound a maintenance pass.
type CleanupOptions struct {
	// ExpireAfter removes artifacts not accessed within the duration. Zero
	// keeps everything regardless of age.
	ExpireAfter time.Duration

	// MaxCacheSize prunes least-recently-accessed artifacts until the total
	// payload bytes fit. Zero means unbounded.
	MaxCacheSize int64

	// DryRun computes what a pass would remove without removing anything.
	DryRun bool
}

// CleanupResult reports what a maintenance pass removed, or would remove
// under DryRun.
type CleanupResult struct {
	Artifacts int64 `json:"artifacts"`
	Objects   int64 `json:"objects"`
	Bytes     int64 `json:"bytes"`
}

// Stats summarizes a backend's current contents.
type Stats struct {
	Entries    int64 `json:"entries"`
	TotalBytes int64 `json:"totalBytes"`
}

// Engine is the storage contract every concrete backend implements. All
// operations are safe for concurrent use once Init has returned; structural
// mutation of the backend's shared index is the backend's responsibility to
// serialize.
type Engine interface {
	// Properties advertises the backend's capabilities.
	Properties() Properties

	// Init prepares the backend for use: it creates the working directory
	// recursively and opens the storage index. Failures wrap
	// ErrInitialization and leave the engine unusable. Init on an already
	// initialized engine is a no-op.
	Init(ctx context.Context) error

	// Shutdown releases the backend's resources (index handles, pending
	// writes). The engine must not be used afterwards.
	Shutdown(ctx context.Context) error

	// GetFileInfo returns the stored records of an artifact version in
	// canonical kind order, or ErrNotFound when the version is absent.
	GetFileInfo(ctx context.Context, guid ObjectID, hash VersionHash) ([]FileInfo, error)

	// GetFileStream opens one file kind of a stored artifact version for
	// reading, or fails with ErrNotFound.
	GetFileStream(ctx context.Context, kind FileKind, guid ObjectID, hash VersionHash) (io.ReadCloser, error)

	// CreatePutTransaction opens a write transaction bound to the given key
	// and this backend's storage.
	CreatePutTransaction(ctx context.Context, guid ObjectID, hash VersionHash) (PutTransaction, error)

	// Cleanup runs backend maintenance. Backends without maintenance
	// support fail with ErrNotImplemented.
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

// StatsProvider is implemented by backends that can summarize their
// contents.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}

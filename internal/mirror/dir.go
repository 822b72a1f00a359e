package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"depot/internal/depot"
)

// DirMirror replicates finalized transactions into a directory, typically a
// mounted share kept as a warm standby. Files land under the replica naming
// scheme, so a directory mirror can be promoted by pointing a cache at it.
type DirMirror struct {
	name string
	path string
}

// NewDirMirror creates a mirror writing into path, creating the directory if
// needed. An empty name derives one from the path.
func NewDirMirror(name, path string) (*DirMirror, error) {
	if path == "" {
		return nil, depot.Newf(depot.ErrInitialization, "dir mirror requires a target path")
	}
	if name == "" {
		name = "dir:" + path
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, depot.Newf(depot.ErrInitialization, "create mirror directory %q: %w", path, err)
	}
	return &DirMirror{name: name, path: path}, nil
}

func (m *DirMirror) Name() string { return m.name }

func (m *DirMirror) Replicate(ctx context.Context, trx depot.PutTransaction) error {
	paths, err := trx.WriteFilesToPath(ctx, m.path)
	if err != nil {
		return fmt.Errorf("write files to %q: %w", m.path, err)
	}

	slog.Info("Replicated transaction to directory",
		"mirror", m.name,
		"guid", trx.GUID(),
		"hash", trx.Hash(),
		"files", len(paths))
	return nil
}

var _ depot.Replicator = (*DirMirror)(nil)

package depot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultReliabilityThreshold applies when high reliability is enabled
// without an explicit threshold.
const DefaultReliabilityThreshold = 2

// Replicator copies a finalized transaction's files to one secondary
// location.
type Replicator interface {
	// Name identifies the target in logs and errors.
	Name() string

	// Replicate copies the transaction's files to the target. It must not
	// mutate the transaction's identifiers or manifest.
	Replicate(ctx context.Context, trx PutTransaction) error
}

// TransactionProcessor receives finalized, valid transactions from the
// cache write path. ReliabilityManager is the production implementation.
type TransactionProcessor interface {
	ProcessTransaction(ctx context.Context, trx PutTransaction) error
}

// ReliabilityManager replicates finalized valid transactions until the
// configured number of durable copies exists. The threshold counts the
// primary backend write as the first copy: a threshold of 2 requires one
// successful mirror.
type ReliabilityManager struct {
	threshold int
	mirrors   []Replicator
}

// NewReliabilityManager builds a manager with a positive copy threshold.
func NewReliabilityManager(threshold int, mirrors ...Replicator) (*ReliabilityManager, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("reliability threshold must be positive, got %d", threshold)
	}
	return &ReliabilityManager{threshold: threshold, mirrors: mirrors}, nil
}

// Threshold returns the configured copy threshold.
func (m *ReliabilityManager) Threshold() int { return m.threshold }

// ProcessTransaction replicates trx to every mirror concurrently and fails
// with ErrReplication when fewer than threshold copies exist afterwards.
// One mirror's failure does not stop the others. Safe for concurrent calls
// with distinct transactions; a failure never rolls back the primary write.
func (m *ReliabilityManager) ProcessTransaction(ctx context.Context, trx PutTransaction) error {
	var copies atomic.Int64
	copies.Store(1) // the primary backend write

	var (
		mu       sync.Mutex
		failures []error
	)

	var eg errgroup.Group
	for _, mirror := range m.mirrors {
		eg.Go(func() error {
			if err := mirror.Replicate(ctx, trx); err != nil {
				slog.Warn("Replication to mirror failed",
					"mirror", mirror.Name(), "guid", trx.GUID(), "hash", trx.Hash(), "err", err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", mirror.Name(), err))
				mu.Unlock()
				return nil
			}
			copies.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	if got := copies.Load(); got < int64(m.threshold) {
		err := Newf(ErrReplication, "%d of %d required copies for %s-%s",
			got, m.threshold, trx.GUID(), trx.Hash())
		return errors.Join(append([]error{err}, failures...)...)
	}
	return nil
}

package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"addrhist/pkg/domain"
	dErrors "addrhist/pkg/domain-errors"
)

// TxRunner provides the transactional boundary for one person's history.
// fn receives a context that store calls must use so they join the transaction.
// Implementations serialize concurrent runs for the same person.
type TxRunner interface {
	RunInTx(ctx context.Context, personID domain.PersonID, fn func(ctx context.Context) error) error
}

// Snapshotter lets an in-memory store roll back a person's state when a
// transaction function fails.
type Snapshotter interface {
	Snapshot(personID domain.PersonID) (restore func())
}

// numShards spreads persons over independent locks so unrelated appends do
// not contend.
const numShards = 128

// defaultTxTimeout is the maximum duration of a history transaction.
const defaultTxTimeout = 5 * time.Second

// ShardedTx is the in-memory TxRunner: a per-person shard lock plus snapshot
// rollback.
type ShardedTx struct {
	shards  [numShards]sync.Mutex
	snap    Snapshotter
	timeout time.Duration
}

// NewShardedTx builds a runner. snap may be nil, in which case failed
// transactions are not rolled back.
func NewShardedTx(snap Snapshotter) *ShardedTx {
	return &ShardedTx{snap: snap, timeout: defaultTxTimeout}
}

func (t *ShardedTx) RunInTx(ctx context.Context, personID domain.PersonID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	shard := &t.shards[shardFor(personID)]
	shard.Lock()
	defer shard.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	var restore func()
	if t.snap != nil {
		restore = t.snap.Snapshot(personID)
	}
	if err := fn(ctx); err != nil {
		if restore != nil {
			restore()
		}
		return err
	}
	return nil
}

func shardFor(personID domain.PersonID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(personID.String()))
	return h.Sum32() % numShards
}

package backend

import (
	"context"
	"time"

	"streamsink/internal/domain"
)

// Backend is the state persistence contract of the commit pipeline. It holds
// buffered-but-uncommitted committables so they survive a crash before the
// commit action, the ledger of externally applied commit ids, and the record
// of completed checkpoints with their source positions.
type Backend interface {
	// PersistCommittables stores flushed committables before the owning
	// checkpoint is reported completed. Re-persisting the same commit id is a
	// no-op, so deterministic replay after a restart is safe.
	PersistCommittables(ctx context.Context, committables []domain.Committable) error

	// PendingCommittables returns all persisted committables not yet applied,
	// in (checkpoint, producer, sequence) order.
	PendingCommittables(ctx context.Context) ([]domain.Committable, error)

	// DiscardAbove drops committables of checkpoints newer than restored.
	// Those belong to checkpoints that never completed; their input is
	// replayed under fresh checkpoint ids.
	DiscardAbove(ctx context.Context, restored domain.CheckpointID) error

	// MarkApplied records terminal external application of a commit id.
	MarkApplied(ctx context.Context, commitID string, at time.Time) error

	// Applied reports whether a commit id was already applied externally.
	Applied(ctx context.Context, commitID string) (bool, error)

	// MarkCompleted records a checkpoint as a durable consistent cut together
	// with the source position to resume from.
	MarkCompleted(ctx context.Context, id domain.CheckpointID, sourcePos int64, at time.Time) error

	// LatestCompleted returns the newest completed checkpoint, if any.
	LatestCompleted(ctx context.Context) (domain.CheckpointID, int64, bool, error)

	// PruneCheckpoint removes a settled checkpoint's committables. Applied
	// markers are kept; they are the deduplication ledger.
	PruneCheckpoint(ctx context.Context, id domain.CheckpointID) error

	// PersistState and RestoreState store opaque per-component state, e.g.
	// the coordinator's next checkpoint id.
	PersistState(ctx context.Context, componentID string, checkpointID domain.CheckpointID, state []byte) error
	RestoreState(ctx context.Context, componentID string, checkpointID domain.CheckpointID) ([]byte, bool, error)

	Close() error
}

package sink

import (
	"context"
	"time"

	"streamsink/internal/domain"
)

// Writer buffers records and converts them into committables at checkpoint
// boundaries. Write must not cause I/O side effects; only a committer may.
type Writer interface {
	Write(rec domain.Record) error

	// Flush is invoked once per checkpoint barrier, or once at end-of-input
	// with domain.FinalCheckpointID. The writer gives up ownership of the
	// returned committables.
	Flush(id domain.CheckpointID) ([]domain.Committable, error)
}

// Committer durably applies committables to an external sink. Commit marks
// each applied request via MarkCommitted; requests still pending afterward
// are redelivered as one batch, so applying the same request twice must be
// equivalent to applying it once.
type Committer interface {
	Commit(ctx context.Context, requests []*domain.CommitRequest) error
}

// GlobalCommitter is the single-instance aggregate phase. Combine must be
// pure and deterministic so a restart recomputes the identical aggregate.
type GlobalCommitter interface {
	Combine(id domain.CheckpointID, committables []domain.Committable) (domain.GlobalCommittable, error)
	Commit(ctx context.Context, requests []*domain.GlobalCommitRequest) error

	// EndOfInput is delivered once after the final checkpoint's aggregate
	// settles. The pipeline absorbs redelivered end-of-input signals; the
	// committer only sees the first.
	EndOfInput(ctx context.Context) error
}

// Ledger records externally applied commit ids. The committer layer is the
// sole deduplication authority of the pipeline and this is its memory.
type Ledger interface {
	Applied(ctx context.Context, commitID string) (bool, error)
	MarkApplied(ctx context.Context, commitID string, at time.Time) error
}

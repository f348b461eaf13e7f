package sink

import (
	"context"
	"fmt"
	"time"

	"streamsink/internal/domain"
)

// IdempotentCommitter filters requests whose stable commit id the ledger
// already records, and records ids the inner committer applies. Under
// exactly-once semantics the pipeline wraps every committer with it; this is
// the single deduplication authority for redelivered requests.
type IdempotentCommitter struct {
	inner  Committer
	ledger Ledger
}

func Idempotent(inner Committer, ledger Ledger) *IdempotentCommitter {
	return &IdempotentCommitter{inner: inner, ledger: ledger}
}

func (c *IdempotentCommitter) Commit(ctx context.Context, requests []*domain.CommitRequest) error {
	fresh := make([]*domain.CommitRequest, 0, len(requests))
	for _, req := range requests {
		applied, err := c.ledger.Applied(ctx, req.Committable.CommitID())
		if err != nil {
			return fmt.Errorf("check applied %s: %w", req.Committable.CommitID(), err)
		}
		if applied {
			// Already terminal from a previous attempt; absorb the duplicate.
			req.MarkCommitted()
			continue
		}
		fresh = append(fresh, req)
	}
	if len(fresh) == 0 {
		return nil
	}

	commitErr := c.inner.Commit(ctx, fresh)
	now := time.Now().UTC()
	for _, req := range fresh {
		if req.Pending() {
			continue
		}
		if err := c.ledger.MarkApplied(ctx, req.Committable.CommitID(), now); err != nil {
			return fmt.Errorf("record applied %s: %w", req.Committable.CommitID(), err)
		}
	}
	return commitErr
}

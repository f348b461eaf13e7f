package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"streamsink/internal/backend"
	"streamsink/internal/domain"
)

func TestTupleWriterEmitsOneCommittablePerRecord(t *testing.T) {
	w := NewTupleWriter(3)
	recs := []domain.Record{
		{Key: "895", Value: 895, Timestamp: domain.NoTimestamp},
		{Key: "127", Value: 127, Timestamp: domain.NoTimestamp},
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	cs, err := w.Flush(1)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 committables, got %d", len(cs))
	}
	if got := string(cs[0].Payload); got != "(895,null,-9223372036854775808)" {
		t.Fatalf("payload = %q", got)
	}
	if cs[0].ProducerID != 3 || cs[0].CheckpointID != 1 || cs[0].SequenceNo != 0 || cs[1].SequenceNo != 1 {
		t.Fatalf("committable identity wrong: %+v", cs)
	}

	// Buffer ownership moved to the caller; the next flush starts empty.
	cs, err = w.Flush(2)
	if err != nil || cs != nil {
		t.Fatalf("flush of empty buffer = %+v, %v", cs, err)
	}
}

func TestQueueCommitterMarksRequests(t *testing.T) {
	q := NewQueue()
	c := NewQueueCommitter(q)

	reqs := []*domain.CommitRequest{
		domain.NewCommitRequest(domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 0, Payload: []byte("(1,null,0)")}),
		domain.NewCommitRequest(domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 1, Payload: []byte("(2,null,0)")}),
	}
	if err := c.Commit(context.Background(), reqs); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, r := range reqs {
		if r.Pending() {
			t.Fatalf("request left pending: %+v", r)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d", q.Len())
	}
}

func TestQueueGlobalCombineIsSortedAndDeterministic(t *testing.T) {
	g := NewQueueGlobalCommitter(NewQueue())
	cs := []domain.Committable{
		{ProducerID: 1, CheckpointID: 2, SequenceNo: 0, Payload: []byte("(9,null,0)")},
		{ProducerID: 0, CheckpointID: 2, SequenceNo: 0, Payload: []byte("(1,null,0)")},
	}
	a, err := g.Combine(2, cs)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	b, _ := g.Combine(2, []domain.Committable{cs[1], cs[0]})
	if string(a.Payload) != string(b.Payload) {
		t.Fatalf("combine not deterministic: %q vs %q", a.Payload, b.Payload)
	}
	if string(a.Payload) != "(1,null,0)+(9,null,0)" {
		t.Fatalf("combined payload = %q", a.Payload)
	}
}

func TestSplitGlobalDropsEndOfInput(t *testing.T) {
	got := SplitGlobal([]string{"(1,null,0)+(2,null,0)", EndOfInputMarker, "(3,null,0)"})
	if len(got) != 3 {
		t.Fatalf("split = %v", got)
	}
}

type countingCommitter struct {
	calls   int
	applied []string
	failOn  map[string]error
}

func (c *countingCommitter) Commit(_ context.Context, requests []*domain.CommitRequest) error {
	c.calls++
	for _, req := range requests {
		if err := c.failOn[req.Committable.CommitID()]; err != nil {
			req.RetryLater(err)
			return err
		}
		c.applied = append(c.applied, req.Committable.CommitID())
		req.MarkCommitted()
	}
	return nil
}

func TestIdempotentCommitterAppliesOnce(t *testing.T) {
	ctx := context.Background()
	inner := &countingCommitter{}
	c := Idempotent(inner, backend.NewMemory())

	commit := func() []*domain.CommitRequest {
		reqs := []*domain.CommitRequest{
			domain.NewCommitRequest(domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 0, Payload: []byte("x")}),
		}
		if err := c.Commit(ctx, reqs); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return reqs
	}

	commit()
	// Retry after an ambiguous failure redelivers the same request.
	reqs := commit()

	if len(inner.applied) != 1 {
		t.Fatalf("inner apply count = %d, want 1", len(inner.applied))
	}
	if reqs[0].Pending() {
		t.Fatalf("redelivered request must still reach terminal state")
	}
}

func TestIdempotentCommitterPartialFailure(t *testing.T) {
	ctx := context.Background()
	bad := domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 1, Payload: []byte("b")}
	inner := &countingCommitter{failOn: map[string]error{bad.CommitID(): errors.New("transient")}}
	ledger := backend.NewMemory()
	c := Idempotent(inner, ledger)

	good := domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 0, Payload: []byte("a")}
	reqs := []*domain.CommitRequest{
		domain.NewCommitRequest(good),
		domain.NewCommitRequest(bad),
	}
	if err := c.Commit(ctx, reqs); err == nil {
		t.Fatalf("expected transient commit error")
	}
	if reqs[0].Pending() {
		t.Fatalf("applied request should be terminal")
	}
	if !reqs[1].Pending() {
		t.Fatalf("failed request should stay pending")
	}

	// The retried batch only re-applies what is still pending.
	inner.failOn = nil
	if err := c.Commit(ctx, reqs); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fmt.Sprint(inner.applied) != fmt.Sprintf("[%s %s]", good.CommitID(), bad.CommitID()) {
		t.Fatalf("applied = %v", inner.applied)
	}
}

func TestRetryableClassification(t *testing.T) {
	base := errors.New("broker unavailable")
	wrapped := Retryable(base)
	if !IsRetryable(wrapped) {
		t.Fatal("wrapped error must classify as retryable")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped error must unwrap to its cause")
	}
	if IsRetryable(base) {
		t.Fatal("plain error must not classify as retryable")
	}
	if IsRetryable(fmt.Errorf("commit: %w", base)) {
		t.Fatal("wrapping a plain error must not add retryability")
	}
	if !IsRetryable(fmt.Errorf("commit: %w", wrapped)) {
		t.Fatal("retryability must survive further wrapping")
	}
	if Retryable(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

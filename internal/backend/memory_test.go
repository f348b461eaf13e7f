package backend

import (
	"context"
	"testing"
	"time"

	"streamsink/internal/domain"
)

func TestMemoryPendingOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	cs := []domain.Committable{
		{ProducerID: 1, CheckpointID: 2, SequenceNo: 0, Payload: []byte("c")},
		{ProducerID: 0, CheckpointID: 1, SequenceNo: 1, Payload: []byte("b")},
		{ProducerID: 0, CheckpointID: 1, SequenceNo: 0, Payload: []byte("a")},
	}
	if err := m.PersistCommittables(ctx, cs); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := m.PersistCommittables(ctx, cs); err != nil {
		t.Fatalf("re-persist: %v", err)
	}

	pending, err := m.PendingCommittables(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].CheckpointID != 1 || pending[0].SequenceNo != 0 || pending[2].CheckpointID != 2 {
		t.Fatalf("pending out of order: %+v", pending)
	}

	if err := m.MarkApplied(ctx, pending[0].CommitID(), time.Now()); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	pending, _ = m.PendingCommittables(ctx)
	if len(pending) != 2 {
		t.Fatalf("applied committable still pending: %+v", pending)
	}
}

func TestMemoryDiscardAndLatestCompleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.PersistCommittables(ctx, []domain.Committable{
		{ProducerID: 0, CheckpointID: 1, SequenceNo: 0},
		{ProducerID: 0, CheckpointID: domain.FinalCheckpointID, SequenceNo: 0},
	})
	if err := m.DiscardAbove(ctx, 1); err != nil {
		t.Fatalf("discard: %v", err)
	}
	pending, _ := m.PendingCommittables(ctx)
	if len(pending) != 1 || pending[0].CheckpointID != 1 {
		t.Fatalf("expected only checkpoint 1 after discard, got %+v", pending)
	}

	if _, _, ok, _ := m.LatestCompleted(ctx); ok {
		t.Fatalf("no completed checkpoint expected")
	}
	_ = m.MarkCompleted(ctx, 1, 5, time.Now())
	_ = m.MarkCompleted(ctx, 3, 15, time.Now())
	id, pos, ok, _ := m.LatestCompleted(ctx)
	if !ok || id != 3 || pos != 15 {
		t.Fatalf("latest completed = %s @ %d (%v)", id, pos, ok)
	}
}

func TestMemoryStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, _ := m.RestoreState(ctx, "coordinator", 0); ok {
		t.Fatalf("unexpected state before persist")
	}
	_ = m.PersistState(ctx, "coordinator", 0, []byte("41"))
	_ = m.PersistState(ctx, "coordinator", 0, []byte("42"))
	state, ok, _ := m.RestoreState(ctx, "coordinator", 0)
	if !ok || string(state) != "42" {
		t.Fatalf("restored %q (%v)", state, ok)
	}
}

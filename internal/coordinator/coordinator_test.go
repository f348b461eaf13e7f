package coordinator

import (
	"testing"

	"streamsink/internal/domain"
)

func TestTriggerAllocatesMonotonicIDs(t *testing.T) {
	c := New(2)
	a := c.TriggerCheckpoint()
	b := c.TriggerCheckpoint()
	if a != 1 || b != 2 {
		t.Fatalf("triggered ids = %s, %s", a, b)
	}
}

func TestCompletionRequiresAllAcks(t *testing.T) {
	c := New(2)
	id := c.TriggerCheckpoint()

	if err := c.ReportCompleted(id); err == nil {
		t.Fatalf("completion before any ack must fail")
	}

	all, err := c.AckSubtask(id, 0)
	if err != nil || all {
		t.Fatalf("first ack: all=%v err=%v", all, err)
	}
	all, err = c.AckSubtask(id, 1)
	if err != nil || !all {
		t.Fatalf("second ack: all=%v err=%v", all, err)
	}

	if err := c.ReportCompleted(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Duplicate completion reports are absorbed.
	if err := c.ReportCompleted(id); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if !c.IsCompleted(id) {
		t.Fatalf("checkpoint not marked completed")
	}
	if got, ok := c.HighestCompleted(); !ok || got != id {
		t.Fatalf("highest completed = %s (%v)", got, ok)
	}
}

func TestAbortedCheckpointCannotComplete(t *testing.T) {
	c := New(1)
	id := c.TriggerCheckpoint()
	c.ReportAborted(id)
	if _, err := c.AckSubtask(id, 0); err == nil {
		t.Fatalf("ack of aborted checkpoint must fail")
	}
	if err := c.ReportCompleted(id); err == nil {
		t.Fatalf("completing an aborted checkpoint must fail")
	}
	if !c.IsAborted(id) {
		t.Fatalf("checkpoint not marked aborted")
	}
}

func TestRestartAbortsInFlightAndAdvancesCursor(t *testing.T) {
	c := New(1)
	done := c.TriggerCheckpoint()
	if _, err := c.AckSubtask(done, 0); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := c.ReportCompleted(done); err != nil {
		t.Fatalf("complete: %v", err)
	}
	inflight := c.TriggerCheckpoint()

	c.NotifyRestart(1, done)

	if !c.IsAborted(inflight) {
		t.Fatalf("in-flight checkpoint should be aborted on restart")
	}
	if c.IsCompleted(inflight) {
		t.Fatalf("aborted checkpoint reported completed")
	}
	if c.Attempt() != 1 {
		t.Fatalf("attempt = %d", c.Attempt())
	}
	if next := c.TriggerCheckpoint(); next <= done {
		t.Fatalf("checkpoint id reused after restart: %s", next)
	}
}

func TestAdvanceToNeverMovesBackward(t *testing.T) {
	c := New(1)
	c.AdvanceTo(10)
	if got := c.NextID(); got != 10 {
		t.Fatalf("next id = %s", got)
	}
	c.AdvanceTo(3)
	if got := c.NextID(); got != 10 {
		t.Fatalf("cursor moved backward to %s", got)
	}
}

func TestFinalCheckpointReusesSentinel(t *testing.T) {
	c := New(1)
	a := c.TriggerFinal()
	b := c.TriggerFinal()
	if a != domain.FinalCheckpointID || b != domain.FinalCheckpointID {
		t.Fatalf("final ids = %s, %s", a, b)
	}
	if _, err := c.AckSubtask(a, 0); err != nil {
		t.Fatalf("ack final: %v", err)
	}
	if err := c.ReportCompleted(a); err != nil {
		t.Fatalf("complete final: %v", err)
	}
}

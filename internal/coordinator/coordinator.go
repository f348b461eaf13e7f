package coordinator

import (
	"fmt"
	"sync"

	"streamsink/internal/domain"
)

// Coordinator tracks checkpoint triggering, per-subtask acknowledgement and
// completion. It is the authority on which checkpoints are durable cuts; the
// pipeline only releases commit requests for checkpoints it reports
// completed.
type Coordinator struct {
	mu       sync.Mutex
	subtasks int
	attempt  int
	next     domain.CheckpointID

	acks      map[domain.CheckpointID]map[int]bool
	completed map[domain.CheckpointID]bool
	aborted   map[domain.CheckpointID]bool
	highest   domain.CheckpointID
	hasAny    bool
}

func New(subtasks int) *Coordinator {
	if subtasks < 1 {
		subtasks = 1
	}
	return &Coordinator{
		subtasks:  subtasks,
		next:      1,
		acks:      make(map[domain.CheckpointID]map[int]bool),
		completed: make(map[domain.CheckpointID]bool),
		aborted:   make(map[domain.CheckpointID]bool),
	}
}

// TriggerCheckpoint allocates the next checkpoint id and starts tracking its
// acknowledgements.
func (c *Coordinator) TriggerCheckpoint() domain.CheckpointID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.acks[id] = make(map[int]bool)
	return id
}

// TriggerFinal registers the end-of-input cut. It reuses the sentinel id, so
// a redelivered end-of-input after restart maps onto the same checkpoint.
func (c *Coordinator) TriggerFinal() domain.CheckpointID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := domain.FinalCheckpointID
	if _, ok := c.acks[id]; !ok {
		c.acks[id] = make(map[int]bool)
	}
	return id
}

// NextID returns the id the next trigger will allocate.
func (c *Coordinator) NextID() domain.CheckpointID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// AdvanceTo bumps the allocation cursor, used after restoring persisted
// coordinator state so ids stay monotonic across process restarts.
func (c *Coordinator) AdvanceTo(next domain.CheckpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next > c.next {
		c.next = next
	}
}

// AckSubtask records one subtask's barrier acknowledgement. Returns true
// once every subtask acked the checkpoint.
func (c *Coordinator) AckSubtask(id domain.CheckpointID, subtask int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acks, ok := c.acks[id]
	if !ok {
		return false, fmt.Errorf("ack for unknown checkpoint %s", id)
	}
	acks[subtask] = true
	return len(acks) >= c.subtasks, nil
}

// ReportCompleted declares a fully acknowledged checkpoint completed.
// Duplicate reports are absorbed; completing an aborted checkpoint is an
// error.
func (c *Coordinator) ReportCompleted(id domain.CheckpointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted[id] {
		return fmt.Errorf("checkpoint %s was aborted", id)
	}
	if c.completed[id] {
		return nil
	}
	if len(c.acks[id]) < c.subtasks {
		return fmt.Errorf("checkpoint %s not fully acknowledged (%d/%d)", id, len(c.acks[id]), c.subtasks)
	}
	c.completed[id] = true
	if !c.hasAny || id > c.highest {
		c.highest = id
		c.hasAny = true
	}
	return nil
}

// ReportAborted discards an in-flight checkpoint. Completed checkpoints
// cannot be aborted.
func (c *Coordinator) ReportAborted(id domain.CheckpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed[id] {
		return
	}
	c.aborted[id] = true
	delete(c.acks, id)
}

func (c *Coordinator) IsCompleted(id domain.CheckpointID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[id]
}

func (c *Coordinator) IsAborted(id domain.CheckpointID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted[id]
}

// HighestCompleted returns the newest completed checkpoint id, if any.
func (c *Coordinator) HighestCompleted() (domain.CheckpointID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highest, c.hasAny
}

// Attempt returns the current restart epoch.
func (c *Coordinator) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// NotifyRestart begins a new execution epoch: in-flight acknowledgements are
// dropped (their checkpoints are implicitly aborted) and the allocation
// cursor moves past the restored checkpoint so ids never repeat.
func (c *Coordinator) NotifyRestart(attempt int, restored domain.CheckpointID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = attempt
	for id := range c.acks {
		if !c.completed[id] {
			c.aborted[id] = true
			delete(c.acks, id)
		}
	}
	if !restored.IsFinal() && restored >= c.next {
		c.next = restored + 1
	}
}

package sink

import (
	"context"
	"sort"
	"strings"
	"sync"

	"streamsink/internal/domain"
)

// EndOfInputMarker is the payload the global phase publishes when the input
// stream terminates.
const EndOfInputMarker = "end of input"

// Queue is an observable committed-output stream: an append-only list of
// stringified tuples. It is handed to committers explicitly; nothing in the
// pipeline relies on ambient shared state.
type Queue struct {
	mu    sync.Mutex
	items []string
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Push(s string) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()
}

func (q *Queue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// QueueCommitter applies committables by appending their payloads to a queue.
type QueueCommitter struct {
	queue *Queue
}

func NewQueueCommitter(queue *Queue) *QueueCommitter {
	return &QueueCommitter{queue: queue}
}

func (c *QueueCommitter) Commit(_ context.Context, requests []*domain.CommitRequest) error {
	for _, req := range requests {
		c.queue.Push(string(req.Committable.Payload))
		req.MarkCommitted()
	}
	return nil
}

// QueueGlobalCommitter aggregates one checkpoint's committables into a single
// sorted, "+"-joined entry, mirroring how a manifest publishes a batch of
// files as one atomic unit.
type QueueGlobalCommitter struct {
	queue *Queue
}

func NewQueueGlobalCommitter(queue *Queue) *QueueGlobalCommitter {
	return &QueueGlobalCommitter{queue: queue}
}

func (c *QueueGlobalCommitter) Combine(id domain.CheckpointID, committables []domain.Committable) (domain.GlobalCommittable, error) {
	return CombineSorted(id, committables)
}

// CombineSorted merges one checkpoint's payloads into a sorted, "+"-joined
// aggregate. Sorting makes the aggregate deterministic, so recombining the
// same committables after a restart yields an identical payload.
func CombineSorted(id domain.CheckpointID, committables []domain.Committable) (domain.GlobalCommittable, error) {
	parts := make([]string, 0, len(committables))
	for _, cm := range committables {
		parts = append(parts, string(cm.Payload))
	}
	sort.Strings(parts)
	return domain.GlobalCommittable{
		CheckpointID: id,
		Payload:      []byte(strings.Join(parts, "+")),
	}, nil
}

func (c *QueueGlobalCommitter) Commit(_ context.Context, requests []*domain.GlobalCommitRequest) error {
	for _, req := range requests {
		c.queue.Push(string(req.Committable.Payload))
		req.MarkCommitted()
	}
	return nil
}

func (c *QueueGlobalCommitter) EndOfInput(context.Context) error {
	c.queue.Push(EndOfInputMarker)
	return nil
}

// SplitGlobal splits "+"-joined global entries back into individual tuples,
// dropping end-of-input markers. Verification helpers use it to compare the
// global stream against per-partition output.
func SplitGlobal(entries []string) []string {
	var out []string
	for _, e := range entries {
		if e == EndOfInputMarker || e == "" {
			continue
		}
		out = append(out, strings.Split(e, "+")...)
	}
	return out
}

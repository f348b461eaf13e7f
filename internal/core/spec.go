package core

import (
	"errors"
	"fmt"
	"sort"

	"streamsink/internal/domain"
)

// Semantics selects the end-to-end delivery guarantee of committed output.
type Semantics string

const (
	ExactlyOnce Semantics = "exactly_once"
	AtLeastOnce Semantics = "at_least_once"
)

func ParseSemantics(s string) (Semantics, error) {
	switch s {
	case "exactly_once", "exactly-once":
		return ExactlyOnce, nil
	case "at_least_once", "at-least-once":
		return AtLeastOnce, nil
	default:
		return "", fmt.Errorf("unknown semantics %q", s)
	}
}

// Phase is one step of a checkpoint's commit cycle. Transitions only move
// forward; restart reconstruction re-enters the cycle via RestoredPhase.
type Phase int

const (
	AwaitingBarrier Phase = iota
	Flushing
	AwaitingCompletion
	Committing
	Committed
)

func (p Phase) String() string {
	switch p {
	case AwaitingBarrier:
		return "awaiting_barrier"
	case Flushing:
		return "flushing"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var ErrBadTransition = errors.New("illegal commit phase transition")

// Lifecycle validates the forward-only phase walk of one checkpoint cycle.
type Lifecycle struct {
	phase Phase
}

func (l *Lifecycle) Phase() Phase { return l.phase }

func (l *Lifecycle) To(next Phase) error {
	if next != l.phase+1 {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, l.phase, next)
	}
	l.phase = next
	return nil
}

// RestoredPhase reconstructs the in-memory phase from persisted state after a
// restart. An uncompleted checkpoint is recomputed from replayed input, so it
// restarts the cycle; a completed one resumes at the commit step unless every
// request was already applied.
func RestoredPhase(completed, hasPending bool) Phase {
	if !completed {
		return AwaitingBarrier
	}
	if hasPending {
		return Committing
	}
	return Committed
}

// CheckpointState tracks one checkpoint's committables through flush, release
// and commit. It is owned by the single pipeline control loop; no locking.
type CheckpointState struct {
	ID        domain.CheckpointID
	SourcePos int64
	Final     bool

	lifecycle  Lifecycle
	expected   int
	flushedBy  map[int]bool
	byProducer map[int][]*domain.CommitRequest

	releasedBatches int
	doneBatches     int
	settled         bool
}

// NewCheckpointState starts a fresh cycle expecting one flush per writer
// subtask.
func NewCheckpointState(id domain.CheckpointID, sourcePos int64, expectedFlushes int) *CheckpointState {
	return &CheckpointState{
		ID:         id,
		SourcePos:  sourcePos,
		Final:      id.IsFinal(),
		expected:   expectedFlushes,
		flushedBy:  make(map[int]bool),
		byProducer: make(map[int][]*domain.CommitRequest),
	}
}

// RestoredCheckpointState rebuilds the cycle for an already-completed
// checkpoint from persisted committables. It resumes at the release step and
// never waits for flushes, so producers absent after a parallelism change
// cannot stall it.
func RestoredCheckpointState(id domain.CheckpointID, committables []domain.Committable) *CheckpointState {
	s := &CheckpointState{
		ID:         id,
		Final:      id.IsFinal(),
		flushedBy:  make(map[int]bool),
		byProducer: make(map[int][]*domain.CommitRequest),
	}
	s.lifecycle.phase = Committing
	for _, c := range committables {
		s.byProducer[c.ProducerID] = append(s.byProducer[c.ProducerID], domain.NewCommitRequest(c))
	}
	s.sortBatches()
	return s
}

func (s *CheckpointState) Phase() Phase { return s.lifecycle.Phase() }

func (s *CheckpointState) Settled() bool { return s.settled }

// BarrierSent records that the barrier was injected into every writer.
func (s *CheckpointState) BarrierSent() error {
	return s.lifecycle.To(Flushing)
}

// AddFlush records one writer's flush output. Returns true once every
// expected writer reported. A duplicate flush from the same producer is a
// protocol violation.
func (s *CheckpointState) AddFlush(producerID int, committables []domain.Committable) (bool, error) {
	if s.lifecycle.Phase() != Flushing {
		return false, fmt.Errorf("%w: flush for checkpoint %s in phase %s", ErrBadTransition, s.ID, s.lifecycle.Phase())
	}
	if s.flushedBy[producerID] {
		return false, fmt.Errorf("duplicate flush from producer %d for checkpoint %s", producerID, s.ID)
	}
	s.flushedBy[producerID] = true
	for _, c := range committables {
		s.byProducer[c.ProducerID] = append(s.byProducer[c.ProducerID], domain.NewCommitRequest(c))
	}
	if len(s.flushedBy) < s.expected {
		return false, nil
	}
	s.sortBatches()
	return true, s.lifecycle.To(AwaitingCompletion)
}

// Complete moves the cycle past the coordinator's completion report. Commit
// requests may only be released after this.
func (s *CheckpointState) Complete() error {
	return s.lifecycle.To(Committing)
}

// Batches returns the per-producer commit request batches in producer order.
// Requests within a batch keep sequence order.
func (s *CheckpointState) Batches() map[int][]*domain.CommitRequest {
	if s.lifecycle.Phase() != Committing {
		return nil
	}
	return s.byProducer
}

// BatchesReleased records how many batches were handed to committer tasks.
func (s *CheckpointState) BatchesReleased(n int) {
	s.releasedBatches = n
}

// BatchDone records one committer batch finishing. Returns true once every
// released batch is done.
func (s *CheckpointState) BatchDone() bool {
	s.doneBatches++
	return s.doneBatches >= s.releasedBatches
}

// Committables returns all committables of this checkpoint in producer then
// sequence order. The caller must treat the result as read-only.
func (s *CheckpointState) Committables() []domain.Committable {
	producers := make([]int, 0, len(s.byProducer))
	for p := range s.byProducer {
		producers = append(producers, p)
	}
	sort.Ints(producers)
	var out []domain.Committable
	for _, p := range producers {
		for _, r := range s.byProducer[p] {
			out = append(out, r.Committable)
		}
	}
	return out
}

func (s *CheckpointState) Empty() bool {
	for _, reqs := range s.byProducer {
		if len(reqs) > 0 {
			return false
		}
	}
	return true
}

// Settle records terminal success for the whole cycle. Duplicate settle is a
// no-op so redelivered completion signals are absorbed.
func (s *CheckpointState) Settle() error {
	if s.settled {
		return nil
	}
	if err := s.lifecycle.To(Committed); err != nil {
		return err
	}
	s.settled = true
	return nil
}

func (s *CheckpointState) sortBatches() {
	for p := range s.byProducer {
		reqs := s.byProducer[p]
		sort.Slice(reqs, func(i, j int) bool {
			return reqs[i].Committable.SequenceNo < reqs[j].Committable.SequenceNo
		})
	}
}

package domain

import (
	"fmt"
	"math"
)

// CheckpointID identifies one consistent cut across all writer subtasks.
// IDs are monotonically increasing within a job, including across restarts.
type CheckpointID int64

// FinalCheckpointID marks the flush triggered by end-of-input rather than a
// coordinator barrier.
const FinalCheckpointID CheckpointID = math.MaxInt64

// NoTimestamp is the event-time value for records that carry none.
const NoTimestamp int64 = math.MinInt64

func (id CheckpointID) IsFinal() bool { return id == FinalCheckpointID }

func (id CheckpointID) String() string {
	if id.IsFinal() {
		return "final"
	}
	return fmt.Sprintf("%d", int64(id))
}

// Record is one input event. Immutable once emitted by the source.
type Record struct {
	Key       string
	Value     int64
	Timestamp int64
}

// Committable is one opaque unit of buffered output, produced by a writer at
// a checkpoint boundary. Ownership transfers to the commit side on flush.
type Committable struct {
	ProducerID   int
	CheckpointID CheckpointID
	SequenceNo   int
	Payload      []byte
}

// CommitID is the stable external identifier sinks use for idempotent apply.
// It is deterministic across restarts because routing and replay are.
func (c Committable) CommitID() string {
	return fmt.Sprintf("p%d/c%d/s%d", c.ProducerID, int64(c.CheckpointID), c.SequenceNo)
}

// RequestState is the per-request commit state. There is no terminal failure
// state visible here; exhausted retries surface as a job-level failure.
type RequestState int

const (
	StatePending RequestState = iota
	StateCommitted
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommitRequest wraps one committable with retry bookkeeping. A request is
// owned by exactly one committer task at a time, so no locking is needed.
type CommitRequest struct {
	Committable Committable
	Attempt     int
	LastErr     string

	state RequestState
}

func NewCommitRequest(c Committable) *CommitRequest {
	return &CommitRequest{Committable: c}
}

func (r *CommitRequest) State() RequestState { return r.state }

func (r *CommitRequest) Pending() bool { return r.state == StatePending }

// BeginAttempt counts one delivery of this request to a committer.
func (r *CommitRequest) BeginAttempt() { r.Attempt++ }

// MarkCommitted records terminal success. Committers call this per request
// they durably applied; anything still pending is redelivered.
func (r *CommitRequest) MarkCommitted() { r.state = StateCommitted }

// RetryLater records a transient failure and keeps the request pending.
func (r *CommitRequest) RetryLater(err error) {
	if err != nil {
		r.LastErr = err.Error()
	}
}

// GlobalCommittable is the aggregate of all producers' committables for one
// checkpoint, combined into a single atomic payload.
type GlobalCommittable struct {
	CheckpointID CheckpointID
	Payload      []byte
}

func GlobalCommitID(id CheckpointID) string {
	return fmt.Sprintf("global/c%d", int64(id))
}

func (g GlobalCommittable) CommitID() string { return GlobalCommitID(g.CheckpointID) }

// GlobalCommitRequest mirrors CommitRequest for the aggregate phase.
type GlobalCommitRequest struct {
	Committable GlobalCommittable
	Attempt     int
	LastErr     string

	state RequestState
}

func NewGlobalCommitRequest(g GlobalCommittable) *GlobalCommitRequest {
	return &GlobalCommitRequest{Committable: g}
}

func (r *GlobalCommitRequest) State() RequestState { return r.state }

func (r *GlobalCommitRequest) Pending() bool { return r.state == StatePending }

// BeginAttempt counts one delivery of this request to a committer.
func (r *GlobalCommitRequest) BeginAttempt() { r.Attempt++ }

func (r *GlobalCommitRequest) MarkCommitted() { r.state = StateCommitted }

func (r *GlobalCommitRequest) RetryLater(err error) {
	if err != nil {
		r.LastErr = err.Error()
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"streamsink/internal/backend"
	"streamsink/internal/coordinator"
	"streamsink/internal/core"
	"streamsink/internal/domain"
	"streamsink/internal/hashroute"
	"streamsink/internal/sink"
	"streamsink/internal/source"
)

const (
	coordinatorComponentID = "coordinator"
	endOfInputCommitID     = "global/end-of-input"
)

// Options configures one job run.
type Options struct {
	Parallelism int
	Semantics   core.Semantics

	// CheckpointEveryRecords triggers a barrier after this many routed
	// records. 0 disables periodic checkpoints; only the final cut runs.
	CheckpointEveryRecords int

	// MaxAttempts is the restart budget: total execution attempts allowed
	// before the job is declared permanently failed.
	MaxAttempts  int
	RestartDelay time.Duration

	// CommitRetries is how many times the unresolved subset of a commit
	// batch is redelivered within one attempt before the failure escalates
	// to a restart.
	CommitRetries    int
	CommitRetryDelay time.Duration

	WithCommitter       bool
	WithGlobalCommitter bool

	FailureInjection FailureInjection
}

func (o *Options) withDefaults() {
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.Semantics == "" {
		o.Semantics = core.ExactlyOnce
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.CommitRetryDelay <= 0 {
		o.CommitRetryDelay = 10 * time.Millisecond
	}
}

func (o Options) validate() error {
	if _, err := core.ParseSemantics(string(o.Semantics)); err != nil {
		return err
	}
	if !o.WithCommitter && !o.WithGlobalCommitter {
		return errors.New("job needs a committer, a global committer, or both")
	}
	return nil
}

// Status is the terminal state of a job run.
type Status int

const (
	StatusFinished Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result summarizes a job run across all restart attempts.
type Result struct {
	Status   Status
	Attempts int
	LastErr  string
}

// Job drives records through writer, committer and global committer tasks,
// gated by the checkpoint coordinator. One writer and one committer task per
// subtask, one global task; the control loop owns all bookkeeping.
type Job struct {
	opts Options

	src          source.Source
	backend      backend.Backend
	coord        *coordinator.Coordinator
	router       *hashroute.Router
	newWriter    func(subtask int) sink.Writer
	newCommitter func(subtask int) sink.Committer
	global       sink.GlobalCommitter
	injector     *failureInjector

	// per-attempt wiring, rebuilt by runAttempt
	writerChs    []chan writerMsg
	commitChs    []chan commitBatch
	flushCh      chan flushResult
	commitDoneCh chan commitDone
	globalCh     chan globalBatch
	globalDoneCh chan globalDone
	errCh        chan error
	inflight     map[domain.CheckpointID]*core.CheckpointState
	wg           sync.WaitGroup
}

func NewJob(opts Options, src source.Source, b backend.Backend, newWriter func(subtask int) sink.Writer, newCommitter func(subtask int) sink.Committer, global sink.GlobalCommitter) (*Job, error) {
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("source is nil")
	}
	if b == nil {
		return nil, errors.New("state backend is nil")
	}
	if newWriter == nil {
		return nil, errors.New("writer factory is nil")
	}
	if opts.WithCommitter && newCommitter == nil {
		return nil, errors.New("committer factory is nil")
	}
	if opts.WithGlobalCommitter && global == nil {
		return nil, errors.New("global committer is nil")
	}

	return &Job{
		opts:         opts,
		src:          src,
		backend:      b,
		coord:        coordinator.New(opts.Parallelism),
		router:       hashroute.NewRouter(opts.Parallelism),
		newWriter:    newWriter,
		newCommitter: newCommitter,
		global:       global,
		injector:     newFailureInjector(opts.FailureInjection),
	}, nil
}

// Coordinator exposes the checkpoint coordinator, mainly so verification can
// cross-check which checkpoints were completed.
func (j *Job) Coordinator() *coordinator.Coordinator { return j.coord }

// Run executes the job until it finishes or the restart budget is exhausted.
// Each attempt restores from the last completed checkpoint and replays the
// source from its recorded position.
func (j *Job) Run(ctx context.Context) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < j.opts.MaxAttempts; attempt++ {
		if attempt > 0 && j.opts.RestartDelay > 0 {
			select {
			case <-time.After(j.opts.RestartDelay):
			case <-ctx.Done():
				return Result{Status: StatusFailed, Attempts: attempt, LastErr: ctx.Err().Error()}, ctx.Err()
			}
		}

		err := j.runAttempt(ctx, attempt)
		if err == nil {
			return Result{Status: StatusFinished, Attempts: attempt + 1}, nil
		}
		lastErr = err
		j.abortInFlight()
		if ctx.Err() != nil {
			break
		}
	}
	res := Result{Status: StatusFailed, Attempts: j.opts.MaxAttempts, LastErr: lastErr.Error()}
	return res, fmt.Errorf("job failed after %d attempts: %w", res.Attempts, lastErr)
}

// abortInFlight reports checkpoints that never completed as aborted so their
// committables are known-discardable.
func (j *Job) abortInFlight() {
	for id, cp := range j.inflight {
		if cp.Settled() {
			continue
		}
		switch cp.Phase() {
		case core.AwaitingBarrier, core.Flushing, core.AwaitingCompletion:
			j.coord.ReportAborted(id)
		}
	}
}

func (j *Job) persistCoordinatorCursor(ctx context.Context) error {
	next := strconv.FormatInt(int64(j.coord.NextID()), 10)
	if err := j.backend.PersistState(ctx, coordinatorComponentID, 0, []byte(next)); err != nil {
		return fmt.Errorf("persist coordinator cursor: %w", err)
	}
	return nil
}

func (j *Job) restoreCoordinatorCursor(ctx context.Context) error {
	state, ok, err := j.backend.RestoreState(ctx, coordinatorComponentID, 0)
	if err != nil {
		return fmt.Errorf("restore coordinator cursor: %w", err)
	}
	if !ok {
		return nil
	}
	next, err := strconv.ParseInt(string(state), 10, 64)
	if err != nil {
		return fmt.Errorf("parse coordinator cursor %q: %w", state, err)
	}
	j.coord.AdvanceTo(domain.CheckpointID(next))
	return nil
}

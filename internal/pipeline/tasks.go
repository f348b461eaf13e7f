package pipeline

import (
	"context"
	"fmt"
	"time"

	"streamsink/internal/core"
	"streamsink/internal/domain"
	"streamsink/internal/sink"
)

// startTasks spins up the per-subtask writer and committer tasks and the
// single global committer task. All of them exit on context cancellation;
// the attempt context is cancelled when runAttempt returns.
func (j *Job) startTasks(actx context.Context) {
	p := j.opts.Parallelism

	j.writerChs = make([]chan writerMsg, p)
	j.commitChs = make([]chan commitBatch, p)
	j.flushCh = make(chan flushResult, p+4)
	j.commitDoneCh = make(chan commitDone, 256)
	j.globalCh = make(chan globalBatch, 16)
	j.globalDoneCh = make(chan globalDone, 16)
	j.errCh = make(chan error, 2*p+8)

	for i := 0; i < p; i++ {
		j.writerChs[i] = make(chan writerMsg, 256)
		j.wg.Add(1)
		go j.writerTask(actx, i, j.writerChs[i])
	}
	if j.opts.WithCommitter {
		for i := 0; i < p; i++ {
			j.commitChs[i] = make(chan commitBatch, 16)
			j.wg.Add(1)
			go j.committerTask(actx, i, j.commitChs[i])
		}
	}
	if j.opts.WithGlobalCommitter {
		j.wg.Add(1)
		go j.globalTask(actx)
	}
}

func (j *Job) reportErr(err error) {
	select {
	case j.errCh <- err:
	default:
	}
}

func (j *Job) writerTask(actx context.Context, subtask int, ch <-chan writerMsg) {
	defer j.wg.Done()
	w := j.newWriter(subtask)
	for {
		select {
		case <-actx.Done():
			return
		case msg := <-ch:
			if !msg.barrier {
				if err := w.Write(msg.rec); err != nil {
					j.reportErr(fmt.Errorf("writer %d: %w", subtask, err))
					return
				}
				continue
			}
			cs, err := w.Flush(msg.id)
			if err != nil {
				j.reportErr(fmt.Errorf("writer %d flush checkpoint %s: %w", subtask, msg.id, err))
				return
			}
			select {
			case j.flushCh <- flushResult{producer: subtask, id: msg.id, committables: cs}:
			case <-actx.Done():
				return
			}
		}
	}
}

func (j *Job) committerTask(actx context.Context, subtask int, ch <-chan commitBatch) {
	defer j.wg.Done()
	c := j.newCommitter(subtask)
	if j.opts.Semantics == core.ExactlyOnce {
		c = sink.Idempotent(c, j.backend)
	}
	for {
		select {
		case <-actx.Done():
			return
		case batch := <-ch:
			if err := j.commitWithRetry(actx, c, batch); err != nil {
				j.reportErr(err)
				return
			}
			select {
			case j.commitDoneCh <- commitDone{id: batch.id, subtask: subtask}:
			case <-actx.Done():
				return
			}
		}
	}
}

// commitWithRetry delivers a batch and redelivers the still-pending subset up
// to the configured budget. Exhausting the budget escalates to a restart.
func (j *Job) commitWithRetry(actx context.Context, c sink.Committer, batch commitBatch) error {
	redeliveries := 0
	for {
		pending := pendingRequests(batch.requests)
		if len(pending) == 0 {
			return nil
		}
		for _, r := range pending {
			r.BeginAttempt()
		}
		err := c.Commit(actx, pending)

		still := pendingRequests(batch.requests)
		if len(still) == 0 {
			return nil
		}
		if err == nil {
			err = sink.Retryable(fmt.Errorf("%d commit requests left pending", len(still)))
		}
		for _, r := range still {
			r.RetryLater(err)
		}

		redeliveries++
		if redeliveries > j.opts.CommitRetries || !sink.IsRetryable(err) {
			return fmt.Errorf("commit checkpoint %s: %w", batch.id, err)
		}
		select {
		case <-time.After(j.opts.CommitRetryDelay):
		case <-actx.Done():
			return actx.Err()
		}
	}
}

func pendingRequests(requests []*domain.CommitRequest) []*domain.CommitRequest {
	var out []*domain.CommitRequest
	for _, r := range requests {
		if r.Pending() {
			out = append(out, r)
		}
	}
	return out
}

func (j *Job) globalTask(actx context.Context) {
	defer j.wg.Done()
	for {
		select {
		case <-actx.Done():
			return
		case gb := <-j.globalCh:
			if gb.commit {
				if err := j.globalCommitWithRetry(actx, gb); err != nil {
					j.reportErr(err)
					return
				}
			}
			if gb.endOfInput {
				if err := j.global.EndOfInput(actx); err != nil {
					j.reportErr(fmt.Errorf("end of input: %w", err))
					return
				}
			}
			select {
			case j.globalDoneCh <- globalDone{id: gb.id, committed: gb.commit, endOfInput: gb.endOfInput}:
			case <-actx.Done():
				return
			}
		}
	}
}

func (j *Job) globalCommitWithRetry(actx context.Context, gb globalBatch) error {
	g, err := j.global.Combine(gb.id, gb.committables)
	if err != nil {
		return fmt.Errorf("combine checkpoint %s: %w", gb.id, err)
	}
	req := domain.NewGlobalCommitRequest(g)

	redeliveries := 0
	for {
		req.BeginAttempt()
		err := j.global.Commit(actx, []*domain.GlobalCommitRequest{req})
		if !req.Pending() {
			return nil
		}
		if err == nil {
			err = sink.Retryable(fmt.Errorf("global commit request left pending"))
		}
		req.RetryLater(err)

		redeliveries++
		if redeliveries > j.opts.CommitRetries || !sink.IsRetryable(err) {
			return fmt.Errorf("global commit checkpoint %s: %w", gb.id, err)
		}
		select {
		case <-time.After(j.opts.CommitRetryDelay):
		case <-actx.Done():
			return actx.Err()
		}
	}
}

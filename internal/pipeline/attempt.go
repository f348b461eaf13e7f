package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"streamsink/internal/core"
	"streamsink/internal/domain"
)

type writerMsg struct {
	rec     domain.Record
	barrier bool
	id      domain.CheckpointID
}

type flushResult struct {
	producer     int
	id           domain.CheckpointID
	committables []domain.Committable
}

type commitBatch struct {
	id       domain.CheckpointID
	requests []*domain.CommitRequest
}

type commitDone struct {
	id      domain.CheckpointID
	subtask int
}

type globalBatch struct {
	id           domain.CheckpointID
	committables []domain.Committable
	commit       bool
	endOfInput   bool
}

type globalDone struct {
	id         domain.CheckpointID
	committed  bool
	endOfInput bool
}

// runAttempt is one execution attempt: restore, redeliver pending commit
// work, stream the source with periodic barriers, then cut the final
// checkpoint and drain until every cycle settled.
func (j *Job) runAttempt(ctx context.Context, attempt int) error {
	actx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		j.wg.Wait()
	}()

	restored, pos, hasRestored, err := j.backend.LatestCompleted(actx)
	if err != nil {
		return fmt.Errorf("restore latest checkpoint: %w", err)
	}
	if !hasRestored {
		restored, pos = 0, 0
	}
	if err := j.src.SeekTo(pos); err != nil {
		return fmt.Errorf("seek source to %d: %w", pos, err)
	}
	if err := j.backend.DiscardAbove(actx, restored); err != nil {
		return fmt.Errorf("discard uncompleted committables: %w", err)
	}
	if err := j.restoreCoordinatorCursor(actx); err != nil {
		return err
	}
	if attempt > 0 {
		j.coord.NotifyRestart(attempt, restored)
	}
	j.router.Reset(j.opts.Parallelism)
	j.injector.attemptStarted()

	j.startTasks(actx)

	if err := j.redeliverPending(actx); err != nil {
		return err
	}

	recordsSince := 0
	for {
		if err := j.drainDoneEvents(actx); err != nil {
			return err
		}
		rec, ok, err := j.src.Next(actx)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		if !ok {
			break
		}
		if err := j.injector.onRecord(); err != nil {
			return err
		}
		sub := j.router.EnsureSubtask(rec.Key)
		if err := j.sendWriter(actx, sub, writerMsg{rec: rec}); err != nil {
			return err
		}
		recordsSince++
		if j.opts.CheckpointEveryRecords > 0 && recordsSince >= j.opts.CheckpointEveryRecords {
			recordsSince = 0
			if err := j.runCheckpoint(actx, false); err != nil {
				return err
			}
		}
	}

	if err := j.runCheckpoint(actx, true); err != nil {
		return err
	}

	for !j.allSettled() {
		select {
		case d := <-j.commitDoneCh:
			if err := j.handleCommitDone(actx, d); err != nil {
				return err
			}
		case g := <-j.globalDoneCh:
			if err := j.handleGlobalDone(actx, g); err != nil {
				return err
			}
		case err := <-j.errCh:
			return err
		case <-actx.Done():
			return actx.Err()
		}
	}
	return nil
}

// redeliverPending rebuilds commit cycles for committables that were
// persisted under completed checkpoints but not applied before the previous
// attempt died, and releases them again.
func (j *Job) redeliverPending(actx context.Context) error {
	j.inflight = make(map[domain.CheckpointID]*core.CheckpointState)

	pending, err := j.backend.PendingCommittables(actx)
	if err != nil {
		return fmt.Errorf("load pending committables: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	byCheckpoint := make(map[domain.CheckpointID][]domain.Committable)
	var ids []domain.CheckpointID
	for _, c := range pending {
		if _, seen := byCheckpoint[c.CheckpointID]; !seen {
			ids = append(ids, c.CheckpointID)
		}
		byCheckpoint[c.CheckpointID] = append(byCheckpoint[c.CheckpointID], c)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		cp := core.RestoredCheckpointState(id, byCheckpoint[id])
		j.inflight[id] = cp
		if err := j.release(actx, cp); err != nil {
			return err
		}
	}
	return nil
}

// runCheckpoint injects a barrier, collects every writer's flush, persists
// the committables, reports completion and releases the commit requests. A
// restored final cycle already in flight is not duplicated; the barrier still
// runs so writers drop their buffers and the completion record is refreshed.
func (j *Job) runCheckpoint(actx context.Context, final bool) error {
	var id domain.CheckpointID
	if final {
		id = j.coord.TriggerFinal()
	} else {
		id = j.coord.TriggerCheckpoint()
		if err := j.persistCoordinatorCursor(actx); err != nil {
			return err
		}
	}
	pos := j.src.Position()

	var cp *core.CheckpointState
	if _, alreadyInFlight := j.inflight[id]; !alreadyInFlight {
		cp = core.NewCheckpointState(id, pos, j.opts.Parallelism)
		if err := cp.BarrierSent(); err != nil {
			return err
		}
		j.inflight[id] = cp
	}

	for sub := range j.writerChs {
		if err := j.sendWriter(actx, sub, writerMsg{barrier: true, id: id}); err != nil {
			return err
		}
	}

	results, err := j.awaitFlushes(actx, id)
	if err != nil {
		return err
	}

	var all []domain.Committable
	if cp != nil {
		for _, fr := range results {
			if _, err := cp.AddFlush(fr.producer, fr.committables); err != nil {
				return err
			}
		}
		all = cp.Committables()
	} else {
		// Replayed flush output for a restored cycle duplicates what is
		// already persisted; persisting again is a no-op.
		for _, fr := range results {
			all = append(all, fr.committables...)
		}
	}
	if err := j.backend.PersistCommittables(actx, all); err != nil {
		return fmt.Errorf("persist committables for checkpoint %s: %w", id, err)
	}

	if err := j.coord.ReportCompleted(id); err != nil {
		return err
	}
	if err := j.backend.MarkCompleted(actx, id, pos, time.Now().UTC()); err != nil {
		return fmt.Errorf("record completed checkpoint %s: %w", id, err)
	}
	j.injector.checkpointCompleted()

	if cp == nil {
		return nil
	}
	if err := cp.Complete(); err != nil {
		return err
	}
	return j.release(actx, cp)
}

func (j *Job) awaitFlushes(actx context.Context, id domain.CheckpointID) ([]flushResult, error) {
	var out []flushResult
	for len(out) < j.opts.Parallelism {
		select {
		case fr := <-j.flushCh:
			if fr.id != id {
				return nil, fmt.Errorf("flush for checkpoint %s while awaiting %s", fr.id, id)
			}
			if _, err := j.coord.AckSubtask(id, fr.producer); err != nil {
				return nil, err
			}
			out = append(out, fr)
		case d := <-j.commitDoneCh:
			if err := j.handleCommitDone(actx, d); err != nil {
				return nil, err
			}
		case g := <-j.globalDoneCh:
			if err := j.handleGlobalDone(actx, g); err != nil {
				return nil, err
			}
		case err := <-j.errCh:
			return nil, err
		case <-actx.Done():
			return nil, actx.Err()
		}
	}
	return out, nil
}

// release hands a completed checkpoint's batches to the committer tasks. A
// batch is routed by producer id so redelivery after a parallelism change
// still lands every batch somewhere.
func (j *Job) release(actx context.Context, cp *core.CheckpointState) error {
	if !j.opts.WithCommitter || cp.Empty() {
		cp.BatchesReleased(0)
		return j.maybeGlobal(actx, cp)
	}

	batches := cp.Batches()
	producers := make([]int, 0, len(batches))
	for p := range batches {
		producers = append(producers, p)
	}
	sort.Ints(producers)
	cp.BatchesReleased(len(producers))

	for _, p := range producers {
		target := p % j.opts.Parallelism
		batch := commitBatch{id: cp.ID, requests: batches[p]}
		if err := j.sendCommit(actx, target, batch); err != nil {
			return err
		}
	}
	return nil
}

// maybeGlobal runs the aggregate phase once per checkpoint. The ledger
// decides whether the global commit or the end-of-input signal still needs to
// go out; an already-applied id is absorbed here, never re-delivered to the
// committer.
func (j *Job) maybeGlobal(actx context.Context, cp *core.CheckpointState) error {
	if !j.opts.WithGlobalCommitter {
		return j.settle(actx, cp)
	}

	commitNeeded := false
	if !cp.Empty() {
		applied, err := j.backend.Applied(actx, domain.GlobalCommitID(cp.ID))
		if err != nil {
			return err
		}
		commitNeeded = !applied
	}
	emitEndOfInput := false
	if cp.Final {
		applied, err := j.backend.Applied(actx, endOfInputCommitID)
		if err != nil {
			return err
		}
		emitEndOfInput = !applied
	}
	if !commitNeeded && !emitEndOfInput {
		return j.settle(actx, cp)
	}

	gb := globalBatch{
		id:           cp.ID,
		committables: cp.Committables(),
		commit:       commitNeeded,
		endOfInput:   emitEndOfInput,
	}
	return j.sendGlobal(actx, gb)
}

func (j *Job) handleCommitDone(actx context.Context, d commitDone) error {
	cp, ok := j.inflight[d.id]
	if !ok {
		return fmt.Errorf("commit done for unknown checkpoint %s", d.id)
	}
	if cp.BatchDone() {
		return j.maybeGlobal(actx, cp)
	}
	return nil
}

func (j *Job) handleGlobalDone(actx context.Context, g globalDone) error {
	cp, ok := j.inflight[g.id]
	if !ok {
		return fmt.Errorf("global commit done for unknown checkpoint %s", g.id)
	}
	now := time.Now().UTC()
	if g.committed {
		if err := j.backend.MarkApplied(actx, domain.GlobalCommitID(g.id), now); err != nil {
			return err
		}
	}
	if g.endOfInput {
		if err := j.backend.MarkApplied(actx, endOfInputCommitID, now); err != nil {
			return err
		}
	}
	return j.settle(actx, cp)
}

func (j *Job) settle(actx context.Context, cp *core.CheckpointState) error {
	if err := cp.Settle(); err != nil {
		return err
	}
	if err := j.backend.PruneCheckpoint(actx, cp.ID); err != nil {
		return fmt.Errorf("prune checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (j *Job) allSettled() bool {
	for _, cp := range j.inflight {
		if !cp.Settled() {
			return false
		}
	}
	return true
}

// drainDoneEvents services completion events without blocking so commit
// bookkeeping keeps pace with record intake.
func (j *Job) drainDoneEvents(actx context.Context) error {
	for {
		select {
		case d := <-j.commitDoneCh:
			if err := j.handleCommitDone(actx, d); err != nil {
				return err
			}
		case g := <-j.globalDoneCh:
			if err := j.handleGlobalDone(actx, g); err != nil {
				return err
			}
		case err := <-j.errCh:
			return err
		default:
			return nil
		}
	}
}

func (j *Job) sendWriter(actx context.Context, sub int, msg writerMsg) error {
	for {
		select {
		case j.writerChs[sub] <- msg:
			return nil
		case err := <-j.errCh:
			return err
		case <-actx.Done():
			return actx.Err()
		}
	}
}

func (j *Job) sendCommit(actx context.Context, sub int, batch commitBatch) error {
	for {
		select {
		case j.commitChs[sub] <- batch:
			return nil
		case d := <-j.commitDoneCh:
			if err := j.handleCommitDone(actx, d); err != nil {
				return err
			}
		case g := <-j.globalDoneCh:
			if err := j.handleGlobalDone(actx, g); err != nil {
				return err
			}
		case err := <-j.errCh:
			return err
		case <-actx.Done():
			return actx.Err()
		}
	}
}

func (j *Job) sendGlobal(actx context.Context, gb globalBatch) error {
	for {
		select {
		case j.globalCh <- gb:
			return nil
		case d := <-j.commitDoneCh:
			if err := j.handleCommitDone(actx, d); err != nil {
				return err
			}
		case g := <-j.globalDoneCh:
			if err := j.handleGlobalDone(actx, g); err != nil {
				return err
			}
		case err := <-j.errCh:
			return err
		case <-actx.Done():
			return actx.Err()
		}
	}
}

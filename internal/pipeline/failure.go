package pipeline

import "errors"

// ErrInjectedFailure is the error raised by the test failure hook. It
// exercises the restart path without a real fault.
var ErrInjectedFailure = errors.New("injected failure")

// FailureInjection configures a deterministic fault for recovery tests. When
// enabled, an attempt fails once its record count exceeds NumRecords and at
// least NumCheckpoints checkpoints completed, at most MaxFailures times over
// the whole run.
type FailureInjection struct {
	Enabled        bool
	NumRecords     int
	NumCheckpoints int
	MaxFailures    int
}

type failureInjector struct {
	cfg FailureInjection

	failures           int
	attemptRecords     int
	attemptCheckpoints int
}

func newFailureInjector(cfg FailureInjection) *failureInjector {
	return &failureInjector{cfg: cfg}
}

func (f *failureInjector) attemptStarted() {
	f.attemptRecords = 0
	f.attemptCheckpoints = 0
}

func (f *failureInjector) checkpointCompleted() {
	f.attemptCheckpoints++
}

func (f *failureInjector) onRecord() error {
	f.attemptRecords++
	if !f.cfg.Enabled || f.failures >= f.cfg.MaxFailures {
		return nil
	}
	if f.attemptRecords <= f.cfg.NumRecords {
		return nil
	}
	if f.attemptCheckpoints < f.cfg.NumCheckpoints {
		return nil
	}
	f.failures++
	return ErrInjectedFailure
}

// Failures reports how many faults were injected so far.
func (f *failureInjector) Failures() int { return f.failures }

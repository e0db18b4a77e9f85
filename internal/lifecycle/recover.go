package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/atelier/internal/model"
)

// interruptedReason is recorded on runs that were still generating when the
// previous process stopped.
const interruptedReason = "interrupted: process stopped before generation finished"

// RunSweeper is the run repository RecoverInFlight needs.
type RunSweeper interface {
	// ListInFlightRuns returns every non-terminal run, oldest first.
	ListInFlightRuns(ctx context.Context) ([]model.Run, error)
	SaveRun(ctx context.Context, run model.Run) error
}

// RecoverInFlight closes runs left non-terminal by a previous process and
// applies each outcome to its entity. A run awaiting approval becomes
// timed_out, whether or not its deadline has passed, because nothing is
// polling for its verdict any more. A pending or generating run becomes
// failed. Call it before the first Tick; it returns the number of runs
// closed.
//
// A run that cannot be closed is skipped and its error returned at the end,
// so one bad row does not keep the remaining entities locked.
func (m *Manager) RecoverInFlight(ctx context.Context, runs RunSweeper) (int, error) {
	stale, err := runs.ListInFlightRuns(ctx)
	if err != nil {
		return 0, model.Persistence("list in-flight runs", err)
	}

	var (
		closed int
		errs   []error
	)
	for _, run := range stale {
		from := run.State
		now := m.now()
		if run.State == model.RunStateAwaitingApproval {
			err = run.Transition(model.RunStateTimedOut, now)
		} else {
			err = run.Fail(interruptedReason, now)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: recover run %s: %w", run.ID, err))
			continue
		}
		if err := runs.SaveRun(ctx, run); err != nil {
			errs = append(errs, model.Persistence("recover run", err))
			continue
		}
		if _, err := m.ApplyOutcome(ctx, run.EntityID, run.Outcome()); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
		m.logger.Warn("recovered interrupted run",
			"run_id", run.ID,
			"entity_id", run.EntityID,
			"from", from,
			"to", run.State,
			"age", now.Sub(run.CreatedAt))
	}
	return closed, errors.Join(errs...)
}

// Package executor defines the narrow contract between the dispatcher
// and whatever actually runs a stage's steps on an agent. The sandbox
// and the agent transport live behind this interface.
package executor

import (
	"context"
	"time"

	"github.com/conveyor-ci/conveyor/internal/models"
)

// Result is the terminal outcome an executor reports for one stage.
type Result struct {
	Status models.StageStatus
	Detail string
}

// Executor starts a stage on an assigned agent. Implementations must
// call done exactly once with a terminal status, and must stop early
// when ctx is cancelled (reporting skipped).
type Executor interface {
	Start(ctx context.Context, stage *models.StageRun, agent *models.Agent, done func(Result))
}

// Local is a loopback executor for tests and single-node operation: it
// reports success after an optional delay, or whatever Outcome returns.
type Local struct {
	Delay   time.Duration
	Outcome func(stage *models.StageRun) Result
}

func (l *Local) Start(ctx context.Context, stage *models.StageRun, agent *models.Agent, done func(Result)) {
	if l.Delay > 0 {
		timer := time.NewTimer(l.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			done(Result{Status: models.StageStatusSkipped, Detail: "cancelled"})
			return
		case <-timer.C:
		}
	} else if ctx.Err() != nil {
		done(Result{Status: models.StageStatusSkipped, Detail: "cancelled"})
		return
	}

	if l.Outcome != nil {
		done(l.Outcome(stage))
		return
	}
	done(Result{Status: models.StageStatusSucceeded})
}

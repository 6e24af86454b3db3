// Package readyqueue implements the ready-queue check (UWP, the Universal
// Work Principle): on agent start, look at what work is already anchored
// to that agent before asking the Dispatch Daemon for anything new.
package readyqueue

import (
	"context"

	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

// DefaultStatuses are the task statuses considered "still this agent's
// work" for the ready-queue check.
var DefaultStatuses = []string{"open", "in_progress"}

// Options configures a CheckReadyQueue call.
type Options struct {
	// AutoStart, if true, asks the caller to start the reported task once
	// the check returns. The check itself never mutates task state; it
	// only sets Result.AutoStart so the caller can invoke the store's own
	// task-start operation, keeping this package's dependency on the
	// store read-only.
	AutoStart bool
	// Limit bounds how many candidate tasks are fetched from the store
	// before picking the highest-priority one. Zero or less fetches a
	// single task.
	Limit int
}

// Result is what CheckReadyQueue reports back to its caller.
type Result struct {
	Found     bool
	Task      models.TaskAssignmentSnapshot
	AutoStart bool
}

// CheckReadyQueue asks the store for the top-K tasks already assigned to
// agentID in an open or in-progress status, ordered by priority, and
// reports the highest-priority one, if any.
func CheckReadyQueue(ctx context.Context, st store.Store, agentID string, opts Options) (Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	tasks, err := st.GetAssignedTasks(ctx, agentID, DefaultStatuses, limit)
	if err != nil {
		return Result{}, err
	}
	if len(tasks) == 0 {
		return Result{Found: false}, nil
	}
	return Result{
		Found:     true,
		Task:      tasks[0],
		AutoStart: opts.AutoStart,
	}, nil
}

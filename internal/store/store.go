// Package store defines the task-store contract the Dispatch Daemon and
// Session Manager consume, plus a concrete SQLite-backed implementation
// for local operation and tests. The core never depends on the concrete
// type; every component takes a Store interface.
package store

import (
	"context"
	"io"
	"time"

	"github.com/elemental-run/agentcore/pkg/models"
)

// Task is the store's full record for one unit of work. TaskAssignmentSnapshot
// (pkg/models) is the narrower view the dispatch daemon polls for.
type Task struct {
	ID               string
	Title            string
	Status           string // "open", "in_progress", "done", "blocked", ...
	Priority         int
	CreatedAt        time.Time
	Assignee         string
	Requirements     models.TaskRequirements
	OrchestratorMeta models.TaskOrchestratorMeta
}

// Agent is the store's full record for one agent identity.
type Agent struct {
	ID               string
	Name             string
	OrchestratorMeta models.AgentOrchestratorMeta
	LastSeen         time.Time
}

// AssignmentInfo carries the optional fields the core supplies when binding
// a task to a worker, folded into the task's orchestrator-metadata blob by
// the atomic assignment call.
type AssignmentInfo struct {
	Branch    string
	Worktree  string
	SessionID string
}

// AgentSessionUpdate is what the core reports back to the store about an
// agent's live session, keeping the store's view current without giving it
// write access to the core's in-memory session table.
type AgentSessionUpdate struct {
	SessionID  *string // nil means "leave unchanged"
	UpstreamID *string // nil means "leave unchanged"
	Status     models.SessionStatus
	LastSeen   time.Time
}

// Store is the task-store interface the core consumes (§6.1). Any backend
// satisfying this can be substituted for the Reference Task Store.
type Store interface {
	io.Closer

	// GetReadyTasks returns up to limit tasks that are open, unblocked, and
	// unassigned, ordered by priority ascending then creation time ascending.
	GetReadyTasks(ctx context.Context, limit int) ([]models.TaskAssignmentSnapshot, error)

	// GetIdleWorkers returns worker agents with no session currently running.
	GetIdleWorkers(ctx context.Context) ([]models.IdleWorkerSnapshot, error)

	// GetAssignedTasks returns up to limit tasks already anchored to
	// agentID whose status is one of statuses, ordered by priority
	// ascending then creation time ascending. Used by the ready-queue
	// check (UWP) to find work an agent should resume on start.
	GetAssignedTasks(ctx context.Context, agentID string, statuses []string, limit int) ([]models.TaskAssignmentSnapshot, error)

	// AssignTaskAtomic performs a compare-and-swap bind of task to agent: it
	// succeeds only if the task is still unassigned. Returns an
	// *orcherr.Error of kind Conflict if another caller won the race.
	AssignTaskAtomic(ctx context.Context, taskID, agentID string, info AssignmentInfo) error

	// UpdateAgentSession records the core's view of an agent's live session.
	UpdateAgentSession(ctx context.Context, agentID string, update AgentSessionUpdate) error

	// UpdateTaskOrchestratorMeta overwrites a task's orchestrator-owned blob.
	UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta models.TaskOrchestratorMeta) error

	GetTask(ctx context.Context, taskID string) (Task, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)

	// CreateTask and CreateAgent seed records; used by the operator CLI and
	// by tests, not part of the dispatch/session read path.
	CreateTask(ctx context.Context, t Task) error
	CreateAgent(ctx context.Context, a Agent) error
}

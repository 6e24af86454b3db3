package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/pkg/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	task := Task{
		ID:       "t-1",
		Title:    "do the thing",
		Priority: 3,
		Requirements: models.TaskRequirements{
			RequiredSkills: []string{"go"},
		},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "do the thing" || got.Priority != 3 {
		t.Errorf("got = %+v", got)
	}
	if len(got.Requirements.RequiredSkills) != 1 || got.Requirements.RequiredSkills[0] != "go" {
		t.Errorf("requirements not round-tripped: %+v", got.Requirements)
	}
}

func TestSQLiteStore_GetReadyTasks_OrderedByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{ID: "a", Title: "a", Priority: 2, CreatedAt: now},
		{ID: "b", Title: "b", Priority: 1, CreatedAt: now.Add(time.Minute)},
		{ID: "c", Title: "c", Priority: 1, CreatedAt: now},
	}
	for _, tk := range tasks {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask(%s) failed: %v", tk.ID, err)
		}
	}

	ready, err := s.GetReadyTasks(ctx, 10)
	if err != nil {
		t.Fatalf("GetReadyTasks failed: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("got %d ready tasks, want 3", len(ready))
	}
	got := []string{ready[0].TaskID, ready[1].TaskID, ready[2].TaskID}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestSQLiteStore_AssignTaskAtomic_SecondCallerConflicts(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if err := s.CreateTask(ctx, Task{ID: "t-1", Title: "x"}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := s.AssignTaskAtomic(ctx, "t-1", "agent-a", AssignmentInfo{SessionID: "s-1"}); err != nil {
		t.Fatalf("first AssignTaskAtomic failed: %v", err)
	}
	err := s.AssignTaskAtomic(ctx, "t-1", "agent-b", AssignmentInfo{SessionID: "s-2"})
	if orcherr.Of(err) != orcherr.Conflict {
		t.Errorf("second AssignTaskAtomic: got %v, want Conflict", err)
	}

	got, err := s.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Assignee != "agent-a" {
		t.Errorf("Assignee = %q, want agent-a", got.Assignee)
	}
	if got.OrchestratorMeta.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got.OrchestratorMeta.SessionID)
	}
}

func TestSQLiteStore_GetIdleWorkers_ExcludesRunning(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	idle := Agent{ID: "a-1", Name: "idle-one", OrchestratorMeta: models.AgentOrchestratorMeta{
		Role:          models.RoleWorker,
		SessionStatus: models.SessionSuspended,
		Capabilities:  models.NewCapabilitySet([]string{"go"}, nil, 2),
	}}
	busy := Agent{ID: "a-2", Name: "busy-one", OrchestratorMeta: models.AgentOrchestratorMeta{
		Role:          models.RoleWorker,
		SessionStatus: models.SessionRunning,
	}}
	if err := s.CreateAgent(ctx, idle); err != nil {
		t.Fatalf("CreateAgent(idle) failed: %v", err)
	}
	if err := s.CreateAgent(ctx, busy); err != nil {
		t.Fatalf("CreateAgent(busy) failed: %v", err)
	}

	workers, err := s.GetIdleWorkers(ctx)
	if err != nil {
		t.Fatalf("GetIdleWorkers failed: %v", err)
	}
	if len(workers) != 1 || workers[0].AgentID != "a-1" {
		t.Errorf("workers = %+v, want only a-1", workers)
	}
}

func TestSQLiteStore_GetAssignedTasks_OrderedByPriority(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if err := s.CreateTask(ctx, Task{ID: "t-1", Title: "x", Priority: 2, Assignee: "agent-a", Status: "open"}); err != nil {
		t.Fatalf("CreateTask(t-1) failed: %v", err)
	}
	if err := s.CreateTask(ctx, Task{ID: "t-2", Title: "y", Priority: 1, Assignee: "agent-a", Status: "in_progress"}); err != nil {
		t.Fatalf("CreateTask(t-2) failed: %v", err)
	}
	if err := s.CreateTask(ctx, Task{ID: "t-3", Title: "z", Priority: 0, Assignee: "agent-b", Status: "open"}); err != nil {
		t.Fatalf("CreateTask(t-3) failed: %v", err)
	}
	if err := s.CreateTask(ctx, Task{ID: "t-4", Title: "done", Priority: 0, Assignee: "agent-a", Status: "done"}); err != nil {
		t.Fatalf("CreateTask(t-4) failed: %v", err)
	}

	got, err := s.GetAssignedTasks(ctx, "agent-a", nil, 10)
	if err != nil {
		t.Fatalf("GetAssignedTasks failed: %v", err)
	}
	if len(got) != 2 || got[0].TaskID != "t-2" || got[1].TaskID != "t-1" {
		t.Errorf("got = %+v, want [t-2, t-1]", got)
	}
}

func TestSQLiteStore_UpdateAgentSession(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if err := s.CreateAgent(ctx, Agent{ID: "a-1", Name: "w1"}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	sid := "sess-99"
	if err := s.UpdateAgentSession(ctx, "a-1", AgentSessionUpdate{
		SessionID: &sid,
		Status:    models.SessionRunning,
		LastSeen:  time.Now(),
	}); err != nil {
		t.Fatalf("UpdateAgentSession failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.OrchestratorMeta.SessionID != sid {
		t.Errorf("SessionID = %q, want %q", got.OrchestratorMeta.SessionID, sid)
	}
	if got.OrchestratorMeta.SessionStatus != models.SessionRunning {
		t.Errorf("SessionStatus = %q, want running", got.OrchestratorMeta.SessionStatus)
	}
}

package readyqueue

import (
	"context"
	"testing"

	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

type stubStore struct {
	store.Store // embed nil; only GetAssignedTasks is exercised here
	tasks       []models.TaskAssignmentSnapshot
	err         error
	gotAgentID  string
	gotStatuses []string
	gotLimit    int
}

func (s *stubStore) GetAssignedTasks(ctx context.Context, agentID string, statuses []string, limit int) ([]models.TaskAssignmentSnapshot, error) {
	s.gotAgentID = agentID
	s.gotStatuses = statuses
	s.gotLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.tasks, nil
}

func TestCheckReadyQueue_ReportsHighestPriorityTask(t *testing.T) {
	st := &stubStore{tasks: []models.TaskAssignmentSnapshot{
		{TaskID: "t-1", Priority: 1},
		{TaskID: "t-2", Priority: 2},
	}}
	res, err := CheckReadyQueue(context.Background(), st, "agent-1", Options{})
	if err != nil {
		t.Fatalf("CheckReadyQueue failed: %v", err)
	}
	if !res.Found || res.Task.TaskID != "t-1" {
		t.Errorf("res = %+v, want first task reported", res)
	}
	if st.gotAgentID != "agent-1" {
		t.Errorf("agentID passed through = %q", st.gotAgentID)
	}
}

func TestCheckReadyQueue_EmptyReportsNotFound(t *testing.T) {
	st := &stubStore{}
	res, err := CheckReadyQueue(context.Background(), st, "agent-1", Options{})
	if err != nil {
		t.Fatalf("CheckReadyQueue failed: %v", err)
	}
	if res.Found {
		t.Errorf("res = %+v, want Found=false", res)
	}
}

func TestCheckReadyQueue_AutoStartNeverMutatesOnlyFlags(t *testing.T) {
	st := &stubStore{tasks: []models.TaskAssignmentSnapshot{{TaskID: "t-1"}}}
	res, err := CheckReadyQueue(context.Background(), st, "agent-1", Options{AutoStart: true})
	if err != nil {
		t.Fatalf("CheckReadyQueue failed: %v", err)
	}
	if !res.AutoStart {
		t.Error("expected AutoStart flag to be carried through to the result")
	}
}

func TestCheckReadyQueue_PropagatesStoreError(t *testing.T) {
	st := &stubStore{err: context.DeadlineExceeded}
	if _, err := CheckReadyQueue(context.Background(), st, "agent-1", Options{}); err == nil {
		t.Fatal("expected error to propagate")
	}
}

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

// fakeStore is an in-memory store.Store double, grounded on the real
// SQLiteStore's behavior but without the sqlite driver dependency, so the
// dispatch loop's matching and back-off logic can be tested in isolation.
type fakeStore struct {
	mu sync.Mutex

	tasks   []models.TaskAssignmentSnapshot
	workers []models.IdleWorkerSnapshot

	assigned map[string]string // taskID -> agentID

	readyErr error
	idleErr  error

	assignConflictFor string
	assignCalls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{assigned: map[string]string{}}
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) GetReadyTasks(ctx context.Context, limit int) ([]models.TaskAssignmentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyErr != nil {
		return nil, f.readyErr
	}
	var out []models.TaskAssignmentSnapshot
	for _, t := range f.tasks {
		if _, ok := f.assigned[t.TaskID]; !ok {
			out = append(out, t)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetAssignedTasks(ctx context.Context, agentID string, statuses []string, limit int) ([]models.TaskAssignmentSnapshot, error) {
	return nil, nil
}

func (f *fakeStore) GetIdleWorkers(ctx context.Context) ([]models.IdleWorkerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleErr != nil {
		return nil, f.idleErr
	}
	return append([]models.IdleWorkerSnapshot(nil), f.workers...), nil
}

func (f *fakeStore) AssignTaskAtomic(ctx context.Context, taskID, agentID string, info store.AssignmentInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignCalls++
	if taskID == f.assignConflictFor {
		return orcherr.New(orcherr.Conflict, "fakeStore.AssignTaskAtomic", nil)
	}
	if _, ok := f.assigned[taskID]; ok {
		return orcherr.New(orcherr.Conflict, "fakeStore.AssignTaskAtomic", nil)
	}
	f.assigned[taskID] = agentID
	return nil
}

func (f *fakeStore) UpdateAgentSession(ctx context.Context, agentID string, update store.AgentSessionUpdate) error {
	return nil
}

func (f *fakeStore) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta models.TaskOrchestratorMeta) error {
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	return store.Task{}, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, agentID string) (store.Agent, error) {
	return store.Agent{}, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t store.Task) error  { return nil }
func (f *fakeStore) CreateAgent(ctx context.Context, a store.Agent) error { return nil }

func snapshot(id string, skills []string) models.TaskAssignmentSnapshot {
	return models.TaskAssignmentSnapshot{
		TaskID: id,
		TaskRequirements: models.TaskRequirements{
			RequiredSkills: skills,
		},
	}
}

func worker(id string, skills []string) models.IdleWorkerSnapshot {
	return models.IdleWorkerSnapshot{
		AgentID:      id,
		Capabilities: models.NewCapabilitySet(skills, nil, 1),
	}
}

func TestDaemon_Tick_AssignsEachTaskToAtMostOneWorker(t *testing.T) {
	fs := newFakeStore()
	fs.tasks = []models.TaskAssignmentSnapshot{
		snapshot("t-1", []string{"go"}),
		snapshot("t-2", []string{"go"}),
	}
	fs.workers = []models.IdleWorkerSnapshot{
		worker("w-1", []string{"go"}),
		worker("w-2", []string{"go"}),
	}

	d := New(fs)
	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(fs.assigned) != 2 {
		t.Fatalf("assigned = %v, want 2 entries", fs.assigned)
	}
	seen := map[string]bool{}
	for _, agent := range fs.assigned {
		if seen[agent] {
			t.Errorf("agent %s assigned more than one task", agent)
		}
		seen[agent] = true
	}
	if d.Assignments() != 2 {
		t.Errorf("Assignments() = %d, want 2", d.Assignments())
	}
}

func TestDaemon_Tick_SkipsTaskWithNoEligibleWorker(t *testing.T) {
	fs := newFakeStore()
	fs.tasks = []models.TaskAssignmentSnapshot{snapshot("t-1", []string{"rust"})}
	fs.workers = []models.IdleWorkerSnapshot{worker("w-1", []string{"go"})}

	d := New(fs)
	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(fs.assigned) != 0 {
		t.Errorf("assigned = %v, want none", fs.assigned)
	}
}

func TestDaemon_Tick_ConflictDoesNotFailTick(t *testing.T) {
	fs := newFakeStore()
	// t-1 appears ready (GetReadyTasks only filters its own bookkeeping),
	// but AssignTaskAtomic will reject it as already taken, simulating a
	// racing assigner that won between the read and the write.
	fs.tasks = []models.TaskAssignmentSnapshot{snapshot("t-1", nil)}
	fs.workers = []models.IdleWorkerSnapshot{worker("w-1", nil)}
	fs.assignConflictFor = "t-1"

	d := New(fs)
	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if d.Assignments() != 0 {
		t.Errorf("Assignments() = %d, want 0", d.Assignments())
	}
	if d.Errors() != 0 {
		t.Errorf("Errors() = %d, want 0 (conflict must not fail the tick)", d.Errors())
	}
}

func TestDaemon_RunAndPollNow(t *testing.T) {
	fs := newFakeStore()
	fs.tasks = []models.TaskAssignmentSnapshot{snapshot("t-1", nil)}
	fs.workers = []models.IdleWorkerSnapshot{worker("w-1", nil)}

	d := New(fs, WithTickInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.PollNow()
	deadline := time.Now().Add(2 * time.Second)
	for d.Assignments() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Assignments() != 1 {
		t.Fatalf("Assignments() = %d, want 1 after PollNow", d.Assignments())
	}

	cancel()
	d.Stop()
}

func TestDaemon_Tick_PropagatesStoreError(t *testing.T) {
	fs := newFakeStore()
	fs.readyErr = orcherr.New(orcherr.UpstreamUnavailable, "fakeStore.GetReadyTasks", nil)

	d := New(fs)
	if err := d.tick(context.Background()); err == nil {
		t.Fatal("expected tick to propagate store error")
	}
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	b := time.Duration(0)
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	if b != maxBackoff {
		t.Errorf("nextBackoff settled at %v, want %v", b, maxBackoff)
	}
}

func TestDaemon_Stop_WaitsForLoopExit(t *testing.T) {
	fs := newFakeStore()
	d := New(fs, WithTickInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	d.Stop()
	// A second Stop must not hang or panic.
	d.Stop()
}

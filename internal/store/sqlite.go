package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/pkg/models"
)

// SQLiteStore is the Reference Task Store (§4.10): a local, migration-
// managed, WAL-mode SQLite backend satisfying Store. It exists so the
// Dispatch Daemon and Session Manager are runnable standalone; any other
// backend satisfying Store works just as well against the core.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath mirrors the teacher's XDG-aware global database path,
// renamed to this module's own data directory.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "agentcore", "store.db")
}

// OpenSQLite opens (creating if necessary) a SQLite-backed Store at path,
// enables WAL mode for concurrent readers, and runs pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Agents},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	assignee TEXT,
	requirements TEXT NOT NULL DEFAULT '{}',
	orchestrator_meta TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
`

const migrationV2Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	orchestrator_meta TEXT NOT NULL DEFAULT '{}',
	last_seen TEXT
);

CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
`

func (s *SQLiteStore) GetReadyTasks(ctx context.Context, limit int) ([]models.TaskAssignmentSnapshot, error) {
	if limit <= 0 {
		limit = 16
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, priority, created_at, requirements FROM tasks
		WHERE status = 'open' AND assignee IS NULL
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetReadyTasks", err)
	}
	defer rows.Close()

	var out []models.TaskAssignmentSnapshot
	for rows.Next() {
		var snap models.TaskAssignmentSnapshot
		var createdAt, reqJSON string
		if err := rows.Scan(&snap.TaskID, &snap.Priority, &createdAt, &reqJSON); err != nil {
			return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetReadyTasks", err)
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		json.Unmarshal([]byte(reqJSON), &snap.TaskRequirements)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetIdleWorkers(ctx context.Context) ([]models.IdleWorkerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `SELECT id, name, orchestrator_meta FROM agents`)
	if err != nil {
		return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetIdleWorkers", err)
	}
	defer rows.Close()

	var out []models.IdleWorkerSnapshot
	for rows.Next() {
		var id, name, metaJSON string
		if err := rows.Scan(&id, &name, &metaJSON); err != nil {
			return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetIdleWorkers", err)
		}
		var meta models.AgentOrchestratorMeta
		json.Unmarshal([]byte(metaJSON), &meta)
		if meta.Role != models.RoleWorker || meta.SessionStatus == models.SessionRunning {
			continue
		}
		count, err := s.countAssigned(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, models.IdleWorkerSnapshot{
			AgentID:                id,
			Name:                   name,
			Capabilities:           meta.Capabilities,
			CurrentlyAssignedCount: count,
		})
	}
	return out, rows.Err()
}

// GetAssignedTasks implements the ready-queue check's store lookup: work
// already anchored to agentID, ordered so the caller can report the
// single highest-priority item without a second round trip.
func (s *SQLiteStore) GetAssignedTasks(ctx context.Context, agentID string, statuses []string, limit int) ([]models.TaskAssignmentSnapshot, error) {
	if limit <= 0 {
		limit = 16
	}
	if len(statuses) == 0 {
		statuses = []string{"open", "in_progress"}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	args = append(args, agentID)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, priority, created_at, requirements FROM tasks
		WHERE assignee = ? AND status IN (%s)
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, strings.Join(placeholders, ","))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetAssignedTasks", err)
	}
	defer rows.Close()

	var out []models.TaskAssignmentSnapshot
	for rows.Next() {
		var snap models.TaskAssignmentSnapshot
		var createdAt, reqJSON string
		if err := rows.Scan(&snap.TaskID, &snap.Priority, &createdAt, &reqJSON); err != nil {
			return nil, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetAssignedTasks", err)
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		json.Unmarshal([]byte(reqJSON), &snap.TaskRequirements)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) countAssigned(ctx context.Context, agentID string) (int, error) {
	var n int
	row := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE assignee = ? AND status IN ('open', 'in_progress')
	`, agentID)
	if err := row.Scan(&n); err != nil {
		return 0, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.countAssigned", err)
	}
	return n, nil
}

// AssignTaskAtomic is the single compare-and-swap UPDATE that makes
// concurrent dispatch attempts on the same task race-safe: only the caller
// whose UPDATE actually flips a row from unassigned to assigned gets ok.
func (s *SQLiteStore) AssignTaskAtomic(ctx context.Context, taskID, agentID string, info AssignmentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON string
	if err := s.conn.QueryRowContext(ctx, `SELECT orchestrator_meta FROM tasks WHERE id = ?`, taskID).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return orcherr.New(orcherr.NotFound, "SQLiteStore.AssignTaskAtomic", fmt.Errorf("task %q not found", taskID))
		}
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.AssignTaskAtomic", err)
	}
	var meta models.TaskOrchestratorMeta
	json.Unmarshal([]byte(metaJSON), &meta)
	meta.Branch, meta.Worktree, meta.SessionID = info.Branch, info.Worktree, info.SessionID
	updated, _ := json.Marshal(meta)

	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks SET assignee = ?, status = 'in_progress', orchestrator_meta = ?
		WHERE id = ? AND assignee IS NULL
	`, agentID, string(updated), taskID)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.AssignTaskAtomic", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.AssignTaskAtomic", err)
	}
	if n == 0 {
		return orcherr.New(orcherr.Conflict, "SQLiteStore.AssignTaskAtomic", fmt.Errorf("task %q already assigned", taskID))
	}
	return nil
}

func (s *SQLiteStore) UpdateAgentSession(ctx context.Context, agentID string, update AgentSessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON string
	if err := s.conn.QueryRowContext(ctx, `SELECT orchestrator_meta FROM agents WHERE id = ?`, agentID).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return orcherr.New(orcherr.NotFound, "SQLiteStore.UpdateAgentSession", fmt.Errorf("agent %q not found", agentID))
		}
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.UpdateAgentSession", err)
	}
	var meta models.AgentOrchestratorMeta
	json.Unmarshal([]byte(metaJSON), &meta)
	meta.SessionStatus = update.Status
	if update.SessionID != nil {
		meta.SessionID = *update.SessionID
	}
	if update.UpstreamID != nil {
		meta.UpstreamID = *update.UpstreamID
	}
	updated, _ := json.Marshal(meta)

	_, err := s.conn.ExecContext(ctx, `
		UPDATE agents SET orchestrator_meta = ?, last_seen = ? WHERE id = ?
	`, string(updated), update.LastSeen.UTC().Format(time.RFC3339), agentID)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.UpdateAgentSession", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta models.TaskOrchestratorMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(meta)
	if err != nil {
		return orcherr.New(orcherr.ParseFailure, "SQLiteStore.UpdateTaskOrchestratorMeta", err)
	}
	res, err := s.conn.ExecContext(ctx, `UPDATE tasks SET orchestrator_meta = ? WHERE id = ?`, string(encoded), taskID)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.UpdateTaskOrchestratorMeta", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.NotFound, "SQLiteStore.UpdateTaskOrchestratorMeta", fmt.Errorf("task %q not found", taskID))
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Task
	var createdAt, reqJSON, metaJSON string
	var assignee sql.NullString
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, title, status, priority, created_at, assignee, requirements, orchestrator_meta
		FROM tasks WHERE id = ?
	`, taskID)
	if err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &createdAt, &assignee, &reqJSON, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, orcherr.New(orcherr.NotFound, "SQLiteStore.GetTask", fmt.Errorf("task %q not found", taskID))
		}
		return Task{}, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetTask", err)
	}
	t.Assignee = assignee.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	json.Unmarshal([]byte(reqJSON), &t.Requirements)
	json.Unmarshal([]byte(metaJSON), &t.OrchestratorMeta)
	return t, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Agent
	var lastSeen sql.NullString
	var metaJSON string
	row := s.conn.QueryRowContext(ctx, `SELECT id, name, orchestrator_meta, last_seen FROM agents WHERE id = ?`, agentID)
	if err := row.Scan(&a.ID, &a.Name, &metaJSON, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, orcherr.New(orcherr.NotFound, "SQLiteStore.GetAgent", fmt.Errorf("agent %q not found", agentID))
		}
		return Agent{}, orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.GetAgent", err)
	}
	json.Unmarshal([]byte(metaJSON), &a.OrchestratorMeta)
	if lastSeen.Valid {
		a.LastSeen, _ = time.Parse(time.RFC3339, lastSeen.String)
	}
	return a, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = "open"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	reqJSON, _ := json.Marshal(t.Requirements)
	metaJSON, _ := json.Marshal(t.OrchestratorMeta)

	var assignee any
	if t.Assignee != "" {
		assignee = t.Assignee
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, priority, created_at, assignee, requirements, orchestrator_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Status, t.Priority, t.CreatedAt.UTC().Format(time.RFC3339), assignee, string(reqJSON), string(metaJSON))
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.CreateTask", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, _ := json.Marshal(a.OrchestratorMeta)
	var lastSeen any
	if !a.LastSeen.IsZero() {
		lastSeen = a.LastSeen.UTC().Format(time.RFC3339)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO agents (id, name, orchestrator_meta, last_seen) VALUES (?, ?, ?, ?)
	`, a.ID, a.Name, string(metaJSON), lastSeen)
	if err != nil {
		return orcherr.New(orcherr.UpstreamUnavailable, "SQLiteStore.CreateAgent", err)
	}
	return nil
}

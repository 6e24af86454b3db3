package models

import "time"

// TaskAssignmentSnapshot is what the dispatch daemon sees when polling the
// store for candidate work: enough to run the Capability Matcher without a
// second round trip.
type TaskAssignmentSnapshot struct {
	TaskID    string    `json:"task_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	TaskRequirements
}

// IdleWorkerSnapshot is what the dispatch daemon sees for a candidate
// worker agent.
type IdleWorkerSnapshot struct {
	AgentID                string        `json:"agent_id"`
	Name                   string        `json:"name"`
	Capabilities           CapabilitySet `json:"capabilities"`
	CurrentlyAssignedCount int           `json:"currently_assigned_count"`
}

// HandoffEntry records one session-to-session handoff on a task, kept for
// audit trails across resumes.
type HandoffEntry struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Worktree  string    `json:"worktree,omitempty"`
	At        time.Time `json:"handoff_at"`
}

// TaskOrchestratorMeta is the orchestrator-owned blob stored alongside a
// task record in the external store.
type TaskOrchestratorMeta struct {
	Branch          string         `json:"branch,omitempty"`
	Worktree        string         `json:"worktree,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	MergeStatus     string         `json:"merge_status,omitempty"`
	MergeRequestURL string         `json:"merge_request_url,omitempty"`
	HandoffHistory  []HandoffEntry `json:"handoff_history,omitempty"`
}

// AgentOrchestratorMeta is the orchestrator-owned blob stored alongside an
// agent record in the external store.
type AgentOrchestratorMeta struct {
	Role               AgentRole     `json:"agent_role"`
	WorkerMode         WorkerMode    `json:"worker_mode,omitempty"`
	StewardFocus       string        `json:"steward_focus,omitempty"`
	SessionStatus      SessionStatus `json:"session_status,omitempty"`
	SessionID          string        `json:"session_id,omitempty"`
	UpstreamID         string        `json:"upstream_id,omitempty"`
	WorkDir            string        `json:"work_dir,omitempty"`
	Capabilities       CapabilitySet `json:"capabilities"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
}

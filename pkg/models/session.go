// Package models defines the data types the orchestration core holds in
// memory and exchanges with the external task store.
package models

import "time"

// SessionStatus is the finite state machine driving a session's lifecycle.
type SessionStatus string

const (
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionSuspended   SessionStatus = "suspended"
	SessionTerminating SessionStatus = "terminating"
	SessionTerminated  SessionStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarting, SessionRunning, SessionSuspended, SessionTerminating, SessionTerminated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionTerminated
}

var transitions = map[SessionStatus]map[SessionStatus]bool{
	SessionStarting:    {SessionRunning: true, SessionTerminated: true},
	SessionRunning:     {SessionSuspended: true, SessionTerminating: true, SessionTerminated: true},
	SessionSuspended:   {SessionRunning: true, SessionTerminated: true},
	SessionTerminating: {SessionTerminated: true},
	SessionTerminated:  {},
}

// CanTransition reports whether moving from s to next is an allowed edge.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return transitions[s][next]
}

// AgentRole is the binding of a session to its purpose in the swarm.
type AgentRole string

const (
	RoleDirector AgentRole = "director"
	RoleWorker   AgentRole = "worker"
	RoleSteward  AgentRole = "steward"
)

// Valid returns true if the role is a known value.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleDirector, RoleWorker, RoleSteward:
		return true
	default:
		return false
	}
}

// WorkerMode distinguishes workers that are recycled per task from ones
// that stay bound to the same agent across tasks. Only meaningful for
// RoleWorker sessions.
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// Valid returns true if the mode is a known value.
func (m WorkerMode) Valid() bool {
	switch m {
	case WorkerEphemeral, WorkerPersistent:
		return true
	default:
		return false
	}
}

// SessionMode selects how the Spawner drives the subprocess.
type SessionMode string

const (
	ModeHeadless    SessionMode = "headless"
	ModeInteractive SessionMode = "interactive"
)

// Valid returns true if the mode is a known value.
func (m SessionMode) Valid() bool {
	switch m {
	case ModeHeadless, ModeInteractive:
		return true
	default:
		return false
	}
}

// Session is the live representation of one agent process.
type Session struct {
	ID         string        `json:"id"`
	UpstreamID string        `json:"upstream_id,omitempty"`
	AgentID    string        `json:"agent_id"`
	Role       AgentRole     `json:"agent_role"`
	WorkerMode WorkerMode    `json:"worker_mode,omitempty"`
	Mode       SessionMode   `json:"mode"`
	Provider   string        `json:"provider"`
	Status     SessionStatus `json:"status"`
	WorkDir    string        `json:"work_dir"`
	PID        int           `json:"pid,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session still occupies a live slot.
func (s *Session) Active() bool {
	return s.Status != SessionTerminated
}

package models

import "time"

// SessionHistoryEntry is a per-(agent, role) ordered record of a prior
// session, used to find the most recent resumable session for a role.
type SessionHistoryEntry struct {
	SessionID  string        `json:"session_id"`
	AgentID    string        `json:"agent_id"`
	Role       AgentRole     `json:"agent_role"`
	UpstreamID string        `json:"upstream_id,omitempty"`
	Status     SessionStatus `json:"status"`
	WorkDir    string        `json:"work_dir"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Resumable reports whether this entry can serve as the basis for a resume:
// it carries an upstream id and ended as suspended or terminated.
func (h SessionHistoryEntry) Resumable() bool {
	if h.UpstreamID == "" {
		return false
	}
	return h.Status == SessionSuspended || h.Status == SessionTerminated
}

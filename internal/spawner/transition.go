package spawner

import (
	"fmt"
	"time"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/pkg/models"
)

// transition is the single helper every state change goes through. It
// consults the transition table under the session's fine-grained lock
// (never held across I/O) and records the matching lifecycle timestamp.
// Invalid edges return an InvalidTransition error and leave status
// unchanged.
func (s *Spawner) transition(sess *session, next models.SessionStatus) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return transitionLocked(sess, next)
}

func transitionLocked(sess *session, next models.SessionStatus) error {
	cur := sess.pub.Status
	if cur == next {
		return nil // idempotent no-op, e.g. double terminate
	}
	if !cur.CanTransition(next) {
		return orcherr.New(orcherr.InvalidTransition, "Spawner.transition",
			fmt.Errorf("session %s: %s -> %s not allowed", sess.pub.ID, cur, next))
	}
	sess.pub.Status = next
	now := time.Now()
	switch next {
	case models.SessionRunning:
		if sess.pub.StartedAt == nil {
			sess.pub.StartedAt = &now
		}
	case models.SessionTerminated:
		if sess.pub.EndedAt == nil {
			sess.pub.EndedAt = &now
		}
	}
	touchLocked(sess, now)
	return nil
}

func touchLocked(sess *session, at time.Time) {
	sess.pub.LastActivityAt = &at
}

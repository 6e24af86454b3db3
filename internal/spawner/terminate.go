package spawner

import (
	"fmt"
	"time"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/pkg/models"
)

// Terminate ends session. Graceful sends the mode-appropriate soft
// shutdown and waits up to the configured grace window before escalating
// to a forced kill; a concurrent natural exit and a concurrent Terminate
// can never double-transition the session, since both funnel through
// handleExit's sync.Once. Terminating an already-terminated session is a
// no-op, not an error.
func (s *Spawner) Terminate(sessionID string, graceful bool) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	status, mode := sess.pub.Status, sess.pub.Mode
	ptmx, proc := sess.ptmx, sess.proc
	sess.mu.Unlock()

	if status == models.SessionTerminated {
		return nil
	}

	if err := s.transition(sess, models.SessionTerminating); err != nil {
		// running -> terminating is the only inbound edge; any other
		// current status (starting, suspended) stays as it is and goes
		// through the same shutdown below without passing through
		// "terminating".
	}

	if !graceful {
		return s.forceKill(sess, mode, ptmx, proc)
	}

	if err := softShutdown(mode, ptmx, proc); err != nil {
		s.logSoftShutdownFailure(sess, err)
	}

	select {
	case <-sess.exited:
		return nil
	case <-time.After(s.terminateGrace):
	}

	return s.forceKill(sess, mode, ptmx, proc)
}

func softShutdown(mode models.SessionMode, ptmx ptyHandle, proc *processHandle) error {
	if mode == models.ModeInteractive {
		if ptmx == nil {
			return nil
		}
		_, err := ptmx.Write([]byte("exit\r"))
		return err
	}
	if proc == nil {
		return nil
	}
	return proc.signalExit(true)
}

func (s *Spawner) forceKill(sess *session, mode models.SessionMode, ptmx ptyHandle, proc *processHandle) error {
	var killErr error
	if mode == models.ModeInteractive {
		if ptmx != nil {
			killErr = ptmx.Close()
		}
	} else if proc != nil {
		killErr = proc.signalExit(false)
	}
	// handleExit may already have fired via the natural-exit path; Do makes
	// this a no-op in that case.
	s.handleExit(sess, nil)
	if killErr != nil {
		return orcherr.New(orcherr.SpawnFailure, "Spawner.Terminate", fmt.Errorf("force kill: %w", killErr))
	}
	return nil
}

func (s *Spawner) logSoftShutdownFailure(sess *session, err error) {
	s.log.Log("spawner: soft shutdown failed session=%s: %v", sess.pub.ID, err)
}

// Suspend kills the process but retains the session record with status
// suspended and the upstream id, so a caller can resume it later.
func (s *Spawner) Suspend(sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	mode, ptmx, proc := sess.pub.Mode, sess.ptmx, sess.proc
	sess.suspendWanted = true
	sess.mu.Unlock()

	if mode == models.ModeInteractive {
		if ptmx != nil {
			ptmx.Close()
		}
	} else if proc != nil {
		proc.signalExit(false)
	}
	<-sess.exited
	sess.mu.Lock()
	status := sess.pub.Status
	sess.mu.Unlock()
	if status != models.SessionSuspended {
		return orcherr.New(orcherr.InvalidTransition, "Spawner.Suspend", fmt.Errorf("session %s ended as %s, not suspended", sessionID, status))
	}
	return nil
}

package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/provider"
	"github.com/elemental-run/agentcore/pkg/models"
)

type processHandle struct {
	cmd *exec.Cmd
}

func (p *processHandle) signalExit(graceful bool) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if graceful {
		return p.cmd.Process.Signal(gracefulSignal())
	}
	return p.cmd.Process.Kill()
}

func (s *Spawner) spawnHeadless(ctx context.Context, sess *session, spec SpawnSpec, prov provider.Provider) error {
	path, args := prov.BuildHeadlessArgs(provider.HeadlessOptions{
		Model:    spec.Model,
		ResumeID: spec.ResumeID,
		WorkDir:  spec.WorkDir,
	})

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = s.processEnv(sess, spec)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start process: %w", err)
	}

	handle := &processHandle{cmd: cmd}

	sess.mu.Lock()
	sess.pub.PID = cmd.Process.Pid
	sess.stdinW = stdin
	sess.proc = handle
	sess.mu.Unlock()

	// The subprocess blocks waiting for JSON input; deliver the initial
	// user turn immediately, matching the Agent-Process interface's
	// stdin-delivered-prompt contract for headless mode.
	initRecord, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{
		Type: "user",
		Message: struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: "user", Content: spec.InitialPrompt},
	})
	if _, err := stdin.Write(append(initRecord, '\n')); err != nil {
		cancel()
		return fmt.Errorf("write initial prompt: %w", err)
	}

	initTimeout := clampInitTimeout(spec.InitTimeout, s.initTimeout)
	go s.readStdout(sess, stdout, cancel, handle)
	go s.readStderr(sess, stderr)
	go s.awaitInit(sess, cancel, initTimeout)
	go s.awaitExit(sess, cmd, cancel)

	return nil
}

// awaitInit fails the spawn if the session is still starting once timeout
// elapses. readStdout closes initDone on the first event (init or not); if
// that event moved the session to running, awaitInit returns early. A
// non-init first event leaves the session starting, so the timeout still
// applies to it.
func (s *Spawner) awaitInit(sess *session, cancel context.CancelFunc, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sess.initDone:
		sess.mu.Lock()
		started := sess.pub.Status != models.SessionStarting
		sess.mu.Unlock()
		if started {
			return
		}
		<-timer.C
	case <-timer.C:
	}
	sess.mu.Lock()
	alreadyDone := sess.pub.Status != models.SessionStarting
	sess.mu.Unlock()
	if alreadyDone {
		return
	}
	s.log.Log("spawner: init handshake timed out session=%s", sess.pub.ID)
	cancel()
	s.transition(sess, models.SessionTerminated)
	s.publishSynthetic(sess, models.SessionEvent{
		Kind:        models.EventError,
		ErrorReason: "init_timeout",
	})
	s.bus.CloseSession(sess.pub.ID)
}

func (s *Spawner) readStdout(sess *session, stdout io.Reader, cancel context.CancelFunc, handle *processHandle) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(sess, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		s.log.Log("spawner: stdout read error session=%s: %v", sess.pub.ID, err)
	}
}

func (s *Spawner) handleLine(sess *session, line []byte) {
	event, ok := parseHeadlessEvent(sess.pub.ID, line)
	if !ok {
		s.publish(sess, models.SessionEvent{Kind: models.EventRaw, SessionID: sess.pub.ID, Raw: line, At: time.Now()})
		s.markInitOutcomeKnownIfFirst(sess)
		return
	}

	isFirst := s.markInitOutcomeKnownIfFirst(sess)
	if isFirst && event.Kind == models.EventSystem && event.Subtype == "init" {
		if upstream, ok := sess.provider.ParseInitEvent(line); ok {
			event.UpstreamID = upstream
			sess.mu.Lock()
			sess.pub.UpstreamID = upstream
			sess.mu.Unlock()
			if err := s.transition(sess, models.SessionRunning); err != nil {
				s.log.Log("spawner: %v", err)
			}
		}
	}

	s.publish(sess, event)
}

// markInitOutcomeKnownIfFirst closes initDone the first time any event
// (parsed or raw) arrives, and reports whether this call was the one that
// closed it.
func (s *Spawner) markInitOutcomeKnownIfFirst(sess *session) bool {
	sess.mu.Lock()
	first := !sess.firstEvent
	sess.firstEvent = true
	sess.mu.Unlock()
	if first {
		close(sess.initDone)
	}
	return first
}

func parseHeadlessEvent(sessionID string, line []byte) (models.SessionEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return models.SessionEvent{}, false
	}
	event := models.SessionEvent{SessionID: sessionID, At: time.Now(), Raw: append([]byte(nil), line...)}

	if t, ok := raw["type"].(string); ok {
		event.Kind = models.SessionEventKind(t)
	}
	if st, ok := raw["subtype"].(string); ok {
		event.Subtype = st
	}
	if msg, ok := raw["message"].(string); ok {
		event.Text = msg
	} else if content, ok := raw["content"].(string); ok {
		event.Text = content
	}
	if tool, ok := raw["tool"].(string); ok {
		event.ToolName = tool
	}
	if toolID, ok := raw["tool_use_id"].(string); ok {
		event.ToolID = toolID
	}
	if input, ok := raw["tool_input"]; ok {
		if b, err := json.Marshal(input); err == nil {
			event.ToolInput = b
		}
	}
	if errMsg, ok := raw["error"].(string); ok && event.Kind == models.EventError {
		event.Text = errMsg
	}
	if !event.Kind.Valid() {
		event.Kind = models.EventRaw
	}
	return event, true
}

func (s *Spawner) readStderr(sess *session, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 16*1024)
	scanner.Buffer(buf, 256*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sess.mu.Lock()
		sess.stderrBuf = append(append(sess.stderrBuf, line...), '\n')
		sess.mu.Unlock()
		s.publish(sess, models.SessionEvent{
			Kind:        models.EventError,
			SessionID:   sess.pub.ID,
			ErrorReason: "stderr",
			Text:        string(line),
			At:          time.Now(),
		})
	}
}

func (s *Spawner) awaitExit(sess *session, cmd *exec.Cmd, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()
	s.handleExit(sess, err)
}

// handleExit is idempotent: subprocess and PTY libraries may deliver exit
// notifications twice, but only the first call has effect.
func (s *Spawner) handleExit(sess *session, exitErr error) {
	sess.exitOnce.Do(func() {
		close(sess.exited)
		sess.mu.Lock()
		suspend := sess.suspendWanted
		sess.mu.Unlock()
		target := models.SessionTerminated
		if suspend {
			target = models.SessionSuspended
		}
		s.transition(sess, target)
		if exitErr != nil {
			s.log.Log("spawner: session=%s exited with error: %v", sess.pub.ID, exitErr)
		}
		s.bus.CloseSession(sess.pub.ID)
	})
}

func (s *Spawner) publish(sess *session, event models.SessionEvent) {
	if event.SessionID == "" {
		event.SessionID = sess.pub.ID
	}
	s.bus.Publish(sess.pub.ID, event)
}

func (s *Spawner) publishSynthetic(sess *session, event models.SessionEvent) {
	event.SessionID = sess.pub.ID
	event.At = time.Now()
	s.bus.Publish(sess.pub.ID, event)
}

// SendInput writes text as a single JSON user-turn record to the
// subprocess's stdin. Allowed only while running in headless mode.
func (s *Spawner) SendInput(sessionID, text string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	status, mode, w := sess.pub.Status, sess.pub.Mode, sess.stdinW
	sess.mu.Unlock()

	if mode != models.ModeHeadless {
		return orcherr.New(orcherr.InvalidState, "Spawner.SendInput", fmt.Errorf("session %s is not headless", sessionID))
	}
	if status != models.SessionRunning {
		return orcherr.New(orcherr.InvalidState, "Spawner.SendInput", fmt.Errorf("session %s is %s, not running", sessionID, status))
	}
	if w == nil {
		return orcherr.New(orcherr.InvalidState, "Spawner.SendInput", fmt.Errorf("session %s has no stdin", sessionID))
	}

	record, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{
		Type: "user",
		Message: struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{Role: "user", Content: text},
	})
	if err != nil {
		return orcherr.New(orcherr.ParseFailure, "Spawner.SendInput", err)
	}
	if _, err := w.Write(append(record, '\n')); err != nil {
		return orcherr.New(orcherr.SpawnFailure, "Spawner.SendInput", err)
	}
	return nil
}

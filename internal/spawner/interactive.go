package spawner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/provider"
	"github.com/elemental-run/agentcore/pkg/models"
)

// ptyFile wraps the *os.File returned by pty.StartWithSize so the Spawner
// can hold it behind the narrow ptyHandle interface while still retaining
// the concrete file Resize needs for pty.Setsize.
type ptyFile struct {
	*os.File
}

// upstreamIDPattern is the best-effort scrape for an upstream session id
// surfaced by a provider CLI inside an interactive terminal. There is no
// protocol here, just a convention some CLIs happen to print.
var upstreamIDPattern = regexp.MustCompile(`Session:\s*(\S+)`)

// shellJoin renders path and args as a single POSIX-shell command line,
// single-quoting every token so the login shell invokes the provider CLI
// verbatim regardless of spaces or shell metacharacters in a model name or
// resume id.
func shellJoin(path string, args []string) string {
	tokens := make([]string, 0, len(args)+1)
	tokens = append(tokens, path)
	tokens = append(tokens, args...)
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func (s *Spawner) spawnInteractive(ctx context.Context, sess *session, spec SpawnSpec, prov provider.Provider) error {
	path, args := prov.BuildInteractiveCommand(provider.InteractiveOptions{
		Model:    spec.Model,
		ResumeID: spec.ResumeID,
		WorkDir:  spec.WorkDir,
	})

	cols, rows := spec.PTYCols, spec.PTYRows
	if cols <= 0 {
		cols = DefaultPTYCols
	}
	if rows <= 0 {
		rows = DefaultPTYRows
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-l", "-c", shellJoin(path, args))
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = s.processEnv(sess, spec)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return fmt.Errorf("allocate pty: %w", err)
	}
	ptmx := &ptyFile{File: f}

	handle := &processHandle{cmd: cmd}

	sess.mu.Lock()
	sess.pub.PID = cmd.Process.Pid
	sess.ptmx = ptmx
	sess.proc = handle
	sess.mu.Unlock()

	// No protocol handshake exists for interactive mode; the session is
	// considered running as soon as the PTY is allocated.
	s.markInitOutcomeKnownIfFirst(sess)
	if err := s.transition(sess, models.SessionRunning); err != nil {
		s.log.Log("spawner: %v", err)
	}

	go s.readPTY(sess, ptmx)
	go s.awaitPTYExit(sess, cmd)

	return nil
}

func (s *Spawner) readPTY(sess *session, ptmx io.Reader) {
	reader := bufio.NewReaderSize(ptmx, 32*1024)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.publish(sess, models.SessionEvent{
				Kind:     models.EventPTYData,
				PTYBytes: chunk,
				At:       time.Now(),
			})
			s.scrapeUpstreamID(sess, chunk)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Log("spawner: pty read error session=%s: %v", sess.pub.ID, err)
			}
			return
		}
	}
}

func (s *Spawner) scrapeUpstreamID(sess *session, chunk []byte) {
	sess.mu.Lock()
	known := sess.pub.UpstreamID != ""
	sess.mu.Unlock()
	if known {
		return
	}
	m := upstreamIDPattern.FindSubmatch(chunk)
	if m == nil {
		return
	}
	sess.mu.Lock()
	sess.pub.UpstreamID = string(m[1])
	sess.mu.Unlock()
}

func (s *Spawner) awaitPTYExit(sess *session, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.handleExit(sess, err)
}

// WritePTY writes raw bytes to an interactive session's terminal. Allowed
// only while running in interactive mode.
func (s *Spawner) WritePTY(sessionID string, data []byte) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	status, mode, ptmx := sess.pub.Status, sess.pub.Mode, sess.ptmx
	sess.mu.Unlock()

	if mode != models.ModeInteractive {
		return orcherr.New(orcherr.InvalidState, "Spawner.WritePTY", fmt.Errorf("session %s is not interactive", sessionID))
	}
	if status != models.SessionRunning {
		return orcherr.New(orcherr.InvalidState, "Spawner.WritePTY", fmt.Errorf("session %s is %s, not running", sessionID, status))
	}
	if ptmx == nil {
		return orcherr.New(orcherr.InvalidState, "Spawner.WritePTY", fmt.Errorf("session %s has no pty", sessionID))
	}
	if _, err := ptmx.Write(data); err != nil {
		return orcherr.New(orcherr.SpawnFailure, "Spawner.WritePTY", err)
	}
	return nil
}

// Resize changes an interactive session's terminal dimensions. Resizing a
// session whose PTY already closed is downgraded to a warning rather than
// surfaced as an error, since the session is on its way to terminated
// anyway.
func (s *Spawner) Resize(sessionID string, cols, rows int) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	mode, ptmx := sess.pub.Mode, sess.ptmx
	sess.mu.Unlock()

	if mode != models.ModeInteractive {
		return orcherr.New(orcherr.InvalidState, "Spawner.Resize", fmt.Errorf("session %s is not interactive", sessionID))
	}
	if ptmx == nil {
		return nil
	}
	f, ok := ptmx.(*ptyFile)
	if !ok {
		return nil
	}
	if err := pty.Setsize(f.File, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		s.log.Log("spawner: resize on closed pty session=%s: %v", sessionID, err)
		return nil
	}
	return nil
}

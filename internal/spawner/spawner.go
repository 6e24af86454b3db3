// Package spawner creates and supervises one subprocess per session: it
// translates stdout into typed SessionEvents, enforces the session state
// machine, and exposes a write path for sending input back to the process.
// Two code paths exist side by side — headless (line-delimited JSON over
// pipes) and interactive (pseudo-terminal) — behind one public contract,
// the way the teacher keeps ClaudeProcess a single type with a clearly
// bounded surface rather than splitting it by inheritance.
package spawner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/provider"
	"github.com/elemental-run/agentcore/pkg/models"
)

// Defaults matching §4.4/§5 of the spec.
const (
	DefaultInitTimeout     = 120 * time.Second
	MinInitTimeout         = 5 * time.Second
	DefaultTerminateGrace  = 5 * time.Second
	DefaultPTYCols         = 120
	DefaultPTYRows         = 30
)

// SpawnSpec describes a session to create.
type SpawnSpec struct {
	AgentID       string
	Role          models.AgentRole
	WorkerMode    models.WorkerMode
	Mode          models.SessionMode
	Provider      string
	WorkDir       string
	InitialPrompt string
	ResumeID      string
	Model         string

	// PTYCols/PTYRows override the interactive terminal size; zero means
	// DefaultPTYCols/DefaultPTYRows.
	PTYCols, PTYRows int

	// InitTimeout overrides DefaultInitTimeout for this spawn; clamped to
	// MinInitTimeout.
	InitTimeout time.Duration
}

// session is the Spawner's private bookkeeping for one live or recently
// exited process, wrapping the public models.Session.
type session struct {
	pub models.Session

	mu sync.Mutex // guards everything below and pub.Status/timestamps

	provider provider.Provider
	stdinW   stdinWriter
	ptmx     ptyHandle
	proc     *processHandle

	firstEvent bool
	initDone   chan struct{} // closed when the first event (init or not) arrives

	exitOnce     sync.Once
	exited       chan struct{} // closed exactly once, when the process is confirmed gone
	suspendWanted bool

	stderrBuf []byte
}

// stdinWriter and ptyHandle are narrow interfaces so tests can substitute
// fakes without spawning real processes.
type stdinWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

type ptyHandle interface {
	Write(p []byte) (int, error)
	Close() error
}

// Spawner creates and supervises subprocesses on behalf of the Session
// Manager.
type Spawner struct {
	mu       sync.RWMutex
	sessions map[string]*session

	registry *provider.Registry
	bus      *eventbus.Bus
	log      *debuglog.Logger

	initTimeout    time.Duration
	terminateGrace time.Duration

	// workspaceRoot is forwarded to spawned agents as ELEMENTAL_ROOT when a
	// spawn's own WorkDir is unset.
	workspaceRoot string

	// extraEnv is appended to every spawned process's environment, in
	// addition to ELEMENTAL_ROOT/ELEMENTAL_SESSION_ID — the mechanism an
	// operator uses to forward provider credentials (e.g. an Anthropic API
	// key) without the Spawner needing to know about any one provider.
	extraEnv []string
}

// Option configures a Spawner at construction time.
type Option func(*Spawner)

// WithInitTimeout overrides DefaultInitTimeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Spawner) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithTerminateGrace overrides DefaultTerminateGrace.
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Spawner) {
		if d > 0 {
			s.terminateGrace = d
		}
	}
}

// WithLogger attaches a debug sink.
func WithLogger(l *debuglog.Logger) Option {
	return func(s *Spawner) {
		if l != nil {
			s.log = l
		}
	}
}

// WithWorkspaceRoot sets the directory forwarded to spawned agents as
// ELEMENTAL_ROOT whenever a spawn's own WorkDir is empty.
func WithWorkspaceRoot(root string) Option {
	return func(s *Spawner) {
		s.workspaceRoot = root
	}
}

// WithExtraEnv appends KEY=VALUE pairs to every spawned process's
// environment, on top of ELEMENTAL_ROOT/ELEMENTAL_SESSION_ID — used to
// forward provider credentials resolved by internal/config.
func WithExtraEnv(kv map[string]string) Option {
	return func(s *Spawner) {
		for k, v := range kv {
			s.extraEnv = append(s.extraEnv, k+"="+v)
		}
	}
}

// processEnv builds the environment for a spawned process: the orchestrator's
// own environment, ELEMENTAL_ROOT (the spawn's WorkDir, falling back to the
// Spawner's configured workspace root), ELEMENTAL_SESSION_ID (so the process
// can self-identify in logs or callbacks), and any operator-configured extra
// variables such as forwarded provider credentials.
func (s *Spawner) processEnv(sess *session, spec SpawnSpec) []string {
	root := spec.WorkDir
	if root == "" {
		root = s.workspaceRoot
	}
	env := append(os.Environ(),
		"ELEMENTAL_ROOT="+root,
		"ELEMENTAL_SESSION_ID="+sess.pub.ID,
	)
	return append(env, s.extraEnv...)
}

// New builds a Spawner. bus receives every parsed event for fan-out to
// subscribers; registry resolves which provider backs each spawn.
func New(registry *provider.Registry, bus *eventbus.Bus, opts ...Option) *Spawner {
	s := &Spawner{
		sessions:       make(map[string]*session),
		registry:       registry,
		bus:            bus,
		log:            debuglog.Nop(),
		initTimeout:    DefaultInitTimeout,
		terminateGrace: DefaultTerminateGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func clampInitTimeout(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		d = fallback
	}
	if d < MinInitTimeout {
		d = MinInitTimeout
	}
	return d
}

// Spawn creates a new session per spec and returns its internal id as soon
// as the subprocess (or PTY) has started; it does not wait for the init
// handshake. The session is Starting until the handshake completes or
// times out, bounded by the init timeout.
func (s *Spawner) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	prov, ok := s.registry.Get(spec.Provider)
	if !ok || !prov.IsAvailable() {
		return "", orcherr.New(orcherr.SpawnFailure, "Spawner.Spawn", fmt.Errorf("provider %q unavailable", spec.Provider))
	}

	id := uuid.NewString()
	now := time.Now()
	sess := &session{
		pub: models.Session{
			ID:        id,
			AgentID:   spec.AgentID,
			Role:      spec.Role,
			WorkerMode: spec.WorkerMode,
			Mode:      spec.Mode,
			Provider:  prov.Name(),
			Status:    models.SessionStarting,
			WorkDir:   spec.WorkDir,
			CreatedAt: now,
		},
		provider: prov,
		initDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	var err error
	switch spec.Mode {
	case models.ModeInteractive:
		err = s.spawnInteractive(ctx, sess, spec, prov)
	default:
		err = s.spawnHeadless(ctx, sess, spec, prov)
	}
	if err != nil {
		s.transition(sess, models.SessionTerminated)
		s.log.Log("spawner: spawn failed session=%s agent=%s: %v", id, spec.AgentID, err)
		return "", orcherr.New(orcherr.SpawnFailure, "Spawner.Spawn", err)
	}
	return id, nil
}

// Get returns a snapshot of the session's public fields.
func (s *Spawner) Get(sessionID string) (models.Session, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pub, nil
}

func (s *Spawner) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, "Spawner", fmt.Errorf("session %q not found", sessionID))
	}
	return sess, nil
}

// ListActive returns every session not yet terminated.
func (s *Spawner) ListActive() []models.Session {
	return s.list(func(st models.SessionStatus) bool { return st != models.SessionTerminated })
}

// ListAll returns every known session, including terminated ones.
func (s *Spawner) ListAll() []models.Session {
	return s.list(func(models.SessionStatus) bool { return true })
}

func (s *Spawner) list(keep func(models.SessionStatus) bool) []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if keep(sess.pub.Status) {
			out = append(out, sess.pub)
		}
		sess.mu.Unlock()
	}
	return out
}

// ListByAgent returns every session (active or not) bound to agentID.
func (s *Spawner) ListByAgent(agentID string) []models.Session {
	all := s.ListAll()
	out := make([]models.Session, 0, len(all))
	for _, sess := range all {
		if sess.AgentID == agentID {
			out = append(out, sess)
		}
	}
	return out
}

// MostRecentForAgent returns the most recently created session for agentID,
// or false if none exists.
func (s *Spawner) MostRecentForAgent(agentID string) (models.Session, bool) {
	byAgent := s.ListByAgent(agentID)
	if len(byAgent) == 0 {
		return models.Session{}, false
	}
	sort.Slice(byAgent, func(i, j int) bool { return byAgent[i].CreatedAt.After(byAgent[j].CreatedAt) })
	return byAgent[0], true
}

// Package session implements the Session Manager: logical session identity
// layered on top of the Spawner, with resume-by-upstream-id, start/stop/
// send queueing, per-session event streaming, and history tracking keyed
// by (agent, role) — in the same registry-plus-pool shape the teacher uses
// for its OrchestratorPool, but over spawner sessions instead of
// orchestrator runs.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/readyqueue"
	"github.com/elemental-run/agentcore/internal/spawner"
	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

const sendPollInterval = 25 * time.Millisecond

// HistoryEntry records one Start/Resume lifetime for a (agent, role) pair.
type HistoryEntry struct {
	SessionID  string
	UpstreamID string
	Role       models.AgentRole
	StartedAt  time.Time
	EndedAt    *time.Time
}

// StartOptions configures a Start call.
type StartOptions struct {
	WorkerMode    models.WorkerMode
	Mode          models.SessionMode
	Provider      string
	WorkDir       string // overrides agent-metadata-resolved work dir when set
	InitialPrompt string
	Model         string
}

// ResumeOptions configures a Resume call.
type ResumeOptions struct {
	StartOptions

	// FallBackToStart starts a fresh session if no resumable prior session
	// is found, instead of returning an error.
	FallBackToStart bool

	// RefuseIfNoAnchoredWork, when true and role is RoleWorker, consults
	// the ready-queue check before resuming and refuses (returns an error)
	// if no work is anchored to this agent. Requires a store.
	RefuseIfNoAnchoredWork bool
}

// Manager owns logical session identity atop a Spawner.
type Manager struct {
	sp  *spawner.Spawner
	bus *eventbus.Bus
	st  store.Store // optional; nil disables work-dir resolution and rehydration
	log *debuglog.Logger

	mu      sync.RWMutex
	history map[string][]HistoryEntry // key: historyKey(agentID, role)

	pendingMu sync.Mutex
	pending   map[string][]string // sessionID -> buffered texts, while starting
	watching  map[string]bool     // sessionID -> a flush watcher is already running
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithStore attaches a task store for work-dir resolution, the ready-queue
// refusal policy on Resume, and cross-restart history rehydration.
func WithStore(st store.Store) Option {
	return func(m *Manager) { m.st = st }
}

// WithLogger overrides the manager's debug sink.
func WithLogger(l *debuglog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New builds a Manager over an existing Spawner and Event Bus.
func New(sp *spawner.Spawner, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		sp:       sp,
		bus:      bus,
		log:      debuglog.Nop(),
		history:  make(map[string][]HistoryEntry),
		pending:  make(map[string][]string),
		watching: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func historyKey(agentID string, role models.AgentRole) string {
	return agentID + "/" + string(role)
}

// Start spawns a fresh session for (agentID, role) and records a history
// entry for it.
func (m *Manager) Start(ctx context.Context, agentID string, role models.AgentRole, opts StartOptions) (string, error) {
	workDir, err := m.resolveWorkDir(ctx, agentID, opts.WorkDir)
	if err != nil {
		return "", err
	}

	spec := spawner.SpawnSpec{
		AgentID:       agentID,
		Role:          role,
		WorkerMode:    opts.WorkerMode,
		Mode:          opts.Mode,
		Provider:      opts.Provider,
		WorkDir:       workDir,
		InitialPrompt: opts.InitialPrompt,
		Model:         opts.Model,
	}
	sessionID, err := m.sp.Spawn(ctx, spec)
	if err != nil {
		return "", err
	}

	m.recordHistory(agentID, role, sessionID)
	m.syncAgentSession(ctx, agentID, sessionID)
	go m.watchUpstreamID(agentID, sessionID)
	return sessionID, nil
}

// Resume finds the most recent resumable prior session for (agentID, role)
// and resumes it through the Spawner's resume path (carrying its upstream
// id forward). A resumed session is always a new Spawner session: the
// prior one stays a terminal historical entry.
func (m *Manager) Resume(ctx context.Context, agentID string, role models.AgentRole, opts ResumeOptions) (string, error) {
	if opts.RefuseIfNoAnchoredWork && role == models.RoleWorker {
		if m.st == nil {
			return "", orcherr.New(orcherr.InvalidState, "Manager.Resume", fmt.Errorf("ready-queue refusal policy requires a store"))
		}
		res, err := readyqueue.CheckReadyQueue(ctx, m.st, agentID, readyqueue.Options{})
		if err != nil {
			return "", err
		}
		if !res.Found {
			return "", orcherr.New(orcherr.InvalidState, "Manager.Resume", fmt.Errorf("agent %s has no anchored work, refusing resume", agentID))
		}
	}

	prior, ok := m.findResumable(agentID, role)
	if !ok {
		if opts.FallBackToStart {
			return m.Start(ctx, agentID, role, opts.StartOptions)
		}
		return "", orcherr.New(orcherr.NotFound, "Manager.Resume", fmt.Errorf("no resumable session for agent %s role %s", agentID, role))
	}

	workDir, err := m.resolveWorkDir(ctx, agentID, opts.WorkDir)
	if err != nil {
		return "", err
	}

	spec := spawner.SpawnSpec{
		AgentID:    agentID,
		Role:       role,
		WorkerMode: opts.WorkerMode,
		Mode:       opts.Mode,
		Provider:   opts.Provider,
		WorkDir:    workDir,
		Model:      opts.Model,
		ResumeID:   prior.UpstreamID,
	}
	sessionID, err := m.sp.Spawn(ctx, spec)
	if err != nil {
		return "", err
	}

	m.recordHistory(agentID, role, sessionID)
	m.syncAgentSession(ctx, agentID, sessionID)
	go m.watchUpstreamID(agentID, sessionID)
	return sessionID, nil
}

// Stop delegates to the Spawner's Terminate and closes out the history
// entry for this session.
func (m *Manager) Stop(ctx context.Context, sessionID string, graceful bool) error {
	if err := m.sp.Terminate(sessionID, graceful); err != nil {
		return err
	}
	m.closeHistory(sessionID)
	if sess, err := m.sp.Get(sessionID); err == nil && m.st != nil {
		update := store.AgentSessionUpdate{
			Status:   sess.Status,
			LastSeen: time.Now(),
		}
		if sess.UpstreamID != "" {
			update.UpstreamID = &sess.UpstreamID
		}
		if err := m.st.UpdateAgentSession(ctx, sess.AgentID, update); err != nil {
			m.log.Log("session: failed to sync agent %s session to store after stop: %v", sess.AgentID, err)
		}
	}
	return nil
}

// Send delegates to the Spawner's input path. While the session is still
// starting, the text is buffered and flushed once the session reaches
// running; if the session never reaches running, all buffered sends fail
// with a descriptive error reported as a synthetic error event on the
// session's stream.
func (m *Manager) Send(ctx context.Context, sessionID, text string) error {
	sess, err := m.sp.Get(sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case models.SessionRunning:
		return m.sendNow(sessionID, sess.Mode, text)
	case models.SessionStarting:
		m.bufferSend(sessionID, text)
		return nil
	default:
		return orcherr.New(orcherr.InvalidState, "Manager.Send", fmt.Errorf("session %s is %s, not accepting input", sessionID, sess.Status))
	}
}

func (m *Manager) sendNow(sessionID string, mode models.SessionMode, text string) error {
	if mode == models.ModeInteractive {
		return m.sp.WritePTY(sessionID, []byte(text+"\n"))
	}
	return m.sp.SendInput(sessionID, text)
}

func (m *Manager) bufferSend(sessionID, text string) {
	m.pendingMu.Lock()
	m.pending[sessionID] = append(m.pending[sessionID], text)
	alreadyWatching := m.watching[sessionID]
	m.watching[sessionID] = true
	m.pendingMu.Unlock()

	if !alreadyWatching {
		go m.flushWhenReady(sessionID)
	}
}

func (m *Manager) flushWhenReady(sessionID string) {
	defer func() {
		m.pendingMu.Lock()
		delete(m.watching, sessionID)
		m.pendingMu.Unlock()
	}()

	for {
		sess, err := m.sp.Get(sessionID)
		if err != nil {
			m.failPending(sessionID, fmt.Errorf("session %s disappeared before starting: %w", sessionID, err))
			return
		}
		switch sess.Status {
		case models.SessionStarting:
			time.Sleep(sendPollInterval)
			continue
		case models.SessionRunning:
			m.drainPending(sessionID, sess.Mode)
			return
		default:
			m.failPending(sessionID, fmt.Errorf("session %s never reached running (ended in %s)", sessionID, sess.Status))
			return
		}
	}
}

func (m *Manager) drainPending(sessionID string, mode models.SessionMode) {
	m.pendingMu.Lock()
	texts := m.pending[sessionID]
	delete(m.pending, sessionID)
	m.pendingMu.Unlock()

	for _, text := range texts {
		if err := m.sendNow(sessionID, mode, text); err != nil {
			m.log.Log("session: flushed send to %s failed: %v", sessionID, err)
			m.bus.Publish(sessionID, models.SessionEvent{
				Kind:        models.EventError,
				SessionID:   sessionID,
				ErrorReason: "queued_send_failed",
				At:          time.Now(),
			})
		}
	}
}

func (m *Manager) failPending(sessionID string, cause error) {
	m.pendingMu.Lock()
	n := len(m.pending[sessionID])
	delete(m.pending, sessionID)
	m.pendingMu.Unlock()
	if n == 0 {
		return
	}
	m.log.Log("session: %d queued send(s) to %s failed: %v", n, sessionID, cause)
	m.bus.Publish(sessionID, models.SessionEvent{
		Kind:        models.EventError,
		SessionID:   sessionID,
		ErrorReason: "queued_send_never_started",
		Text:        cause.Error(),
		At:          time.Now(),
	})
}

// Stream returns an Event Bus subscription for this session's events.
func (m *Manager) Stream(sessionID string) *eventbus.Subscription {
	return m.bus.Subscribe(sessionID)
}

// Get mirrors the Spawner's Get.
func (m *Manager) Get(sessionID string) (models.Session, error) {
	return m.sp.Get(sessionID)
}

// List mirrors the Spawner's ListAll.
func (m *Manager) List() []models.Session {
	return m.sp.ListAll()
}

// MostRecentActive returns the newest non-terminated session bound to
// agentID, used by callers (e.g. the HTTP API) that address an agent
// rather than a session id directly.
func (m *Manager) MostRecentActive(agentID string) (models.Session, bool) {
	var best models.Session
	found := false
	for _, sess := range m.sp.ListByAgent(agentID) {
		if !sess.Active() {
			continue
		}
		if !found || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
			found = true
		}
	}
	return best, found
}

// History returns the recorded Start/Resume lifetimes for (agentID, role),
// oldest first.
func (m *Manager) History(agentID string, role models.AgentRole) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[historyKey(agentID, role)]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func (m *Manager) recordHistory(agentID string, role models.AgentRole, sessionID string) {
	upstream := ""
	if sess, err := m.sp.Get(sessionID); err == nil {
		upstream = sess.UpstreamID
	}
	m.mu.Lock()
	key := historyKey(agentID, role)
	m.history[key] = append(m.history[key], HistoryEntry{
		SessionID:  sessionID,
		UpstreamID: upstream,
		Role:       role,
		StartedAt:  time.Now(),
	})
	m.mu.Unlock()
}

func (m *Manager) closeHistory(sessionID string) {
	sess, err := m.sp.Get(sessionID)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entries := range m.history {
		for i := range entries {
			if entries[i].SessionID != sessionID {
				continue
			}
			entries[i].EndedAt = &now
			if err == nil && sess.UpstreamID != "" {
				entries[i].UpstreamID = sess.UpstreamID
			}
			m.history[key] = entries
			return
		}
	}
}

// findResumable returns the most recent history entry for (agentID, role)
// whose upstream id is known and whose session is no longer running,
// checking the Spawner's live view first and falling back to the recorded
// history (which is only present across a restart if rehydrated).
func (m *Manager) findResumable(agentID string, role models.AgentRole) (HistoryEntry, bool) {
	m.mu.RLock()
	entries := append([]HistoryEntry(nil), m.history[historyKey(agentID, role)]...)
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.After(entries[j].StartedAt) })

	for _, entry := range entries {
		sess, err := m.sp.Get(entry.SessionID)
		if err != nil {
			// No longer tracked by the spawner (e.g. after a restart); the
			// fact that it is in history at all means it is historical.
			if entry.UpstreamID != "" {
				return entry, true
			}
			continue
		}
		upstream := sess.UpstreamID
		if upstream == "" {
			upstream = entry.UpstreamID
		}
		if upstream == "" {
			continue
		}
		if sess.Status == models.SessionSuspended || sess.Status == models.SessionTerminated {
			entry.UpstreamID = upstream
			return entry, true
		}
	}
	return HistoryEntry{}, false
}

func (m *Manager) resolveWorkDir(ctx context.Context, agentID, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if m.st == nil {
		return "", nil
	}
	agent, err := m.st.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.OrchestratorMeta.WorkDir, nil
}

// watchUpstreamID waits for the session's init event to reveal its upstream
// id and, once it does, writes it into the in-memory history entry and
// persists it to the store — without this, a live run never records the
// upstream id anywhere a process restart could read it back from, and
// RehydrateFromStore would have nothing to rehydrate. Returns once the
// upstream id is found, the session ends, or its stream errors.
func (m *Manager) watchUpstreamID(agentID, sessionID string) {
	sub := m.bus.Subscribe(sessionID)
	defer sub.Close()
	for ev := range sub.Events() {
		if ev.UpstreamID == "" {
			if ev.IsTerminal() || ev.Kind == models.EventError {
				return
			}
			continue
		}

		m.mu.Lock()
		for key, entries := range m.history {
			for i := range entries {
				if entries[i].SessionID == sessionID {
					entries[i].UpstreamID = ev.UpstreamID
					m.history[key] = entries
				}
			}
		}
		m.mu.Unlock()

		if m.st != nil {
			upstream := ev.UpstreamID
			if err := m.st.UpdateAgentSession(context.Background(), agentID, store.AgentSessionUpdate{
				UpstreamID: &upstream,
				Status:     models.SessionRunning,
				LastSeen:   time.Now(),
			}); err != nil {
				m.log.Log("session: failed to persist upstream id for agent %s: %v", agentID, err)
			}
		}
		return
	}
}

func (m *Manager) syncAgentSession(ctx context.Context, agentID, sessionID string) {
	if m.st == nil {
		return
	}
	sid := sessionID
	if err := m.st.UpdateAgentSession(ctx, agentID, store.AgentSessionUpdate{
		SessionID: &sid,
		Status:    models.SessionStarting,
		LastSeen:  time.Now(),
	}); err != nil {
		m.log.Log("session: failed to sync agent %s session to store: %v", agentID, err)
	}
}

// RehydrateFromStore seeds history with the last known upstream id for
// every agent the store knows about, so Resume keeps working across a
// process restart even though the in-memory Spawner state is gone. Only
// agents with a non-empty recorded upstream id produce an entry.
func (m *Manager) RehydrateFromStore(ctx context.Context, agentIDs []string) error {
	if m.st == nil {
		return nil
	}
	for _, id := range agentIDs {
		agent, err := m.st.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		meta := agent.OrchestratorMeta
		if meta.UpstreamID == "" {
			continue
		}
		m.mu.Lock()
		key := historyKey(id, meta.Role)
		m.history[key] = append(m.history[key], HistoryEntry{
			SessionID:  meta.SessionID,
			UpstreamID: meta.UpstreamID,
			Role:       meta.Role,
			EndedAt:    &time.Time{},
		})
		m.mu.Unlock()
	}
	return nil
}

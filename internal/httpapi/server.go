// Package httpapi adapts the orchestration core to external HTTP, SSE and
// WebSocket consumers, the way the teacher's webui package bridges its
// ReactAgent and Session Manager to a browser — but fronting the Session
// Manager, Dispatch Daemon and task store of this core instead.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/internal/dispatch"
	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/session"
	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

// Channel names the aggregated feed relays, per the External API.
const (
	ChannelSessions = "sessions"
	ChannelMessages = "messages"
	ChannelTasks    = "tasks"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	wsWriteWait          = 10 * time.Second
	wsPongWait           = 60 * time.Second
	wsPingPeriod         = (wsPongWait * 9) / 10
)

// Config configures the HTTP engine.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig mirrors the teacher's DefaultServerConfig defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server fronts the Session Manager, Dispatch Daemon and task store with an
// HTTP+SSE+WebSocket surface.
type Server struct {
	sessions   *session.Manager
	dispatcher *dispatch.Daemon
	st         store.Store

	// channels is a second Event Bus instance, keyed by channel name
	// ("sessions", "messages", "tasks") instead of session id, reused for
	// the aggregated cross-session feed so it inherits the same
	// slow-consumer eviction the per-session streams get.
	channels *eventbus.Bus

	engine     *gin.Engine
	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	log       *debuglog.Logger
	host      string
	port      int
	startTime time.Time

	wg sync.WaitGroup
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger attaches a debug sink.
func WithLogger(l *debuglog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Server. channels may be a fresh eventbus.New() dedicated to
// the aggregated feed; it must not be the same Bus instance the Session
// Manager publishes per-session events to, since channel names and session
// ids share no namespace.
func New(sessions *session.Manager, dispatcher *dispatch.Daemon, st store.Store, channels *eventbus.Bus, cfg Config, opts ...Option) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsCfg.AllowWebSockets = true
		engine.Use(cors.New(corsCfg))
	}

	s := &Server{
		sessions:   sessions,
		dispatcher: dispatcher,
		st:         st,
		channels:   channels,
		engine:     engine,
		log:        debuglog.Nop(),
		host:       cfg.Host,
		port:       cfg.Port,
		startTime:  time.Now(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // streaming endpoints must not be write-timeout-bounded
	}
	s.setupRoutes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for tests using httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	agents := s.engine.Group("/agents")
	agents.GET("", s.handleListSessions)
	agents.POST("/:id/start", s.handleStart)
	agents.POST("/:id/stop", s.handleStop)
	agents.POST("/:id/message", s.handleMessage)
	agents.GET("/:id/stream", s.handleAgentStream)

	api := s.engine.Group("/api")
	api.GET("/events/stream", s.handleAggregateStream)

	s.engine.POST("/dispatch/poll-now", s.handlePollNow)
	s.engine.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server; blocks until Stop is called or the listener
// fails for a reason other than a graceful shutdown.
func (s *Server) Start() error {
	s.log.Log("httpapi: listening on %s:%d", s.host, s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: listen failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to 10s for
// in-flight requests (including open streams) to drain.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown failed: %w", err)
	}
	s.wg.Wait()
	return nil
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}})
}

// handleListSessions backs the Operator CLI's "agent list" — the only
// read path over session state the External API needs beyond the
// per-agent stream, so it lives ungrouped under /agents rather than as
// its own spec section.
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: s.sessions.List()})
}

func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch orcherr.Of(err) {
	case orcherr.NotFound:
		status = http.StatusNotFound
	case orcherr.InvalidState, orcherr.InvalidTransition:
		status = http.StatusConflict
	case orcherr.Conflict:
		status = http.StatusConflict
	case orcherr.Timeout:
		status = http.StatusGatewayTimeout
	case orcherr.SpawnFailure, orcherr.ParseFailure:
		status = http.StatusBadRequest
	case orcherr.ResourceExhausted:
		status = http.StatusTooManyRequests
	case orcherr.UpstreamUnavailable:
		status = http.StatusBadGateway
	}
	c.JSON(status, apiResponse{Success: false, Error: err.Error()})
}

type startRequest struct {
	Role          models.AgentRole   `json:"role,omitempty"`
	WorkerMode    models.WorkerMode  `json:"worker_mode,omitempty"`
	Mode          models.SessionMode `json:"mode,omitempty"`
	Provider      string             `json:"provider,omitempty"`
	WorkDir       string             `json:"work_dir,omitempty"`
	Model         string             `json:"model,omitempty"`
	InitialPrompt string             `json:"initial_prompt,omitempty"`
	Resume        bool               `json:"resume,omitempty"`
}

func (r startRequest) startOptions() session.StartOptions {
	mode := r.Mode
	if mode == "" {
		mode = models.ModeHeadless
	}
	return session.StartOptions{
		WorkerMode:    r.WorkerMode,
		Mode:          mode,
		Provider:      r.Provider,
		WorkDir:       r.WorkDir,
		InitialPrompt: r.InitialPrompt,
		Model:         r.Model,
	}
}

func (s *Server) handleStart(c *gin.Context) {
	agentID := c.Param("id")
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, orcherr.New(orcherr.ParseFailure, "httpapi.handleStart", err))
			return
		}
	}
	role := req.Role
	if role == "" {
		role = models.RoleWorker
	}

	var sessionID string
	var err error
	if req.Resume {
		sessionID, err = s.sessions.Resume(c.Request.Context(), agentID, role, session.ResumeOptions{
			StartOptions:    req.startOptions(),
			FallBackToStart: true,
		})
	} else {
		sessionID, err = s.sessions.Start(c.Request.Context(), agentID, role, req.startOptions())
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	s.publishChannel(ChannelSessions, models.SessionEvent{
		Kind:      models.EventSystem,
		Subtype:   "started",
		SessionID: sessionID,
		At:        time.Now(),
	})
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{"session_id": sessionID}})
}

type stopRequest struct {
	Graceful bool `json:"graceful,omitempty"`
}

func (s *Server) handleStop(c *gin.Context) {
	agentID := c.Param("id")
	var req stopRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, orcherr.New(orcherr.ParseFailure, "httpapi.handleStop", err))
			return
		}
	}

	sess, ok := s.sessions.MostRecentActive(agentID)
	if !ok {
		respondErr(c, orcherr.New(orcherr.NotFound, "httpapi.handleStop", fmt.Errorf("no active session for agent %s", agentID)))
		return
	}
	if err := s.sessions.Stop(c.Request.Context(), sess.ID, req.Graceful); err != nil {
		respondErr(c, err)
		return
	}

	s.publishChannel(ChannelSessions, models.SessionEvent{
		Kind:      models.EventSystem,
		Subtype:   "stopped",
		SessionID: sess.ID,
		At:        time.Now(),
	})
	c.JSON(http.StatusOK, apiResponse{Success: true})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessage(c *gin.Context) {
	agentID := c.Param("id")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, orcherr.New(orcherr.ParseFailure, "httpapi.handleMessage", err))
		return
	}

	sess, ok := s.sessions.MostRecentActive(agentID)
	if !ok {
		respondErr(c, orcherr.New(orcherr.NotFound, "httpapi.handleMessage", fmt.Errorf("no active session for agent %s", agentID)))
		return
	}
	if err := s.sessions.Send(c.Request.Context(), sess.ID, req.Content); err != nil {
		respondErr(c, err)
		return
	}

	s.publishChannel(ChannelMessages, models.SessionEvent{
		Kind:      models.EventUser,
		SessionID: sess.ID,
		Text:      req.Content,
		At:        time.Now(),
	})
	c.JSON(http.StatusOK, apiResponse{Success: true})
}

func (s *Server) handlePollNow(c *gin.Context) {
	if s.dispatcher == nil {
		respondErr(c, orcherr.New(orcherr.InvalidState, "httpapi.handlePollNow", fmt.Errorf("no dispatch daemon wired")))
		return
	}
	s.dispatcher.PollNow()
	s.publishChannel(ChannelTasks, models.SessionEvent{
		Kind:    models.EventSystem,
		Subtype: "poll_now",
		At:      time.Now(),
	})
	c.JSON(http.StatusOK, apiResponse{Success: true})
}

// publishChannel is a best-effort notification to the aggregated feed; it
// is a no-op if no channel bus was wired.
func (s *Server) publishChannel(channel string, ev models.SessionEvent) {
	if s.channels == nil {
		return
	}
	s.channels.Publish(channel, ev)
}

// handleAgentStream serves GET /agents/:id/stream as SSE: one text record
// per session event, plus a periodic comment-heartbeat to keep the
// connection open across idle stretches.
func (s *Server) handleAgentStream(c *gin.Context) {
	sess, ok := s.sessions.MostRecentActive(c.Param("id"))
	if !ok {
		respondErr(c, orcherr.New(orcherr.NotFound, "httpapi.handleAgentStream", fmt.Errorf("no active session for agent %s", c.Param("id"))))
		return
	}
	sub := s.sessions.Stream(sess.ID)
	defer sub.Close()
	streamSSE(c, sub.Events())
}

// handleAggregateStream serves GET /api/events/stream?channels=tasks,sessions
// as a merged SSE feed across the requested channel names.
func (s *Server) handleAggregateStream(c *gin.Context) {
	raw := c.Query("channels")
	if raw == "" {
		respondErr(c, orcherr.New(orcherr.ParseFailure, "httpapi.handleAggregateStream", fmt.Errorf("channels query parameter is required")))
		return
	}
	names := splitChannels(raw)
	merged, closeAll := s.mergeChannels(names)
	defer closeAll()
	streamSSE(c, merged)
}

func splitChannels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mergeChannels subscribes to each named channel on the aggregated bus and
// fans every event into one returned channel. The returned cleanup func
// unsubscribes every underlying subscription.
func (s *Server) mergeChannels(names []string) (<-chan models.SessionEvent, func()) {
	out := make(chan models.SessionEvent, eventbus.DefaultBufferSize)
	subs := make([]*eventbus.Subscription, 0, len(names))
	var wg sync.WaitGroup

	for _, name := range names {
		sub := s.channels.Subscribe(name)
		subs = append(subs, sub)
		wg.Add(1)
		go func(sub *eventbus.Subscription) {
			defer wg.Done()
			for ev := range sub.Events() {
				out <- ev
			}
		}(sub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(out)
		close(done)
	}()

	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
		<-done
	}
	return out, closeAll
}

// streamSSE writes headers, flushes them, then relays events as
// "event: <type>\ndata: <json>\n\n" records until the client disconnects or
// events closes.
func streamSSE(c *gin.Context, events <-chan models.SessionEvent) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErr(c, orcherr.New(orcherr.InvalidState, "httpapi.streamSSE", fmt.Errorf("streaming unsupported by response writer")))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev models.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	return err
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/internal/provider"
	"github.com/elemental-run/agentcore/internal/session"
	"github.com/elemental-run/agentcore/internal/spawner"
)

// shellProvider mirrors the fixture used by the session package's own
// tests: a real /bin/sh backing the Spawner so Start/Send exercise the
// actual plumbing without a real agent CLI installed.
type shellProvider struct {
	name        string
	headlessSrc string
}

func (p *shellProvider) Name() string      { return p.name }
func (p *shellProvider) IsAvailable() bool { return true }
func (p *shellProvider) BuildHeadlessArgs(provider.HeadlessOptions) (string, []string) {
	return "/bin/sh", []string{"-c", p.headlessSrc}
}
func (p *shellProvider) BuildInteractiveCommand(provider.InteractiveOptions) (string, []string) {
	return "/bin/sh", []string{"-c", p.headlessSrc}
}
func (p *shellProvider) ParseInitEvent(raw []byte) (string, bool) {
	var v struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	if v.Type != "system" || v.Subtype != "init" || v.SessionID == "" {
		return "", false
	}
	return v.SessionID, true
}

// blockingScript acknowledges the handshake, then keeps emitting a tick
// event every 100ms (so SSE/WebSocket relay tests have a steady stream to
// observe instead of racing a one-shot event) while still accepting stdin.
const blockingScript = `read line
echo '{"type":"system","subtype":"init","session_id":"u-http-1"}'
( while true; do sleep 0.1; echo '{"type":"assistant","message":"tick"}'; done ) &
while read l; do :; done
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	bus := eventbus.New()
	reg := provider.NewRegistry(&shellProvider{name: "fake", headlessSrc: blockingScript})
	sp := spawner.New(reg, bus)
	mgr := session.New(sp, bus)
	channels := eventbus.New()

	cfg := DefaultConfig()
	cfg.Debug = true
	srv := New(mgr, nil, nil, channels, cfg)
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_StartStopMessage_Lifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	startBody := `{"role":"worker","mode":"headless","provider":"fake"}`
	resp, err := http.Post(ts.URL+"/agents/agent-1/start", "application/json", strings.NewReader(startBody))
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	var startOut apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&startOut); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	resp.Body.Close()
	if !startOut.Success {
		t.Fatalf("start failed: %v", startOut.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, _ := http.Post(ts.URL+"/agents/agent-1/message", "application/json", strings.NewReader(`{"content":"hi"}`))
		var out apiResponse
		json.NewDecoder(r.Body).Decode(&out)
		r.Body.Close()
		if out.Success {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopResp, err := http.Post(ts.URL+"/agents/agent-1/stop", "application/json", strings.NewReader(`{"graceful":false}`))
	if err != nil {
		t.Fatalf("stop request failed: %v", err)
	}
	var stopOut apiResponse
	json.NewDecoder(stopResp.Body).Decode(&stopOut)
	stopResp.Body.Close()
	if !stopOut.Success {
		t.Fatalf("stop failed: %v", stopOut.Error)
	}
}

func TestServer_Stop_NoActiveSession(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/agents/ghost/stop", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("stop request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_AggregateStream_RequiresChannels(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/events/stream")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_AgentStream_SSE(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/agents/agent-sse/start", "application/json", strings.NewReader(`{"provider":"fake"}`))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	var startOut apiResponse
	json.NewDecoder(resp.Body).Decode(&startOut)
	resp.Body.Close()
	if !startOut.Success {
		t.Fatalf("start not successful: %+v", startOut)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/agents/agent-sse/stream", nil)
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(streamResp.Body)
	found := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event:") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected at least one relayed SSE record from the ticking subprocess before deadline")
	}
	_ = srv
}

func TestServer_WebSocket_SubscribeAndReceiveSessionEvent(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsInbound{Type: "subscribe", Channels: []string{"sessions"}}); err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}
	// Give the server's read pump time to register the subscription before
	// the event-producing request below races it.
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/agents/agent-ws/start", "application/json", strings.NewReader(`{"provider":"fake"}`))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var out wsOutbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("expected a relayed session event: %v", err)
	}
	if out.Channel != "sessions" || out.Type != "event" {
		t.Fatalf("got %+v, want channel=sessions type=event", out)
	}
}

func TestServer_ListSessions(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/agents/agent-list/start", "application/json", strings.NewReader(`{"provider":"fake"}`))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	defer listResp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(listResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if !out.Success {
		t.Fatalf("list not successful: %+v", out)
	}
}

func TestServer_PollNow_NoDaemonWired(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/dispatch/poll-now", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("poll-now failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected failure with no daemon wired, got 200")
	}
}

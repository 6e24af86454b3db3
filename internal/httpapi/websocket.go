package httpapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/pkg/models"
)

// wsInbound is the shape of every client-sent control message. Only
// "subscribe" is currently recognized; unknown types are ignored rather
// than closing the connection, so future message types can be added
// without breaking older clients.
type wsInbound struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// wsOutbound is the shape of every server-sent message.
type wsOutbound struct {
	Type    string              `json:"type"`
	Channel string              `json:"channel,omitempty"`
	Payload models.SessionEvent `json:"payload,omitempty"`
}

// wsConn serializes writes to one client connection (gorilla's Conn is not
// safe for concurrent writers) and tracks the channel subscriptions a
// single client has active.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*eventbus.Subscription
	subWG sync.WaitGroup
}

func (s *Server) handleWebSocket(c *gin.Context) {
	raw, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Log("httpapi: websocket upgrade failed: %v", err)
		return
	}

	wc := &wsConn{conn: raw, subs: make(map[string]*eventbus.Subscription)}

	out := make(chan wsOutbound, eventbus.DefaultBufferSize)

	var writeWG sync.WaitGroup
	writeWG.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer writeWG.Done()
		wc.writePump(out)
	}()

	wc.readPump(s, out)

	// Close every subscription and join its goroutine before closing out:
	// a goroutine still ranging over a subscription's channel may be
	// blocked trying to send to out, and closing out from under a blocked
	// sender panics. Once subWG is done, nothing can send to out again,
	// so it's safe to close.
	wc.closeSubs()
	wc.subWG.Wait()
	close(out)

	// writePump exits once it observes out closed; join it before closing
	// the connection so its final close-frame write has somewhere to go.
	writeWG.Wait()
	wc.conn.Close()
}

// readPump blocks on incoming control messages and maintains pong
// deadlines; it returns when the connection closes or errors.
func (wc *wsConn) readPump(s *Server, out chan<- wsOutbound) {
	wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			wc.subscribe(s, msg.Channels, out)
		}
	}
}

func (wc *wsConn) subscribe(s *Server, channels []string, out chan<- wsOutbound) {
	wc.subMu.Lock()
	defer wc.subMu.Unlock()
	for _, name := range channels {
		if _, already := wc.subs[name]; already {
			continue
		}
		sub := s.channels.Subscribe(name)
		wc.subs[name] = sub
		wc.subWG.Add(1)
		go func(channel string, sub *eventbus.Subscription) {
			defer wc.subWG.Done()
			for ev := range sub.Events() {
				out <- wsOutbound{Type: "event", Channel: channel, Payload: ev}
			}
		}(name, sub)
	}
}

// closeSubs closes every live subscription, which closes each
// subscription's channel and unblocks its range-reading goroutine; it does
// not wait for those goroutines to exit (see subWG for that).
func (wc *wsConn) closeSubs() {
	wc.subMu.Lock()
	defer wc.subMu.Unlock()
	for _, sub := range wc.subs {
		sub.Close()
	}
}

// writePump owns the connection's write side: it relays queued outbound
// messages and drives the ping heartbeat, and returns if a write
// (including a ping) ever fails. It does not close the socket itself:
// handleWebSocket does that once readPump returns, which a missed pong
// eventually causes through ReadMessage's deadline error.
func (wc *wsConn) writePump(out <-chan wsOutbound) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				wc.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := wc.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := wc.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wc *wsConn) writeJSON(v any) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wc.conn.WriteJSON(v)
}

func (wc *wsConn) writeControl(kind int, data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wc.conn.WriteMessage(kind, data)
}

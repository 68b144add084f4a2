// Package streammux implements the spec §4.7 Stream Multiplexer: one
// WebSocket per authenticated client, fanning a user's sessions over a
// single socket instead of one connection per session. It replaces the
// teacher's per-request SSE handlers (internal/server/sse.go) for any
// client that needs to both watch and drive a session.
package streammux

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/controlplane/internal/logging"
	"github.com/agentrelay/controlplane/internal/session"
)

// Level is a subscription's fidelity: "full" receives every event and may
// drive the session; "notifications" receives only the always-on subset.
type Level string

const (
	LevelFull          Level = "full"
	LevelNotifications Level = "notifications"
)

// notificationTypes is the event subset forwarded to a notifications-level
// subscription (spec §4.7 event tagging).
var notificationTypes = map[string]bool{
	"agent_start":         true,
	"agent_end":           true,
	"permission_request":  true,
	"permission_resolved": true,
	"state":               true,
	"session_ended":       true,
	"error":                true,
}

// commandTypes requires a full subscription to the target session.
var commandTypes = map[string]bool{
	"prompt": true, "steer": true, "follow_up": true, "stop": true,
}

const (
	writeQueueDepth = 64
	pingInterval    = 25 * time.Second
	pongTimeout     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication happens in the HTTP handler chain before Upgrade is
	// called; this just accepts the handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub upgrades incoming connections to managed sockets bound to a
// session.Manager.
type Hub struct {
	manager *session.Manager
}

// NewHub constructs a Hub over manager.
func NewHub(manager *session.Manager) *Hub {
	return &Hub{manager: manager}
}

// ServeHTTP upgrades the request to a WebSocket and runs the socket's
// lifecycle until the client disconnects. Authentication/rate limiting is
// expected to run upstream, in the auth middleware.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("streammux: websocket upgrade failed")
		return
	}

	sock := newSocket(conn, h.manager)
	sock.run()
}

// clientMessage is the envelope for every inbound message (spec §4.7).
type clientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Level     Level           `json:"level,omitempty"`
	SinceSeq  *int64          `json:"sinceSeq,omitempty"`
	Text      string          `json:"text,omitempty"`
	Images    []string        `json:"images,omitempty"`
	ID        string          `json:"id,omitempty"`     // permission/extension response correlation
	Action    string          `json:"action,omitempty"` // permission_response action
	Scope     string          `json:"scope,omitempty"`
	TTLMs     int64           `json:"ttlMs,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Command   string          `json:"command,omitempty"`
	Args      map[string]any  `json:"args,omitempty"`
}

// outboundMessage is any JSON-serializable server->client frame.
type outboundMessage = any

// sessionSub tracks one socket's subscription to one session.
type sessionSub struct {
	level    Level
	unsub    func()
	sessID   string
}

// socket owns one client connection: a single-threaded reader plus a
// queued, non-blocking writer goroutine (spec §4.7, §5 ordering guarantees).
type socket struct {
	conn    *websocket.Conn
	manager *session.Manager

	send chan outboundMessage

	mu      sync.Mutex
	subs    map[string]*sessionSub // sessionID -> subscription
	fullSub string                 // sessionID currently holding the one full subscription, or ""

	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(conn *websocket.Conn, manager *session.Manager) *socket {
	return &socket{
		conn:    conn,
		manager: manager,
		send:    make(chan outboundMessage, writeQueueDepth),
		subs:    make(map[string]*sessionSub),
		done:    make(chan struct{}),
	}
}

func (s *socket) run() {
	go s.writeLoop()

	s.enqueue(map[string]any{"type": "stream_connected"})
	s.enqueue(map[string]any{"type": "connected"})

	s.readLoop()

	s.close()
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := make([]*sessionSub, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[string]*sessionSub)
		s.mu.Unlock()

		for _, sub := range subs {
			sub.unsub()
		}

		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue appends to the outbound queue without blocking; a full queue
// drops the oldest pending write rather than stall the session callback
// that produced it (spec §5: "outbound writes in queue order per socket",
// best-effort under backpressure).
func (s *socket) enqueue(msg outboundMessage) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
		select {
		case <-s.send:
		default:
		}
		select {
		case s.send <- msg:
		case <-s.done:
		}
	}
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *socket) readLoop() {
	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(msg)
	}
}

func (s *socket) handle(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(msg)
	case "unsubscribe":
		s.handleUnsubscribe(msg)
	case "prompt", "steer", "follow_up", "stop":
		s.handleCommand(msg)
	case "permission_response":
		s.handlePermissionResponse(msg)
	case "extension_ui_response":
		s.handleExtensionUIResponse(msg)
	case "rpc":
		s.handleRPC(msg)
	default:
		s.enqueue(map[string]any{"type": "error", "requestId": msg.RequestID, "message": "unknown message type"})
	}
}

func (s *socket) handleSubscribe(msg clientMessage) {
	if msg.SessionID == "" || !s.manager.IsActive(msg.SessionID) {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "session not active"})
		return
	}

	level := msg.Level
	if level == "" {
		level = LevelFull
	}
	if level != LevelFull && level != LevelNotifications {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "level must be \"full\" or \"notifications\""})
		return
	}

	var sinceSeq int64
	if msg.SinceSeq != nil {
		sinceSeq = *msg.SinceSeq
		if sinceSeq < 0 {
			s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "sinceSeq must be a non-negative integer"})
			return
		}
	}

	s.mu.Lock()
	if existing, ok := s.subs[msg.SessionID]; ok {
		existing.unsub()
		delete(s.subs, msg.SessionID)
	}
	// Single-full-subscription-per-socket invariant: subscribing full
	// elsewhere demotes the previous full subscription to notifications.
	if level == LevelFull && s.fullSub != "" && s.fullSub != msg.SessionID {
		if prev, ok := s.subs[s.fullSub]; ok {
			prev.level = LevelNotifications
		}
	}
	if level == LevelFull {
		s.fullSub = msg.SessionID
	}
	s.mu.Unlock()

	stateEv, events, currentSeq, complete, ok := s.manager.GetCatchUp(msg.SessionID, sinceSeq)
	if !ok {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "session not active"})
		return
	}

	sessionID := msg.SessionID
	unsub := s.manager.Subscribe(sessionID, func(ev session.ExternalEvent) {
		s.mu.Lock()
		sub, ok := s.subs[sessionID]
		s.mu.Unlock()
		if !ok {
			return
		}
		if sub.level == LevelNotifications && !notificationTypes[ev.Type] {
			return
		}
		s.enqueue(ev)
	})

	s.mu.Lock()
	s.subs[msg.SessionID] = &sessionSub{level: level, unsub: unsub, sessID: msg.SessionID}
	s.mu.Unlock()

	// Bootstrap ordering: state -> catch-up events -> command_result.
	s.enqueue(stateEv)
	for _, ev := range events {
		s.enqueue(ev.Payload)
	}
	s.enqueue(map[string]any{
		"type":             "command_result",
		"requestId":        msg.RequestID,
		"ok":               true,
		"command":          "subscribe",
		"currentSeq":       currentSeq,
		"catchUpComplete":  complete,
	})
}

func (s *socket) handleUnsubscribe(msg clientMessage) {
	s.mu.Lock()
	sub, ok := s.subs[msg.SessionID]
	if ok {
		delete(s.subs, msg.SessionID)
		if s.fullSub == msg.SessionID {
			s.fullSub = ""
		}
	}
	s.mu.Unlock()

	if ok {
		sub.unsub()
	}
	s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": true, "command": "unsubscribe"})
}

// requireFullSub enforces the spec §4.7 command eligibility rule: prompt,
// steer, follow_up, and stop all require a full subscription to the target
// session on this socket.
func (s *socket) requireFullSub(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[sessionID]
	return ok && sub.level == LevelFull
}

// requireAnySub enforces the spec §4.7 RPC passthrough eligibility rule:
// get_state, set_model, set_thinking_level, and compact only require a live
// subscription at any level, not full.
func (s *socket) requireAnySub(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[sessionID]
	return ok
}

func (s *socket) handleCommand(msg clientMessage) {
	if !commandTypes[msg.Type] {
		return
	}
	if !s.requireFullSub(msg.SessionID) {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "not subscribed at full level"})
		return
	}

	var err error
	switch msg.Type {
	case "prompt":
		err = s.manager.SendPrompt(context.Background(), msg.SessionID, msg.Text, session.PromptOptions{
			Images:       msg.Images,
			ClientTurnID: msg.RequestID,
		})
	case "steer":
		err = s.manager.SendSteer(context.Background(), msg.SessionID, msg.Text)
	case "follow_up":
		err = s.manager.SendFollowUp(context.Background(), msg.SessionID, msg.Text)
	case "stop":
		err = s.manager.SendStop(msg.SessionID)
	}

	if err != nil {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": err.Error(), "command": msg.Type})
		return
	}
	s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": true, "command": msg.Type})
}

func (s *socket) handlePermissionResponse(msg clientMessage) {
	s.manager.ResolvePermission(msg.ID, msg.Action, msg.Scope, msg.TTLMs)
	s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": true, "command": "permission_response"})
}

func (s *socket) handleExtensionUIResponse(msg clientMessage) {
	if s.manager != nil && msg.SessionID != "" {
		var payload any
		_ = json.Unmarshal(msg.Response, &payload)
		_ = s.manager.RespondToUIRequest(msg.SessionID, msg.ID, payload)
	}
	s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": true, "command": "extension_ui_response"})
}

func (s *socket) handleRPC(msg clientMessage) {
	if !s.requireAnySub(msg.SessionID) {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": "not subscribed"})
		return
	}
	result, err := s.manager.ForwardRPCCommand(context.Background(), msg.SessionID, session.RPCCommand{Name: msg.Command, Args: msg.Args})
	if err != nil {
		s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": false, "error": err.Error()})
		return
	}
	s.enqueue(map[string]any{"type": "command_result", "requestId": msg.RequestID, "ok": true, "command": msg.Command, "result": result})
}

// Package session also hosts the Session Manager: the spec §4.6 component
// that owns every live session's lifecycle, multiplexes subscribers over its
// event ring, and is the only writer of types.Session.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentrelay/controlplane/internal/event"
	"github.com/agentrelay/controlplane/internal/permission"
	"github.com/agentrelay/controlplane/internal/policy"
	"github.com/agentrelay/controlplane/internal/ring"
	"github.com/agentrelay/controlplane/pkg/types"
)

// ExternalEvent is a translated event ready for ring storage and broadcast
// to stream-mux subscribers. Type is one of the spec §4.6 vocabulary names
// (text_delta, tool_start, state, session_ended, ...).
type ExternalEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// PromptOptions carries the optional fields accepted by sendPrompt.
type PromptOptions struct {
	Images       []string
	ClientTurnID string
}

// RPCCommand is a forwarded rpc request from a client (get_state, set_model,
// set_thinking_level, compact). Anything else is rejected.
type RPCCommand struct {
	Name string
	Args map[string]any
}

var rpcAllowlist = map[string]bool{
	"get_state":          true,
	"set_model":          true,
	"set_thinking_level": true,
	"compact":            true,
}

// Subscriber receives every translated event appended to a session's ring,
// in seq order, one at a time (spec §5: "subscription callbacks serial per
// subscription").
type Subscriber func(ExternalEvent)

// activeEntry is the manager's bookkeeping for one live session.
type activeEntry struct {
	mu sync.Mutex

	session *types.Session
	ring    *ring.Ring

	subs     map[string]Subscriber
	nextSub  uint64
	turnSeen map[string]bool // clientTurnId -> seen, for dedup

	pendingUI map[string]any // requestId -> request payload awaiting respondToUIRequest

	// lastToolPartial is the last content broadcast per toolCallId, used to
	// diff tool_output/tool_end frames down to their new tail (spec §4.6
	// replace semantics). Cleared once a tool call reaches a terminal state.
	lastToolPartial map[string]string
}

// Manager is the spec §4.6 Session Manager: the only component permitted to
// mutate a types.Session while it is live.
type Manager struct {
	mu sync.Mutex

	svc   *Service
	gate  *permission.Gate
	wsGet func(ctx context.Context, workspaceID string) (*types.Workspace, error)

	active map[string]*activeEntry

	unsubEvent func()
}

// NewManager wires a Manager on top of an already-constructed Service and
// Gate. wsGet resolves a workspace by id (normally workspace.Store.Get).
func NewManager(svc *Service, gate *permission.Gate, wsGet func(ctx context.Context, workspaceID string) (*types.Workspace, error)) *Manager {
	m := &Manager{
		svc:    svc,
		gate:   gate,
		wsGet:  wsGet,
		active: make(map[string]*activeEntry),
	}
	m.unsubEvent = event.SubscribeAll(m.onBackendEvent)
	return m
}

// Close detaches the manager from the backend event bus.
func (m *Manager) Close() {
	if m.unsubEvent != nil {
		m.unsubEvent()
	}
}

func presetFallback(preset types.WorkspacePolicyPreset) policy.Fallback {
	switch preset {
	case types.PresetHost:
		return policy.Fallback(policy.Ask)
	case types.PresetContainer:
		return policy.Fallback(policy.Allow)
	default:
		return policy.Fallback(policy.Ask)
	}
}

// StartSession loads an existing session or creates a new one bound to
// workspaceID, guards it with the gate, and marks it active. Returns the
// session record with status "ready".
func (m *Manager) StartSession(ctx context.Context, sessionID, workspaceID, name string) (*types.Session, error) {
	ws, err := m.wsGet(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace not found: %w", err)
	}

	m.mu.Lock()
	if entry, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		entry.mu.Lock()
		s := entry.session
		entry.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	var sess *types.Session
	if sessionID != "" {
		sess, err = m.svc.Get(ctx, sessionID)
	}
	if sess == nil {
		sess, err = m.svc.Create(ctx, workspaceID, name)
		if err != nil {
			return nil, err
		}
	}

	sess.WorkDir = ws.HostMount
	sess.Status = types.StatusReady
	sess.LastActivity = time.Now().UnixMilli()
	if sess.Model == "" && ws.DefaultModel != "" {
		sess.Model = ws.DefaultModel
	}
	if err := m.svc.Put(ctx, sess); err != nil {
		return nil, err
	}

	m.gate.CreateGuard(sess.ID, workspaceID)
	m.gate.SetSessionPolicy(sess.ID, presetFallback(ws.PolicyPreset))
	if p := m.svc.GetProcessor(); p != nil {
		p.SetGate(m.gate)
	}

	entry := &activeEntry{
		session:         sess,
		ring:            ring.New(),
		subs:            make(map[string]Subscriber),
		turnSeen:        make(map[string]bool),
		pendingUI:       make(map[string]any),
		lastToolPartial: make(map[string]string),
	}

	m.mu.Lock()
	m.active[sess.ID] = entry
	m.mu.Unlock()

	entry.broadcastState()

	event.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})

	return sess, nil
}

// IsActive reports whether id is a live, managed session.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// GetActiveSession returns the live in-memory session record, if any.
func (m *Manager) GetActiveSession(id string) (*types.Session, bool) {
	m.mu.Lock()
	entry, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cp := *entry.session
	return &cp, true
}

// GetCurrentSeq returns the ring's current sequence number, or 0 if the
// session is not active.
func (m *Manager) GetCurrentSeq(id string) int64 {
	m.mu.Lock()
	entry, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.ring.CurrentSeq()
}

// Subscribe registers cb to receive every event appended to id's ring from
// now on. Returns a no-op unsubscribe func if the session is not active.
func (m *Manager) Subscribe(id string, cb Subscriber) func() {
	m.mu.Lock()
	entry, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return func() {}
	}

	entry.mu.Lock()
	subID := fmt.Sprintf("%d", entry.nextSub)
	entry.nextSub++
	entry.subs[subID] = cb
	entry.mu.Unlock()

	return func() {
		entry.mu.Lock()
		delete(entry.subs, subID)
		entry.mu.Unlock()
	}
}

// GetCatchUp returns the durable events since sinceSeq plus the current
// seq, and whether the replay window is complete. Also returns a fresh
// "state" bootstrap event the caller should send first.
func (m *Manager) GetCatchUp(id string, sinceSeq int64) (state ExternalEvent, events []ring.Event, currentSeq int64, complete bool, ok bool) {
	m.mu.Lock()
	entry, exists := m.active[id]
	m.mu.Unlock()
	if !exists {
		return ExternalEvent{}, nil, 0, false, false
	}

	events, currentSeq, complete = entry.ring.CatchUp(sinceSeq)

	entry.mu.Lock()
	state = ExternalEvent{Type: "state", SessionID: id, Data: entry.session}
	entry.mu.Unlock()

	return state, events, currentSeq, complete, true
}

// SendPrompt delivers a new user message to an active session. Requires the
// session status be ready or busy; turn-dedups on ClientTurnID.
func (m *Manager) SendPrompt(ctx context.Context, id, message string, opts PromptOptions) error {
	entry, err := m.requireActive(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	status := entry.session.Status
	if status != types.StatusReady && status != types.StatusBusy {
		entry.mu.Unlock()
		return fmt.Errorf("session %s is not accepting prompts (status=%s)", id, status)
	}
	dup := false
	if opts.ClientTurnID != "" {
		if entry.turnSeen[opts.ClientTurnID] {
			dup = true
		} else {
			entry.turnSeen[opts.ClientTurnID] = true
		}
	}
	sess := entry.session
	entry.mu.Unlock()

	entry.broadcast(ExternalEvent{Type: "turn_ack", SessionID: id, Data: map[string]any{
		"requestId": opts.ClientTurnID,
		"duplicate": dup,
	}})
	if dup {
		return nil
	}

	entry.setStatus(types.StatusBusy)
	entry.broadcastState()
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})

	go func() {
		_, _, err := m.svc.ProcessMessage(ctx, sess, message, nil, nil)
		entry.setStatus(types.StatusReady)
		if err != nil {
			entry.broadcast(ExternalEvent{Type: "error", SessionID: id, Data: map[string]any{"message": err.Error()}})
		}
		entry.broadcastState()
	}()

	return nil
}

// SendSteer and SendFollowUp both require the session to be busy; the
// teacher agentic loop does not yet support live steering mid-turn, so
// these are accepted as queued follow-up prompts delivered once the
// current turn ends.
func (m *Manager) SendSteer(ctx context.Context, id, text string) error {
	return m.requireBusyThen(id, text)
}

func (m *Manager) SendFollowUp(ctx context.Context, id, text string) error {
	return m.requireBusyThen(id, text)
}

func (m *Manager) requireBusyThen(id, text string) error {
	entry, err := m.requireActive(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	status := entry.session.Status
	entry.mu.Unlock()
	if status != types.StatusBusy {
		return fmt.Errorf("session %s is not busy, cannot steer", id)
	}
	// Queued for the next turn boundary; the processor only accepts one
	// message at a time today, so this is recorded, not delivered live.
	entry.broadcast(ExternalEvent{Type: "queued", SessionID: id, Data: map[string]any{"text": text}})
	return nil
}

// SendStop best-effort cancels the in-flight turn.
func (m *Manager) SendStop(id string) error {
	entry, err := m.requireActive(id)
	if err != nil {
		return err
	}
	if p := m.svc.GetProcessor(); p != nil {
		_ = p.Abort(id)
	}
	_ = m.svc.Abort(context.Background(), id)
	entry.broadcast(ExternalEvent{Type: "stop_requested", SessionID: id})
	return nil
}

// ForwardRPCCommand executes one of the allowlisted rpc commands against an
// active session.
func (m *Manager) ForwardRPCCommand(ctx context.Context, id string, cmd RPCCommand) (any, error) {
	entry, err := m.requireActive(id)
	if err != nil {
		return nil, err
	}
	if !rpcAllowlist[cmd.Name] {
		return nil, fmt.Errorf("rpc command %q not allowed", cmd.Name)
	}

	switch cmd.Name {
	case "get_state":
		entry.mu.Lock()
		cp := *entry.session
		entry.mu.Unlock()
		return cp, nil
	case "set_model":
		model, _ := cmd.Args["model"].(string)
		entry.mu.Lock()
		entry.session.Model = model
		sess := entry.session
		entry.mu.Unlock()
		_ = m.svc.Put(ctx, sess)
		entry.broadcastState()
		return sess, nil
	case "set_thinking_level":
		level, _ := cmd.Args["level"].(string)
		entry.mu.Lock()
		entry.session.ThinkingLevel = level
		entry.mu.Unlock()
		entry.broadcastState()
		return nil, nil
	case "compact":
		p := m.svc.GetProcessor()
		if p == nil {
			return nil, fmt.Errorf("no processor configured")
		}
		go func() {
			messages, err := p.loadMessages(ctx, id)
			if err == nil {
				_ = p.compactMessages(ctx, id, messages)
			}
			entry.broadcastState()
		}()
		return map[string]any{"started": true}, nil
	}

	return nil, fmt.Errorf("rpc command %q not allowed", cmd.Name)
}

// HasPendingUIRequest reports whether reqID is still awaiting a response.
func (m *Manager) HasPendingUIRequest(id, reqID string) bool {
	entry, err := m.requireActive(id)
	if err != nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	_, ok := entry.pendingUI[reqID]
	return ok
}

// RespondToUIRequest delivers a client's answer to an extension_ui_request.
// Fire-and-forget: the extension side reads this out of band.
func (m *Manager) RespondToUIRequest(id, reqID string, response any) error {
	entry, err := m.requireActive(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	delete(entry.pendingUI, reqID)
	entry.mu.Unlock()

	event.Publish(event.Event{Type: event.ClientToolCompleted, Data: event.ClientToolStatusData{
		SessionID: id, CallID: reqID, Success: true,
	}})
	return nil
}

// ResolvePermission forwards a client's answer to a pending gate approval.
// action is "allow" or "deny"; scope is "once", "session", "workspace", or
// "global"; ttlMs is only meaningful for an allow at session scope.
func (m *Manager) ResolvePermission(pendingID, action, scope string, ttlMs int64) {
	m.gate.ResolveDecision(pendingID, permission.ResolveAction(action), permission.ResolveScope(scope), ttlMs)
}

// EndSession runs the spec §4.6 session-end sequence: broadcast
// session_ended, clear pending UI requests, destroy the gate guard, mark
// status stopped and persist, remove from the active map.
func (m *Manager) EndSession(ctx context.Context, id, reason string) error {
	entry, err := m.requireActive(id)
	if err != nil {
		return err
	}

	entry.broadcast(ExternalEvent{Type: "session_ended", SessionID: id, Data: map[string]any{"reason": reason}})

	entry.mu.Lock()
	entry.pendingUI = make(map[string]any)
	entry.session.Status = types.StatusStopped
	sess := entry.session
	entry.mu.Unlock()

	m.gate.DestroySessionGuard(id)
	_ = m.svc.Put(ctx, sess)

	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{Info: sess}})
	return nil
}

func (m *Manager) requireActive(id string) (*activeEntry, error) {
	m.mu.Lock()
	entry, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s is not active", id)
	}
	return entry, nil
}

func (e *activeEntry) setStatus(s types.SessionStatus) {
	e.mu.Lock()
	e.session.Status = s
	e.session.LastActivity = time.Now().UnixMilli()
	e.mu.Unlock()
}

// broadcast appends payload to the ring (durable events are retained) and
// fans it out to every current subscriber, in registration order.
func (e *activeEntry) broadcast(ev ExternalEvent) {
	durable := isDurable(ev.Type)
	ringEv := e.ring.Append(durable, ev)
	ev.Seq = ringEv.Seq

	e.mu.Lock()
	subs := make([]Subscriber, 0, len(e.subs))
	for _, cb := range e.subs {
		subs = append(subs, cb)
	}
	e.mu.Unlock()

	for _, cb := range subs {
		cb(ev)
	}
}

func (e *activeEntry) broadcastState() {
	e.mu.Lock()
	cp := *e.session
	e.mu.Unlock()
	e.broadcast(ExternalEvent{Type: "state", SessionID: cp.ID, Data: cp})
}

// isDurable classifies an external event per spec §4.5.
func isDurable(eventType string) bool {
	switch eventType {
	case "text_delta", "thinking_delta", "tool_output":
		return false
	default:
		return true
	}
}

// onBackendEvent is the single subscription point into the internal event
// bus; it dispatches to translate.go's per-type handlers for every session
// the manager currently has active.
func (m *Manager) onBackendEvent(ev event.Event) {
	m.translateAndDispatch(ev)
}

// newRequestID is used for pending UI request identifiers.
func newRequestID() string {
	return ulid.Make().String()
}

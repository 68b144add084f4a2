package permission

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/agentrelay/controlplane/internal/logging"
	"github.com/agentrelay/controlplane/internal/policy"
	"github.com/agentrelay/controlplane/internal/rules"
)

// GateRisk is the pending approval's estimated risk level.
type GateRisk string

const (
	RiskLow    GateRisk = "low"
	RiskMedium GateRisk = "medium"
	RiskHigh   GateRisk = "high"
)

// ResolutionOptions tells the client which resolution scopes are offered
// for a given pending approval.
type ResolutionOptions struct {
	AllowSession bool `json:"allowSession"`
	AllowAlways  bool `json:"allowAlways"`
	DenyAlways   bool `json:"denyAlways"`
}

// Pending is an in-flight ask decision awaiting human resolution.
type Pending struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"sessionId"`
	WorkspaceID     string             `json:"workspaceId"`
	Tool            string             `json:"tool"`
	Input           map[string]any     `json:"input"`
	DisplaySummary  string             `json:"displaySummary"`
	Risk            GateRisk           `json:"risk"`
	Reason          string             `json:"reason"`
	TimeoutAt       time.Time          `json:"timeoutAt"`
	ResolutionOpts  ResolutionOptions  `json:"resolutionOptions"`
}

// ResolveScope is the scope at which a resolved decision is learned.
type ResolveScope string

const (
	ScopeOnce      ResolveScope = "once"
	ScopeSession   ResolveScope = "session"
	ScopeWorkspace ResolveScope = "workspace"
	ScopeGlobal    ResolveScope = "global"
)

// ResolveAction is the human's decision for a pending approval.
type ResolveAction string

const (
	ResolveAllow ResolveAction = "allow"
	ResolveDeny  ResolveAction = "deny"
)

// MaxLearnedRuleTTL is the absolute cap on a learned rule's lifetime
// regardless of the requested ttlMs (spec §4.4 step 4).
const MaxLearnedRuleTTL = 365 * 24 * time.Hour

// AuditRecord is one append-only line in the audit log.
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"sessionId"`
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input"`
	Decision   policy.Action  `json:"decision"`
	Layer      string         `json:"layer"`
	RuleID     string         `json:"ruleId,omitempty"`
	RuleLabel  string         `json:"ruleLabel,omitempty"`
	UserChoice *UserChoice    `json:"userChoice,omitempty"`
}

// UserChoice records the human's resolution, when one occurred.
type UserChoice struct {
	Action ResolveAction `json:"action"`
	Scope  ResolveScope  `json:"scope"`
	TTLMs  int64         `json:"ttlMs,omitempty"`
}

// AuditQuery filters AuditLog.Query results.
type AuditQuery struct {
	Limit     int
	SessionID string
	SinceTs   time.Time
}

// AuditLog is an append-only JSONL audit log of resolved permission checks.
type AuditLog struct {
	mu   sync.Mutex
	path string
	b    *backoff.ExponentialBackOff
}

// NewAuditLog opens an audit log backed by path (created on first append).
func NewAuditLog(path string) *AuditLog {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	return &AuditLog{path: path, b: b}
}

// Append writes one record. Per spec §4.4's failure model, a write failure
// is retried with exponential backoff for up to 2 seconds, then logged and
// swallowed — the caller's decision is unaffected either way.
func (a *AuditLog) Append(rec AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		logging.Logger.Error().Err(err).Msg("audit record marshal failed")
		return
	}
	data = append(data, '\n')

	op := func() error {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	}

	a.b.Reset()
	if err := backoff.Retry(op, a.b); err != nil {
		logging.Logger.Error().Err(err).Str("path", a.path).Msg("audit log write failed, dropping record")
	}
}

// Query returns matching records, most recent last, capped at limit (0 = no
// cap).
func (a *AuditLog) Query(q AuditQuery) ([]AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if q.SessionID != "" && rec.SessionID != q.SessionID {
			continue
		}
		if !q.SinceTs.IsZero() && rec.Timestamp.Before(q.SinceTs) {
			continue
		}
		out = append(out, rec)
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// isPolicyManagementTool reports whether tool is a policy-management tool
// ("policy.*"); those are always resolved at "once" regardless of the
// requested scope (spec §4.4 step 4).
func isPolicyManagementTool(tool string) bool {
	return len(tool) > 7 && tool[:7] == "policy."
}

// sessionGuard tracks the state the gate keeps per guarded session.
type sessionGuard struct {
	workspaceID string
	engine      policy.Fallback
}

// RulesSnapshot is the subset of the rule store Gate needs: a read path
// that returns the visible rules for a session, and a write path for
// learned rules.
type RulesSnapshot interface {
	GetForSession(sid, wid string) []rules.Rule
	Add(r rules.Rule) (rules.Rule, error)
	ClearSessionRules(sid string)
}

// Gate wraps the policy engine with the approval rendezvous and learned
// rule persistence described in spec §4.4. It keeps the teacher Checker's
// channel-rendezvous mechanism and generalizes the rest.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]*sessionGuard
	pending  map[string]*pendingEntry

	store      RulesSnapshot
	audit      *AuditLog
	defaultTTL time.Duration // 0 disables expiry

	onApprovalNeeded func(Pending)
}

type pendingEntry struct {
	pending  Pending
	resultCh chan resolveResult
	resolved bool
}

type resolveResult struct {
	action ResolveAction
	scope  ResolveScope
	ttlMs  int64
}

// GateOption configures a new Gate.
type GateOption func(*Gate)

// WithApprovalCallback sets the function invoked when a check transitions
// to ask (emits the approval_needed event in spec terms).
func WithApprovalCallback(fn func(Pending)) GateOption {
	return func(g *Gate) { g.onApprovalNeeded = fn }
}

// WithDefaultTimeout sets the default pending-approval timeout; 0 disables
// expiry.
func WithDefaultTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.defaultTTL = d }
}

// NewGate constructs a Gate backed by store for rule snapshots/learning and
// audit for the append-only audit log.
func NewGate(store RulesSnapshot, audit *AuditLog, opts ...GateOption) *Gate {
	g := &Gate{
		sessions:   make(map[string]*sessionGuard),
		pending:    make(map[string]*pendingEntry),
		store:      store,
		audit:      audit,
		defaultTTL: 0,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateGuard registers a session; its tool calls are now checked by the
// gate.
func (g *Gate) CreateGuard(sessionID, workspaceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = &sessionGuard{workspaceID: workspaceID, engine: policy.Fallback(policy.Ask)}
}

// SetSessionPolicy swaps the effective fallback policy for a running
// session (used when workspace policy changes).
func (g *Gate) SetSessionPolicy(sessionID string, fallback policy.Fallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[sessionID]; ok {
		s.engine = fallback
	}
}

// DestroySessionGuard releases a session's guard and clears its in-memory
// rules.
func (g *Gate) DestroySessionGuard(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	g.store.ClearSessionRules(sessionID)
}

// CheckToolCall is the synchronous entry point. It may suspend (on ctx or
// resolution) when the policy outcome is ask.
func (g *Gate) CheckToolCall(ctx context.Context, sessionID string, req policy.GateRequest) (decision policy.Decision, err error) {
	g.mu.Lock()
	guard, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return policy.Decision{}, &RejectedError{SessionID: sessionID, Message: "session not guarded"}
	}

	defer func() {
		if r := recover(); r != nil {
			decision = policy.Decision{Action: policy.Ask, Reason: "Policy engine error", Layer: "error"}
			logging.Logger.Error().Interface("panic", r).Msg("policy engine failure")
		}
	}()

	snapshot := g.store.GetForSession(sessionID, guard.workspaceID)
	d := policy.Evaluate(req, snapshot, guard.engine)

	if d.Action != policy.Ask {
		g.audit.Append(AuditRecord{
			Timestamp: time.Now(), SessionID: sessionID, Tool: req.Tool, Input: req.Input,
			Decision: d.Action, Layer: d.Layer, RuleID: ruleID(d.Rule), RuleLabel: ruleLabel(d.Rule),
		})
		return d, nil
	}

	pend := Pending{
		ID:             ulid.Make().String(),
		SessionID:      sessionID,
		WorkspaceID:    guard.workspaceID,
		Tool:           req.Tool,
		Input:          req.Input,
		DisplaySummary: displaySummary(req),
		Risk:           riskFor(req, d),
		Reason:         d.Reason,
		ResolutionOpts: ResolutionOptions{AllowSession: true, AllowAlways: false, DenyAlways: true},
	}
	if g.defaultTTL > 0 {
		pend.TimeoutAt = time.Now().Add(g.defaultTTL)
	}

	entry := &pendingEntry{pending: pend, resultCh: make(chan resolveResult, 1)}
	g.mu.Lock()
	g.pending[pend.ID] = entry
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, pend.ID)
		g.mu.Unlock()
	}()

	if g.onApprovalNeeded != nil {
		g.onApprovalNeeded(pend)
	}

	var timeoutCh <-chan time.Time
	if g.defaultTTL > 0 {
		timer := time.NewTimer(g.defaultTTL)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return policy.Decision{Action: policy.Deny, Reason: "Approval timeout", Layer: "timeout"}, nil
	case <-timeoutCh:
		final := policy.Decision{Action: policy.Deny, Reason: "Approval timeout", Layer: "timeout"}
		g.audit.Append(AuditRecord{Timestamp: time.Now(), SessionID: sessionID, Tool: req.Tool, Input: req.Input, Decision: final.Action, Layer: final.Layer})
		return final, nil
	case res := <-entry.resultCh:
		final := g.applyResolution(sessionID, guard.workspaceID, req, res)
		return final, nil
	}
}

// applyResolution maps a resolution's action+scope+ttl to the returned
// decision, optionally writing a learned rule, per spec §4.4 step 4.
func (g *Gate) applyResolution(sessionID, workspaceID string, req policy.GateRequest, res resolveResult) policy.Decision {
	effectiveScope := res.scope
	if isPolicyManagementTool(req.Tool) {
		effectiveScope = ScopeOnce
	}
	if res.action == ResolveDeny && effectiveScope != ScopeOnce {
		// Deny at session scope is normalized to once; never-learned deny.
		effectiveScope = ScopeOnce
	}
	if res.action == ResolveAllow && effectiveScope == ScopeWorkspace {
		// Workspace allow is not currently offered for most tools; the
		// gate normalizes unsupported scopes down to session.
		effectiveScope = ScopeSession
	}

	action := policy.Deny
	if res.action == ResolveAllow {
		action = policy.Allow
	}

	var learned *rules.Rule
	if res.action == ResolveAllow && effectiveScope == ScopeSession {
		command, _ := req.Input["command"].(string)
		ttl := time.Duration(res.ttlMs) * time.Millisecond
		if ttl <= 0 || ttl > MaxLearnedRuleTTL {
			ttl = MaxLearnedRuleTTL
		}
		expires := time.Now().Add(ttl)
		r := rules.Rule{
			Tool:        req.Tool,
			Decision:    rules.DecisionAllow,
			Pattern:     command,
			Scope:       rules.ScopeSession,
			Source:      rules.SourceLearned,
			SessionID:   sessionID,
			WorkspaceID: workspaceID,
			ExpiresAt:   &expires,
		}
		if saved, err := g.store.Add(r); err == nil {
			learned = &saved
		}
	}

	g.audit.Append(AuditRecord{
		Timestamp: time.Now(), SessionID: sessionID, Tool: req.Tool, Input: req.Input,
		Decision: action, Layer: "gate",
		RuleID:  ruleID(learned),
		RuleLabel: ruleLabel(learned),
		UserChoice: &UserChoice{Action: res.action, Scope: effectiveScope, TTLMs: res.ttlMs},
	})

	return policy.Decision{Action: action, Reason: "user resolution", Rule: learned, Layer: "gate"}
}

// ResolveDecision is called from the client path. Idempotent: the second
// call for an already-resolved id is a no-op.
func (g *Gate) ResolveDecision(pendingID string, action ResolveAction, scope ResolveScope, ttlMs int64) {
	g.mu.Lock()
	entry, ok := g.pending[pendingID]
	if ok {
		if entry.resolved {
			g.mu.Unlock()
			return
		}
		entry.resolved = true
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	select {
	case entry.resultCh <- resolveResult{action: action, scope: scope, ttlMs: ttlMs}:
	default:
	}
}

// Audit exposes the gate's audit log for query routes.
func (g *Gate) Audit() *AuditLog { return g.audit }

// PendingApprovals lists in-flight pending approvals, optionally filtered to
// one session, for the GET /permissions/pending route (spec §6).
func (g *Gate) PendingApprovals(sessionID string) []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Pending, 0, len(g.pending))
	for _, entry := range g.pending {
		if sessionID != "" && entry.pending.SessionID != sessionID {
			continue
		}
		out = append(out, entry.pending)
	}
	return out
}

func ruleID(r *rules.Rule) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func ruleLabel(r *rules.Rule) string {
	if r == nil {
		return ""
	}
	return r.Label
}

func displaySummary(req policy.GateRequest) string {
	if cmd, ok := req.Input["command"].(string); ok && cmd != "" {
		return req.Tool + ": " + cmd
	}
	return req.Tool
}

func riskFor(req policy.GateRequest, d policy.Decision) GateRisk {
	if d.Layer == "guardrail" {
		return RiskHigh
	}
	if req.Tool == "bash" {
		return RiskMedium
	}
	return RiskLow
}

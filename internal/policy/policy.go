// Package policy implements the command classifier: immutable guardrails,
// rule matching, and bash chain/pipeline expansion. It is pure and
// deterministic, and never touches the rule store's persistence.
package policy

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentrelay/controlplane/internal/rules"
	"github.com/agentrelay/controlplane/internal/shellparse"
)

// Action mirrors rules.Decision but is the policy engine's own vocabulary
// so this package has no import-time dependency on the gate.
type Action string

const (
	Allow Action = "allow"
	Ask   Action = "ask"
	Deny  Action = "deny"
)

var rank = map[Action]int{Allow: 0, Ask: 1, Deny: 2}

// GateRequest is the input to a single policy check.
type GateRequest struct {
	Tool       string
	Input      map[string]any
	ToolCallID string
}

// Decision is the policy engine's verdict.
type Decision struct {
	Action Action
	Reason string
	Rule   *rules.Rule
	Layer  string // "guardrail" | "rule" | "chain" | "fallback"
}

// Fallback is the effective policy's default outcome when nothing else
// matches.
type Fallback Action

// secretFileGlobs are always-active, cannot be weakened by any rule.
var secretFileGlobs = []string{
	"**/.ssh/id_*",
	"**/.aws/credentials",
	"**/.env*",
}

var secretEnvPattern = regexp.MustCompile(`\$\{?\w*_(API_KEY|TOKEN)\b`)

var dataEgressFlags = []string{"-d @-", "--post-data", "-T"}

// Evaluate runs the four-layer decision procedure against a snapshot of
// rules already scoped to (global, workspace, session) by the caller.
func Evaluate(req GateRequest, snapshot []rules.Rule, fallback Fallback) Decision {
	command, _ := req.Input["command"].(string)

	if req.Tool == "bash" && command != "" {
		if d, ok := checkGuardrails(command); ok {
			return d
		}
	}
	if path, ok := req.Input["path"].(string); ok && path != "" {
		if d, ok := checkPathGuardrail(path); ok {
			return d
		}
	}

	if req.Tool == "bash" && command != "" {
		return evaluateBash(req, command, snapshot, fallback)
	}

	if d, ok := matchRules(req.Tool, "", req.Input, snapshot); ok {
		return d
	}

	return Decision{Action: Action(fallback), Reason: "fallback", Layer: "fallback"}
}

func checkPathGuardrail(path string) (Decision, bool) {
	for _, g := range secretFileGlobs {
		if ok, _ := doublestar.Match(g, path); ok {
			return Decision{Action: Deny, Reason: "Secret file access", Layer: "guardrail"}, true
		}
	}
	return Decision{}, false
}

func checkGuardrails(command string) (Decision, bool) {
	for _, g := range secretFileGlobs {
		// Guardrails match against any path-shaped token in the command,
		// not just a structured path argument (e.g. `cat ~/.ssh/id_rsa`).
		for _, tok := range strings.Fields(command) {
			if ok, _ := doublestar.Match(g, expandHome(tok)); ok {
				return Decision{Action: Deny, Reason: "Secret file access", Layer: "guardrail"}, true
			}
		}
	}

	if strings.Contains(command, "| sh") || strings.Contains(command, "| bash") ||
		strings.Contains(command, "|sh") || strings.Contains(command, "|bash") {
		return Decision{Action: Ask, Reason: "Data egress", Layer: "guardrail"}, true
	}

	for _, flag := range dataEgressFlags {
		if strings.Contains(command, flag) && looksLikeExternalHost(command) {
			return Decision{Action: Ask, Reason: "Data egress", Layer: "guardrail"}, true
		}
	}

	if secretEnvPattern.MatchString(command) && looksLikeURL(command) {
		return Decision{Action: Ask, Reason: "Secret env expansion in URL", Layer: "guardrail"}, true
	}

	return Decision{}, false
}

func expandHome(tok string) string {
	if strings.HasPrefix(tok, "~/") {
		return "**/" + tok[2:]
	}
	return tok
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "http://") || strings.Contains(s, "https://")
}

func looksLikeExternalHost(s string) bool {
	if !looksLikeURL(s) {
		return true // curl/wget without a scheme is still presumed external
	}
	return !strings.Contains(s, "localhost") && !strings.Contains(s, "127.0.0.1")
}

// evaluateBash implements layer 3: recursive chain/pipeline expansion, with
// the weakest outcome across all stages winning.
func evaluateBash(req GateRequest, command string, snapshot []rules.Rule, fallback Fallback) Decision {
	segments := shellparse.SplitChain(command)
	if len(segments) == 0 {
		segments = []string{command}
	}

	var worst Decision
	worst.Action = Allow
	haveWorst := false

	for _, seg := range segments {
		stages := shellparse.SplitPipeline(seg)
		if len(stages) == 0 {
			stages = []string{seg}
		}
		for _, stage := range stages {
			d := evaluateStage(stage, snapshot, fallback)
			if !haveWorst || rank[d.Action] > rank[worst.Action] {
				worst = d
				haveWorst = true
			}
		}
	}

	if !haveWorst {
		return Decision{Action: Action(fallback), Reason: "fallback", Layer: "fallback"}
	}
	if worst.Layer == "" {
		worst.Layer = "chain"
	}
	return worst
}

// evaluateStage checks guardrails and rules for one chain/pipeline stage,
// without recursing further (a stage is already a single command).
func evaluateStage(stage string, snapshot []rules.Rule, fallback Fallback) Decision {
	if d, ok := checkGuardrails(stage); ok {
		return d
	}

	parsed := shellparse.Parse(stage)
	if d, ok := matchRules("bash", stage, map[string]any{
		"command":    stage,
		"executable": parsed.Executable,
	}, snapshot); ok {
		return d
	}

	return Decision{Action: Action(fallback), Reason: "fallback", Layer: "fallback"}
}

// scopeRank gives session > workspace > global precedence (higher wins).
var scopeRank = map[rules.Scope]int{
	rules.ScopeGlobal:    0,
	rules.ScopeWorkspace: 1,
	rules.ScopeSession:   2,
}

// sourceRank gives manual > learned > preset precedence (higher wins).
var sourceRank = map[rules.Source]int{
	rules.SourcePreset: 0,
	rules.SourceLearned: 1,
	rules.SourceManual: 2,
}

// specificity ranks pattern > executable > tool-only.
func specificity(r rules.Rule) int {
	if r.Pattern != "" {
		return 2
	}
	if r.Executable != "" {
		return 1
	}
	return 0
}

// matchRules implements layer 2: scope/specificity/source precedence rule
// matching for a single (tool, commandString, input) triple.
func matchRules(tool, commandString string, input map[string]any, snapshot []rules.Rule) (Decision, bool) {
	now := time.Now()

	var candidates []rules.Rule
	for _, r := range snapshot {
		if r.ExpiresAt != nil && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			continue
		}
		if r.Tool != "*" && r.Tool != tool {
			continue
		}
		if !ruleMatches(r, commandString, input) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return Decision{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scopeRank[a.Scope] != scopeRank[b.Scope] {
			return scopeRank[a.Scope] > scopeRank[b.Scope]
		}
		if specificity(a) != specificity(b) {
			return specificity(a) > specificity(b)
		}
		return sourceRank[a.Source] > sourceRank[b.Source]
	})

	best := candidates[0]
	return Decision{
		Action: Action(best.Decision),
		Reason: "rule match",
		Rule:   &best,
		Layer:  "rule",
	}, true
}

func ruleMatches(r rules.Rule, commandString string, input map[string]any) bool {
	matched := false

	if r.Executable != "" {
		exe, _ := input["executable"].(string)
		if exe != r.Executable {
			return false
		}
		matched = true
	}
	if r.Pattern != "" {
		if ok, _ := doublestar.Match(r.Pattern, commandString); !ok {
			return false
		}
		matched = true
	}
	if r.Path != "" {
		path, _ := input["path"].(string)
		if path == "" {
			return false
		}
		if ok, _ := doublestar.Match(r.Path, path); !ok {
			return false
		}
		matched = true
	}
	if r.Domain != "" {
		domain, _ := input["domain"].(string)
		if domain == "" {
			return false
		}
		if ok, _ := doublestar.Match(r.Domain, domain); !ok {
			return false
		}
		matched = true
	}

	// A tool-only rule (no executable/pattern/path/domain) matches by tool
	// alone, which the caller already filtered on.
	return matched || (r.Executable == "" && r.Pattern == "" && r.Path == "" && r.Domain == "")
}

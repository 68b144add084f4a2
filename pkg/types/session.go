// Package types provides the core data types for the control plane.
package types

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusReady         SessionStatus = "ready"
	StatusBusy          SessionStatus = "busy"
	StatusStopped       SessionStatus = "stopped"
	StatusError         SessionStatus = "error"
)

// Session is the control plane's view of one live coding-agent conversation
// bound to a workspace. Exclusively owned and mutated by the session manager
// (spec §3 Session / §5 ownership rules).
type Session struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspaceID"`
	Status      SessionStatus `json:"status"`

	Created      int64 `json:"created"`
	LastActivity int64 `json:"lastActivity"`

	MessageCount  int         `json:"messageCount"`
	Tokens        TokenTotals `json:"tokens"`
	Cost          float64     `json:"cost"`
	ContextTokens int         `json:"contextTokens"`

	Name           string   `json:"name,omitempty"`
	Model          string   `json:"model,omitempty"`
	ThinkingLevel  string   `json:"thinkingLevel,omitempty"`
	PISessionFiles []string `json:"piSessionFiles,omitempty"`
	PISessionID    string   `json:"piSessionId,omitempty"`

	ChangeStats *ChangeStats `json:"changeStats,omitempty"`

	// FirstToolStartAt marks when the first tool call of the current turn
	// started; set once per turn by the translation loop.
	FirstToolStartAt int64 `json:"firstToolStartAt,omitempty"`

	// StreamedAssistantText / HasStreamedThinking are translation-loop
	// bookkeeping for message_end reconciliation, not part of the durable
	// external record, but single-writer and per-session so they live here.
	StreamedAssistantText string `json:"-"`
	HasStreamedThinking   bool   `json:"-"`

	// WorkDir is the resolved filesystem root the agentic loop's tools
	// execute against, populated from the owning workspace at session
	// start. Not persisted: workspace config is the source of truth.
	WorkDir string `json:"-"`

	// Compacting, when set, marks the unix-milli time a context compaction
	// started. Transient: cleared as soon as compaction finishes.
	Compacting *int64 `json:"-"`
}

// TokenTotals are running token sums across the session's lifetime.
type TokenTotals struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead"`
	CacheWrite int `json:"cacheWrite"`
}

// MaxChangedFiles is the cap on ChangeStats.ChangedFiles before overflow is
// flagged instead of appending further names (spec §3).
const MaxChangedFiles = 100

// ChangeStats tracks mutating tool-call effects for a session.
type ChangeStats struct {
	MutatingToolCalls    int      `json:"mutatingToolCalls"`
	FilesChanged         int      `json:"filesChanged"`
	ChangedFiles         []string `json:"changedFiles,omitempty"`
	ChangedFilesOverflow bool     `json:"changedFilesOverflow"`
	AddedLines           int      `json:"addedLines"`
	RemovedLines         int      `json:"removedLines"`
}

// RecordChangedFile adds path to the change stats, respecting the cap.
func (c *ChangeStats) RecordChangedFile(path string) {
	for _, f := range c.ChangedFiles {
		if f == path {
			return
		}
	}
	if len(c.ChangedFiles) >= MaxChangedFiles {
		c.ChangedFilesOverflow = true
		return
	}
	c.ChangedFiles = append(c.ChangedFiles, path)
	c.FilesChanged = len(c.ChangedFiles)
}

// FileDiff is a before/after line-level diff for one changed file, computed
// with sergi/go-diff when a write/edit/append tool call completes.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

package types

import "strings"

// WorkspaceRuntime is the execution environment a workspace's sessions run
// in. Required; there is no legacy fallback (spec §3).
type WorkspaceRuntime string

const (
	RuntimeHost      WorkspaceRuntime = "host"
	RuntimeContainer WorkspaceRuntime = "container"
)

// WorkspacePolicyPreset names the built-in rule bundle a workspace starts
// with. Data, not behavior (spec §9).
type WorkspacePolicyPreset string

const (
	PresetDefault   WorkspacePolicyPreset = "default"
	PresetHost      WorkspacePolicyPreset = "host"
	PresetContainer WorkspacePolicyPreset = "container"
)

// Workspace is a persistent configuration bundle that parameterizes the
// sessions created within it.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Skills        []string              `json:"skills,omitempty"`
	PolicyPreset  WorkspacePolicyPreset `json:"policyPreset"`
	Runtime       WorkspaceRuntime      `json:"runtime"`
	HostMount     string                `json:"hostMount,omitempty"`
	MemoryEnabled bool                  `json:"memoryEnabled,omitempty"`
	MemoryNamespace string              `json:"memoryNamespace,omitempty"`
	Extensions    []string              `json:"extensions,omitempty"`
	DefaultModel  string                `json:"defaultModel,omitempty"`
	SystemPrompt  string                `json:"systemPrompt,omitempty"`
	Icon          string                `json:"icon,omitempty"`
	Description   string                `json:"description,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Normalize applies the data-model rules from spec §3: memoryNamespace
// auto-fill when memory is enabled and the namespace is empty/whitespace,
// and extensions dedup/trim.
func (w *Workspace) Normalize() {
	if w.MemoryEnabled && strings.TrimSpace(w.MemoryNamespace) == "" {
		w.MemoryNamespace = "ws-" + w.ID
	}
	w.Extensions = dedupeTrim(w.Extensions)
}

func dedupeTrim(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

package workspace

import (
	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/agentrelay/controlplane/internal/rules"
	"github.com/agentrelay/controlplane/pkg/types"
)

//go:embed presets/default.yaml
var defaultPresetYAML []byte

//go:embed presets/host.yaml
var hostPresetYAML []byte

//go:embed presets/container.yaml
var containerPresetYAML []byte

// presetRule is the YAML shape for one seed rule in a preset bundle.
type presetRule struct {
	Tool       string `yaml:"tool"`
	Decision   string `yaml:"decision"`
	Executable string `yaml:"executable,omitempty"`
	Pattern    string `yaml:"pattern,omitempty"`
	Path       string `yaml:"path,omitempty"`
	Domain     string `yaml:"domain,omitempty"`
	Label      string `yaml:"label,omitempty"`
}

// LoadPreset parses one of the three built-in policy preset bundles into
// rules.Rule seeds tagged source=preset by the caller (rules.Store.SeedIfEmpty
// sets Source itself).
func LoadPreset(name types.WorkspacePolicyPreset) ([]rules.Rule, error) {
	var data []byte
	switch name {
	case types.PresetHost:
		data = hostPresetYAML
	case types.PresetContainer:
		data = containerPresetYAML
	default:
		data = defaultPresetYAML
	}

	var parsed []presetRule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	out := make([]rules.Rule, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, rules.Rule{
			Tool:       p.Tool,
			Decision:   rules.Decision(p.Decision),
			Executable: p.Executable,
			Pattern:    p.Pattern,
			Path:       p.Path,
			Domain:     p.Domain,
			Label:      p.Label,
			Scope:      rules.ScopeGlobal,
			Source:     rules.SourcePreset,
		})
	}
	return out, nil
}

package manager

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

// ServerTypeExecutable marks presets where the user supplies the command path
// instead of required environment variables.
const ServerTypeExecutable = "executable"

// Preset is a static template parameterising one MCP server kind.
type Preset struct {
	ID          string   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
	Command     string   `yaml:"command" json:"command"`
	Args        []string `yaml:"args" json:"args"`
	RequiredEnv []string `yaml:"required_env" json:"required_env"`
	AuthKind    string   `yaml:"auth_kind" json:"auth_kind"`
	ServerType  string   `yaml:"server_type" json:"server_type"`
	DocsURL     string   `yaml:"docs_url" json:"docs_url"`
}

var (
	presetOnce sync.Once
	presetList []Preset
	presetByID map[string]Preset
	presetErr  error
)

func loadPresets() error {
	presetOnce.Do(func() {
		var doc struct {
			Presets []Preset `yaml:"presets"`
		}
		if err := yaml.Unmarshal(presetsYAML, &doc); err != nil {
			presetErr = fmt.Errorf("parse preset catalog: %w", err)
			return
		}
		presetList = doc.Presets
		presetByID = make(map[string]Preset, len(doc.Presets))
		for _, p := range doc.Presets {
			presetByID[p.ID] = p
		}
	})
	return presetErr
}

// Presets returns the static preset catalog.
func Presets() ([]Preset, error) {
	if err := loadPresets(); err != nil {
		return nil, err
	}
	return presetList, nil
}

// PresetByID resolves one preset.
func PresetByID(id string) (Preset, error) {
	if err := loadPresets(); err != nil {
		return Preset{}, err
	}
	p, ok := presetByID[id]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q", id)
	}
	return p, nil
}

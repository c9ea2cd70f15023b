package config

import (
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// ToolConfig describes one tool a `message` frame may request via enabled_tools.
type ToolConfig struct {
	Key         string `yaml:"key"`
	DisplayName string `yaml:"display_name"`
	Default     bool   `yaml:"default"`
}

// ModelConfig carries per-model metadata the dispatcher attaches to the
// upstream request body (none of it is interpreted by the Stream Runner;
// it is opaque passthrough, same as the teacher's ModelRouterConfig entries).
type ModelConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

// ToolsConfig is the static document the gateway ships alongside its binary,
// recognized keys for enabled_tools plus the model list surfaced to clients.
type ToolsConfig struct {
	Tools  []ToolConfig  `yaml:"tools"`
	Models []ModelConfig `yaml:"models"`
}

func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{
		Tools: []ToolConfig{
			{Key: "web_search", DisplayName: "Web Search", Default: false},
		},
		Models: []ModelConfig{
			{Name: "Auto", DisplayName: "Auto"},
		},
	}
}

func LoadToolsConfig(path string) (*ToolsConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultToolsConfig(), nil
		}
		return nil, err
	}
	defer f.Close()

	return decodeToolsConfig(f)
}

func decodeToolsConfig(r io.Reader) (*ToolsConfig, error) {
	var cfg ToolsConfig
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsToolEnabled reports whether key is recognized and requested in a
// message frame's enabled_tools map.
func (t *ToolsConfig) IsToolEnabled(key string, requested map[string]bool) bool {
	for _, tool := range t.Tools {
		if tool.Key != key {
			continue
		}
		if v, ok := requested[key]; ok {
			return v
		}
		return tool.Default
	}
	return false
}

package config

import (
	"os"
	"path/filepath"

	"github.com/m4xw311/agentloop/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel     = "claude-3-opus-20240229"
	DefaultMaxTurns  = 10
	DefaultMaxTokens = 4096

	// Dir is the per-user and per-project configuration directory.
	Dir = ".agentloop"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type Config struct {
	LLMClient    string   `yaml:"llm"`
	Model        string   `yaml:"model"`
	MaxTurns     int      `yaml:"max_turns"`
	MaxTokens    int64    `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	SystemPrompt string   `yaml:"system_prompt"`
	// IncludePartial publishes text fragments as they stream in.
	IncludePartial bool   `yaml:"include_partial"`
	Mode           string `yaml:"mode"`

	Toolsets             []Toolset        `yaml:"toolsets"`
	AllowedTools         []string         `yaml:"allowed_tools"`
	DisallowedTools      []string         `yaml:"disallowed_tools"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The configuration directory is never visible to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**")

	home, err := os.UserHomeDir()
	if err == nil {
		if err := loadIfExists(filepath.Join(home, Dir, "config.yaml"), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := loadIfExists(filepath.Join(wd, Dir, "config.yaml"), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func loadIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return LoadFile(path, cfg)
}

// LoadFile merges the YAML file at path into cfg. Keys present in the file
// replace the values already in cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "invalid YAML in %s", path)
	}
	return nil
}

// ApplyDefaults fills unset generation parameters.
func (c *Config) ApplyDefaults() {
	if c.LLMClient == "" {
		c.LLMClient = "mock"
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := 1.0
		c.Temperature = &t
	}
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}

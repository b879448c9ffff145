package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chidi150c/btagent/internal/model"
)

// RunConfig is the structured description of one backtest run, loaded from
// a YAML file and overridable by environment variables the way the LLM
// client's Config layers env overrides on top of file defaults.
type RunConfig struct {
	Symbols         []string `yaml:"symbols"`
	CSVPaths        map[string]string `yaml:"csv_paths"` // symbol -> path
	InitialCash     float64  `yaml:"initial_cash"`
	DecisionStartBar int     `yaml:"decision_start_bar"`
	WorkspaceRoot   string   `yaml:"workspace_root"`

	Risk       model.RiskConfig       `yaml:"risk"`
	Commission model.CommissionConfig `yaml:"commission"`
	Slippage   model.SlippageConfig   `yaml:"slippage"`
	Context    model.ContextConfig    `yaml:"context"`

	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig tunes the LLM-backed decision loop.
type AgentConfig struct {
	Model              string `yaml:"model"`
	MaxRounds          int    `yaml:"max_rounds"`
	SystemPrompt       string `yaml:"system_prompt"`
	APIBase            string `yaml:"api_base"`
	SandboxTimeoutText string `yaml:"sandbox_timeout"`
}

// SandboxTimeout parses AgentConfig.SandboxTimeoutText, returning def on a
// blank, invalid or non-positive value.
func (a AgentConfig) SandboxTimeout(def time.Duration) time.Duration {
	if strings.TrimSpace(a.SandboxTimeoutText) == "" {
		return def
	}
	d, err := time.ParseDuration(a.SandboxTimeoutText)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadRunConfig reads path and applies env-var overrides plus defaults.
func LoadRunConfig(path string) (*RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open run config: %w", err)
	}
	defer f.Close()
	return LoadRunConfigFromReader(f)
}

// LoadRunConfigFromReader builds a RunConfig from r.
func LoadRunConfigFromReader(r io.Reader) (*RunConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read run config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal run config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.InitialCash <= 0 {
		c.InitialCash = 10000
	}
	if c.Risk == (model.RiskConfig{}) {
		c.Risk = model.DefaultRiskConfig()
	}
	if c.Context == (model.ContextConfig{}) {
		c.Context = model.DefaultContextConfig()
	}
	if c.Agent.MaxRounds <= 0 {
		c.Agent.MaxRounds = 6
	}
	if strings.TrimSpace(c.Agent.Model) == "" {
		c.Agent.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(c.Agent.APIBase) == "" {
		c.Agent.APIBase = "https://api.openai.com/v1"
	}
}

// applyEnvOverrides lets deployment-specific settings (model, base URL,
// workspace root, max rounds, initial cash) come from the environment
// instead of the checked-in YAML file. The API key is not part of
// RunConfig; cmd/btagent reads it from the environment directly.
func (c *RunConfig) applyEnvOverrides() {
	if v := GetEnv("BTAGENT_AGENT_MODEL", ""); v != "" {
		c.Agent.Model = v
	}
	if v := GetEnv("BTAGENT_AGENT_API_BASE", ""); v != "" {
		c.Agent.APIBase = v
	}
	if v := GetEnv("BTAGENT_WORKSPACE_ROOT", ""); v != "" {
		c.WorkspaceRoot = v
	}
	c.Agent.MaxRounds = GetEnvInt("BTAGENT_MAX_ROUNDS", c.Agent.MaxRounds)
	c.InitialCash = GetEnvFloat("BTAGENT_INITIAL_CASH", c.InitialCash)
}

// Validate checks the minimal shape a run needs to proceed.
func (c *RunConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("config: at least one symbol is required")
	}
	for _, sym := range c.Symbols {
		if _, ok := c.CSVPaths[sym]; !ok {
			return fmt.Errorf("config: symbol %s has no csv_paths entry", sym)
		}
	}
	if c.InitialCash <= 0 {
		return errors.New("config: initial_cash must be positive")
	}
	return nil
}

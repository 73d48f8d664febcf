// Package config loads dmagent settings from a YAML or JSON file with
// DMAGENT_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/dmagent/agentloop"
	"github.com/martinemde/dmagent/compactor"
	"github.com/martinemde/dmagent/reasoner"
	"github.com/martinemde/dmagent/skills"
)

// Config holds all dmagent configuration.
type Config struct {
	// Working directory for built-in capabilities; empty means the
	// process working directory.
	WorkingDir string `yaml:"working_dir" json:"working_dir"`

	Reasoner ReasonerConfig `yaml:"reasoner" json:"reasoner"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Skills   SkillsConfig   `yaml:"skills" json:"skills"`
	MCP      MCPConfig      `yaml:"mcp" json:"mcp"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ReasonerConfig selects the provider and sampling defaults.
type ReasonerConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	Retries     int     `yaml:"retries" json:"retries"` // 0 disables retry middleware
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	MaxSteps            int    `yaml:"max_steps" json:"max_steps"`
	Planning            bool   `yaml:"planning" json:"planning"`
	ReplanOnFailure     bool   `yaml:"replan_on_failure" json:"replan_on_failure"`
	Compaction          bool   `yaml:"compaction" json:"compaction"`
	Cadence             int    `yaml:"cadence" json:"cadence"`
	Retention           int    `yaml:"retention" json:"retention"`
	LoopDetection       bool   `yaml:"loop_detection" json:"loop_detection"`
	LoopDetectionWindow int    `yaml:"loop_detection_window" json:"loop_detection_window"`
	ShellTimeout        string `yaml:"shell_timeout" json:"shell_timeout"`
	ProjectDocs         bool   `yaml:"project_docs" json:"project_docs"`
	UserInstructions    string `yaml:"user_instructions" json:"user_instructions"`
}

// SkillsConfig controls expert bundle selection.
type SkillsConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Builtin     bool    `yaml:"builtin" json:"builtin"`
	Dir         string  `yaml:"dir" json:"dir"`
	MaxActive   int     `yaml:"max_active" json:"max_active"`
	MinScore    float64 `yaml:"min_score" json:"min_score"`
	LLMFallback bool    `yaml:"llm_fallback" json:"llm_fallback"`
}

// MCPConfig locates the external tool server document.
type MCPConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	ConfigPath   string `yaml:"config_path" json:"config_path"`
	CallTimeout  string `yaml:"call_timeout" json:"call_timeout"`
	StartTimeout string `yaml:"start_timeout" json:"start_timeout"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home := homeDir()
	return &Config{
		Reasoner: ReasonerConfig{
			Provider: reasoner.Providers[0].Name,
		},
		Agent: AgentConfig{
			MaxSteps:            100,
			Planning:            true,
			Compaction:          true,
			Cadence:             compactor.DefaultCadence,
			Retention:           compactor.DefaultRetention,
			LoopDetection:       true,
			LoopDetectionWindow: 6,
			ShellTimeout:        "2m",
			ProjectDocs:         true,
		},
		Skills: SkillsConfig{
			Enabled:   true,
			Builtin:   true,
			Dir:       filepath.Join(home, "skills"),
			MaxActive: skills.DefaultMaxActive,
			MinScore:  skills.DefaultMinScore,
		},
		MCP: MCPConfig{
			Enabled:      true,
			ConfigPath:   filepath.Join(home, "mcp_config.json"),
			CallTimeout:  "30s",
			StartTimeout: "10s",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(home, "history.db"),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// homeDir is the dmagent state directory, ~/.dmagent.
func homeDir() string {
	if dir := os.Getenv("DMAGENT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dmagent"
	}
	return filepath.Join(home, ".dmagent")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

// Load reads configuration from path. A missing file yields the defaults.
// Files ending in .json are decoded as JSON, anything else as YAML.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	case strings.EqualFold(filepath.Ext(path), ".json"):
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"DMAGENT_PROVIDER":    &c.Reasoner.Provider,
		"DMAGENT_MODEL":       &c.Reasoner.Model,
		"DMAGENT_API_KEY":     &c.Reasoner.APIKey,
		"DMAGENT_WORKING_DIR": &c.WorkingDir,
		"DMAGENT_SKILLS_DIR":  &c.Skills.Dir,
		"DMAGENT_MCP_CONFIG":  &c.MCP.ConfigPath,
		"DMAGENT_STORE_PATH":  &c.Store.Path,
		"DMAGENT_LOG_LEVEL":   &c.Logging.Level,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("DMAGENT_MAX_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DMAGENT_MAX_STEPS: %w", err)
		}
		c.Agent.MaxSteps = n
	}
	if v := os.Getenv("DMAGENT_TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DMAGENT_TEMPERATURE: %w", err)
		}
		c.Reasoner.Temperature = t
	}

	// Fall back to the provider's own key variable.
	if c.Reasoner.APIKey == "" {
		if info := reasoner.LookupProvider(c.Reasoner.Provider); info != nil && info.APIKeyEnv != "" {
			c.Reasoner.APIKey = os.Getenv(info.APIKeyEnv)
		}
	}
	return nil
}

// Validate checks value ranges and formats. A missing API key is not an
// error here; providers that need one fail when the client is built.
func (c *Config) Validate() error {
	if reasoner.LookupProvider(c.Reasoner.Provider) == nil {
		return fmt.Errorf("invalid provider: %q (valid: %s)", c.Reasoner.Provider,
			strings.Join(reasoner.ProviderNames(), ", "))
	}
	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Reasoner.Temperature)
	}
	if c.Reasoner.MaxTokens < 0 || c.Reasoner.Retries < 0 {
		return fmt.Errorf("max_tokens and retries must not be negative")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	if c.Agent.Cadence <= 0 || c.Agent.Retention < 0 {
		return fmt.Errorf("compaction cadence must be positive and retention non-negative")
	}
	if c.Agent.LoopDetectionWindow < 0 {
		return fmt.Errorf("loop_detection_window must not be negative")
	}
	if c.Skills.MaxActive <= 0 {
		return fmt.Errorf("skills max_active must be positive, got %d", c.Skills.MaxActive)
	}
	if c.Skills.MinScore < 0 {
		return fmt.Errorf("skills min_score must not be negative")
	}
	for name, value := range map[string]string{
		"agent.shell_timeout": c.Agent.ShellTimeout,
		"mcp.call_timeout":    c.MCP.CallTimeout,
		"mcp.start_timeout":   c.MCP.StartTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// parseDuration accepts "" as zero.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", s)
	}
	return d, nil
}

// ShellTimeout returns the default run_shell timeout.
func (c *Config) ShellTimeout() time.Duration {
	d, _ := parseDuration(c.Agent.ShellTimeout)
	return d
}

// CallTimeout returns the external tool call timeout.
func (c *Config) CallTimeout() time.Duration {
	d, _ := parseDuration(c.MCP.CallTimeout)
	return d
}

// StartTimeout returns the external server handshake timeout.
func (c *Config) StartTimeout() time.Duration {
	d, _ := parseDuration(c.MCP.StartTimeout)
	return d
}

// Model returns the configured model or the provider's default.
func (c *Config) Model() string {
	if c.Reasoner.Model != "" {
		return c.Reasoner.Model
	}
	return reasoner.DefaultModel(c.Reasoner.Provider)
}

// LogLevel returns the parsed log level, info when invalid.
func (c *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Orchestrator converts the agent settings into an orchestrator config.
func (c *Config) Orchestrator() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.MaxSteps = c.Agent.MaxSteps
	cfg.Temperature = c.Reasoner.Temperature
	cfg.MaxTokens = c.Reasoner.MaxTokens
	cfg.Model = c.Model()
	if info := reasoner.LookupProvider(c.Reasoner.Provider); info != nil {
		cfg.Provider = info.Name
	}
	cfg.Planning = c.Agent.Planning
	cfg.ReplanOnFailure = c.Agent.ReplanOnFailure
	cfg.Compaction = c.Agent.Compaction
	cfg.Compactor = compactor.Config{Cadence: c.Agent.Cadence, Retention: c.Agent.Retention}
	cfg.LoopDetection = c.Agent.LoopDetection && c.Agent.LoopDetectionWindow >= 2
	cfg.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	cfg.ProjectDocs = c.Agent.ProjectDocs
	cfg.UserInstructions = c.Agent.UserInstructions
	return cfg
}

// Selector converts the skill settings into a selector config. The
// reasoner is used only when LLM fallback is enabled.
func (c *Config) Selector(r reasoner.Reasoner) skills.SelectorConfig {
	cfg := skills.DefaultSelectorConfig()
	cfg.MaxActive = c.Skills.MaxActive
	cfg.MinScore = c.Skills.MinScore
	cfg.LLMFallback = c.Skills.LLMFallback
	if c.Skills.LLMFallback {
		cfg.Reasoner = r
	}
	return cfg
}

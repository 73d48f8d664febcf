package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/dmagent/compactor"
)

// isolate points the state directory at a temp dir and clears every
// variable Load consults.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DMAGENT_HOME", home)
	for _, name := range []string{
		"DMAGENT_PROVIDER", "DMAGENT_MODEL", "DMAGENT_API_KEY", "DMAGENT_WORKING_DIR",
		"DMAGENT_SKILLS_DIR", "DMAGENT_MCP_CONFIG", "DMAGENT_STORE_PATH", "DMAGENT_LOG_LEVEL",
		"DMAGENT_MAX_STEPS", "DMAGENT_TEMPERATURE",
		"DEEPSEEK_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
	} {
		t.Setenv(name, "")
	}
	return home
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(filepath.Join(home, "nope.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "deepseek", cfg.Reasoner.Provider)
	assert.Equal(t, 100, cfg.Agent.MaxSteps)
	assert.True(t, cfg.Agent.Planning)
	assert.Equal(t, filepath.Join(home, "skills"), cfg.Skills.Dir)
	assert.Equal(t, filepath.Join(home, "mcp_config.json"), cfg.MCP.ConfigPath)
	assert.Equal(t, filepath.Join(home, "history.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(home, "config.yaml"), DefaultPath())
	assert.Equal(t, 2*time.Minute, cfg.ShellTimeout())
	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
	assert.Equal(t, 10*time.Second, cfg.StartTimeout())
	assert.Equal(t, "deepseek-chat", cfg.Model())
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "config.yaml",
			content: `
reasoner:
  provider: openai
  model: gpt-4o
  temperature: 0.2
agent:
  max_steps: 20
  planning: false
skills:
  max_active: 2
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
  "reasoner": {"provider": "openai", "model": "gpt-4o", "temperature": 0.2},
  "agent": {"max_steps": 20, "planning": false},
  "skills": {"max_active": 2}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := isolate(t)
			cfg, err := Load(writeFile(t, home, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "openai", cfg.Reasoner.Provider)
			assert.Equal(t, "gpt-4o", cfg.Model())
			assert.Equal(t, 0.2, cfg.Reasoner.Temperature)
			assert.Equal(t, 20, cfg.Agent.MaxSteps)
			assert.False(t, cfg.Agent.Planning)
			assert.Equal(t, 2, cfg.Skills.MaxActive)

			// Unset keys keep their defaults.
			assert.True(t, cfg.Agent.Compaction)
			assert.Equal(t, compactor.DefaultCadence, cfg.Agent.Cadence)
		})
	}
}

func TestLoadParseError(t *testing.T) {
	home := isolate(t)
	_, err := Load(writeFile(t, home, "bad.yaml", "agent: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load(writeFile(t, home, "bad.json", "{"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "strings and numbers",
			env: map[string]string{
				"DMAGENT_PROVIDER":    "anthropic",
				"DMAGENT_MODEL":       "claude-opus",
				"DMAGENT_MAX_STEPS":   "7",
				"DMAGENT_TEMPERATURE": "0.5",
				"DMAGENT_STORE_PATH":  "/tmp/h.db",
				"DMAGENT_LOG_LEVEL":   "debug",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "anthropic", cfg.Reasoner.Provider)
				assert.Equal(t, "claude-opus", cfg.Reasoner.Model)
				assert.Equal(t, 7, cfg.Agent.MaxSteps)
				assert.Equal(t, 0.5, cfg.Reasoner.Temperature)
				assert.Equal(t, "/tmp/h.db", cfg.Store.Path)
				assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel())
			},
		},
		{
			name: "provider key fallback",
			env:  map[string]string{"DMAGENT_PROVIDER": "claude", "ANTHROPIC_API_KEY": "sk-ant"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-ant", cfg.Reasoner.APIKey)
			},
		},
		{
			name: "explicit key wins",
			env:  map[string]string{"DMAGENT_API_KEY": "sk-own", "DEEPSEEK_API_KEY": "sk-ds"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-own", cfg.Reasoner.APIKey)
			},
		},
		{
			name:    "bad max steps",
			env:     map[string]string{"DMAGENT_MAX_STEPS": "many"},
			wantErr: "DMAGENT_MAX_STEPS",
		},
		{
			name:    "bad temperature",
			env:     map[string]string{"DMAGENT_TEMPERATURE": "warm"},
			wantErr: "DMAGENT_TEMPERATURE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(filepath.Join(home, "missing.yaml"))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.Reasoner.Provider = "acme" }, wantErr: "invalid provider"},
		{name: "provider alias", mutate: func(c *Config) { c.Reasoner.Provider = "gemini" }},
		{name: "temperature", mutate: func(c *Config) { c.Reasoner.Temperature = 3 }, wantErr: "temperature"},
		{name: "negative retries", mutate: func(c *Config) { c.Reasoner.Retries = -1 }, wantErr: "retries"},
		{name: "zero steps", mutate: func(c *Config) { c.Agent.MaxSteps = 0 }, wantErr: "max_steps"},
		{name: "zero cadence", mutate: func(c *Config) { c.Agent.Cadence = 0 }, wantErr: "cadence"},
		{name: "negative window", mutate: func(c *Config) { c.Agent.LoopDetectionWindow = -1 }, wantErr: "loop_detection_window"},
		{name: "max active", mutate: func(c *Config) { c.Skills.MaxActive = 0 }, wantErr: "max_active"},
		{name: "min score", mutate: func(c *Config) { c.Skills.MinScore = -0.1 }, wantErr: "min_score"},
		{name: "bad duration", mutate: func(c *Config) { c.MCP.CallTimeout = "soon" }, wantErr: "mcp.call_timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Agent.ShellTimeout = "-1s" }, wantErr: "agent.shell_timeout"},
		{name: "empty duration", mutate: func(c *Config) { c.MCP.StartTimeout = "" }},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Reasoner.Provider = "ollama"
	cfg.Agent.MaxSteps = 12
	cfg.Agent.UserInstructions = "Be brief."
	cfg.Skills.Enabled = false

	path := filepath.Join(home, "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestOrchestratorConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Reasoner.Provider = "claude"
	cfg.Reasoner.Temperature = 0.3
	cfg.Reasoner.MaxTokens = 2048
	cfg.Agent.MaxSteps = 15
	cfg.Agent.Cadence = 4
	cfg.Agent.Retention = 2
	cfg.Agent.ReplanOnFailure = true

	oc := cfg.Orchestrator()
	assert.Equal(t, 15, oc.MaxSteps)
	assert.Equal(t, 0.3, oc.Temperature)
	assert.Equal(t, 2048, oc.MaxTokens)
	assert.Equal(t, "anthropic", oc.Provider)
	assert.Equal(t, "claude-sonnet-4-5", oc.Model)
	assert.Equal(t, compactor.Config{Cadence: 4, Retention: 2}, oc.Compactor)
	assert.True(t, oc.ReplanOnFailure)
	assert.True(t, oc.LoopDetection)

	cfg.Agent.LoopDetectionWindow = 1
	assert.False(t, cfg.Orchestrator().LoopDetection)
}

func TestSelectorConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Skills.MaxActive = 1
	cfg.Skills.MinScore = 0.5

	sc := cfg.Selector(nil)
	assert.Equal(t, 1, sc.MaxActive)
	assert.Equal(t, 0.5, sc.MinScore)
	assert.False(t, sc.LLMFallback)
	assert.Nil(t, sc.Reasoner)
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/dmagent/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workDir    string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dmagent",
	Short: "dmagent - LLM-driven task runner",
	Long: `dmagent executes natural-language tasks by letting a language model
reason step by step and invoke capabilities: file and shell tools, expert
skill bundles, and tools exposed by external MCP servers.

Configuration is read from ~/.dmagent/config.yaml (override with --config
or DMAGENT_HOME) and DMAGENT_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if workDir != "" {
		c.WorkingDir = workDir
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func buildLogger(c *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel())
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

// commandContext returns the command's context, or a background context
// when the command was invoked directly.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.dmagent/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", "", "Working directory for file and shell capabilities")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/dmagent/agentloop"
	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/config"
	"github.com/martinemde/dmagent/mcp"
	"github.com/martinemde/dmagent/reasoner"
	"github.com/martinemde/dmagent/service"
	"github.com/martinemde/dmagent/skills"
	"github.com/martinemde/dmagent/tools"
	"github.com/martinemde/dmagent/tracestore"
)

var (
	runSteps    int
	runProvider string
	runModel    string
	runNoPlan   bool
	runNoMCP    bool
	runJSON     bool
	runQuiet    bool
)

// runCmd executes a single task
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute a task through the reasoning loop",
	Long: `Runs a natural-language task to completion:
  1. Select expert skill bundles relevant to the task
  2. Ask the model for a step plan
  3. Reason, invoke a capability, and observe until the model finishes
     or the step budget runs out

Progress is written to stderr; the final answer to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().IntVarP(&runSteps, "steps", "n", 0, "Step budget (default: agent.max_steps)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "Reasoner provider (overrides config)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model name (overrides config)")
	runCmd.Flags().BoolVar(&runNoPlan, "no-plan", false, "Skip upfront planning")
	runCmd.Flags().BoolVar(&runNoMCP, "no-mcp", false, "Do not start external tool servers")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress output")
}

// newReasoner builds the reasoner for a run. Tests replace it.
var newReasoner = defaultReasoner

func defaultReasoner(c *config.Config, logger *zap.Logger) (reasoner.Reasoner, error) {
	info := reasoner.LookupProvider(c.Reasoner.Provider)
	if info == nil {
		return nil, fmt.Errorf("unknown provider %q", c.Reasoner.Provider)
	}
	if c.Reasoner.APIKey == "" && info.APIKeyEnv != "" {
		return nil, fmt.Errorf("no API key for provider %s: set %s or DMAGENT_API_KEY", info.Name, info.APIKeyEnv)
	}

	adapterOpts := []reasoner.GollmAdapterOption{reasoner.WithModel(c.Model())}
	if c.Reasoner.MaxTokens > 0 {
		adapterOpts = append(adapterOpts, reasoner.WithAdapterMaxTokens(c.Reasoner.MaxTokens))
	}
	adapter, err := reasoner.NewGollmAdapter(info.Name, c.Reasoner.APIKey, adapterOpts...)
	if err != nil {
		return nil, err
	}

	opts := []reasoner.ClientOption{
		reasoner.WithProvider(info.Name, adapter),
		reasoner.WithDefaultProvider(info.Name),
		reasoner.WithLogger(logger),
		reasoner.WithMiddleware(reasoner.LoggingMiddleware(logger)),
	}
	if c.Reasoner.Retries > 0 {
		policy := reasoner.DefaultRetryPolicy()
		policy.MaxRetries = c.Reasoner.Retries
		opts = append(opts, reasoner.WithMiddleware(reasoner.RetryMiddleware(policy, logger)))
	}
	return reasoner.NewClient(opts...), nil
}

// applyRunFlags folds the run flags into the loaded config.
func applyRunFlags(c *config.Config) error {
	if runProvider != "" {
		info := reasoner.LookupProvider(runProvider)
		if info == nil {
			return fmt.Errorf("invalid provider: %q (valid: %s)", runProvider, strings.Join(reasoner.ProviderNames(), ", "))
		}
		if info.Name != reasoner.LookupProvider(c.Reasoner.Provider).Name {
			c.Reasoner.Model = ""
			if os.Getenv("DMAGENT_API_KEY") == "" {
				c.Reasoner.APIKey = ""
				if info.APIKeyEnv != "" {
					c.Reasoner.APIKey = os.Getenv(info.APIKeyEnv)
				}
			}
		}
		c.Reasoner.Provider = info.Name
	}
	if runModel != "" {
		c.Reasoner.Model = runModel
	}
	if runNoPlan {
		c.Agent.Planning = false
	}
	if runNoMCP {
		c.MCP.Enabled = false
	}
	if runSteps < 0 {
		return fmt.Errorf("--steps must not be negative")
	}
	return nil
}

// buildLibrary loads the built-in and custom skill bundles.
func buildLibrary(c *config.Config, logger *zap.Logger) (*skills.Library, error) {
	if !c.Skills.Enabled {
		return nil, nil
	}
	library := skills.NewLibrary(skills.WithLibraryLogger(logger))
	if c.Skills.Builtin {
		library.LoadBuiltin()
	}
	if c.Skills.Dir != "" {
		n, err := library.LoadDir(c.Skills.Dir)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			logger.Info("custom skills loaded", zap.Int("count", n), zap.String("dir", c.Skills.Dir))
		}
	}
	return library, nil
}

// buildManager creates the external tool server manager without starting it.
func buildManager(c *config.Config, logger *zap.Logger) (*mcp.Manager, error) {
	mcpCfg, err := mcp.LoadConfig(c.MCP.ConfigPath)
	if err != nil {
		return nil, err
	}
	clientOpts := []mcp.ClientOption{mcp.WithLogger(logger)}
	if d := c.CallTimeout(); d > 0 {
		clientOpts = append(clientOpts, mcp.WithCallTimeout(d))
	}
	if d := c.StartTimeout(); d > 0 {
		clientOpts = append(clientOpts, mcp.WithStartTimeout(d))
	}
	return mcp.NewManager(mcpCfg,
		mcp.WithManagerLogger(logger),
		mcp.WithClientOptions(clientOpts...)), nil
}

// buildService wires the capability registry, skills, external tools, and
// the trace store around r. The returned cleanup closes everything.
func buildService(c *config.Config, r reasoner.Reasoner, logger *zap.Logger) (*service.Service, func(), error) {
	env := tools.NewLocalEnvironment(c.WorkingDir)
	base := capability.NewRegistry()
	toolOpts := []tools.Option{tools.WithLogger(logger)}
	if d := c.ShellTimeout(); d > 0 {
		toolOpts = append(toolOpts, tools.WithShellTimeout(d))
	}
	tools.Register(base, env, toolOpts...)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithAgentConfig(c.Orchestrator()),
		service.WithEnvironment(env),
	}

	library, err := buildLibrary(c, logger)
	if err != nil {
		return nil, nil, err
	}
	if library != nil {
		opts = append(opts, service.WithSkills(library, c.Selector(r)))
	}

	if c.MCP.Enabled {
		manager, err := buildManager(c, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, service.WithMCP(manager))
	}

	var store *tracestore.Store
	if c.Store.Enabled {
		store, err = tracestore.Open(c.Store.Path, tracestore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, service.WithStore(store))
	}

	svc := service.New(r, base, opts...)
	cleanup := func() {
		svc.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close trace store", zap.Error(err))
			}
		}
	}
	return svc, cleanup, nil
}

func runTask(cmd *cobra.Command, args []string) error {
	task := joinArgs(args)
	if err := applyRunFlags(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newReasoner(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	svc, cleanup, err := buildService(cfg, r, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	svc.Start(ctx)

	sessionID, err := svc.CreateSession()
	if err != nil {
		return err
	}
	events, unsubscribe, err := svc.Subscribe(sessionID, 0)
	if err != nil {
		return err
	}
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if runQuiet {
				continue
			}
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
		}
	}()

	result, runErr := svc.RunTask(ctx, sessionID, task, runSteps)

	// Deleting the session closes the subscription once its events drain.
	if err := svc.DeleteSession(sessionID); err != nil {
		logger.Warn("failed to delete session", zap.Error(err))
	}
	<-done

	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Fprintln(out, result.FinalAnswer)
	return nil
}

// formatEvent renders a progress line for ev, or "" for events that are
// not shown.
func formatEvent(ev agentloop.Event) string {
	switch ev.Kind {
	case agentloop.EventTaskStart:
		return fmt.Sprintf("▶ task started (budget %v)", ev.Data["step_budget"])
	case agentloop.EventSkillsSelected:
		names, _ := ev.Data["skills"].([]string)
		return "◆ skills: " + strings.Join(names, ", ")
	case agentloop.EventPlanCreated:
		return fmt.Sprintf("◆ plan (%v steps)\n%v", ev.Data["steps"], ev.Data["plan"])
	case agentloop.EventPlanUpdated:
		if replanned, _ := ev.Data["replanned"].(bool); replanned {
			return fmt.Sprintf("◆ replanned (%v steps)\n%v", ev.Data["steps"], ev.Data["plan"])
		}
		return fmt.Sprintf("◆ plan step %v completed", ev.Data["completed_step"])
	case agentloop.EventCompaction:
		return fmt.Sprintf("◆ conversation compacted (%v → %v turns)", ev.Data["original_count"], ev.Data["compacted_count"])
	case agentloop.EventStep:
		if ev.Step == nil {
			return ""
		}
		return formatStep(*ev.Step)
	case agentloop.EventLoopDetected:
		return fmt.Sprintf("⚠ %v", ev.Data["message"])
	case agentloop.EventError:
		return fmt.Sprintf("✗ %v", ev.Data["error"])
	case agentloop.EventFinal:
		return fmt.Sprintf("■ %v after %v steps", ev.Data["state"], ev.Data["steps"])
	}
	return ""
}

func formatStep(rec agentloop.StepRecord) string {
	label := rec.Capability
	if label == "" {
		label = "(none)"
	}
	line := fmt.Sprintf("[%d] %s %s → %s", rec.Index, label, rec.Arguments.JSON(), firstLine(rec.Observation, 120))
	if rec.Err != "" {
		line += " (" + string(rec.Err) + ")"
	}
	return line
}

// firstLine returns the first line of s, cut to at most n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/dmagent/mcp"
)

var (
	serverArgs     []string
	serverEnv      []string
	serverDisabled bool
)

// serversCmd manages external MCP tool servers
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage external MCP tool servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Args:  cobra.NoArgs,
	RunE:  listServers,
}

var serversAddCmd = &cobra.Command{
	Use:   "add [name] [command]",
	Short: "Add or replace a server",
	Long: `Adds a stdio MCP server to the server config.

Example:
  dmagent servers add fs npx --arg -y --arg @modelcontextprotocol/server-filesystem --arg /tmp`,
	Args: cobra.ExactArgs(2),
	RunE: addServer,
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a server",
	Args:  cobra.ExactArgs(1),
	RunE:  removeServer,
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start the enabled servers and list the capabilities they expose",
	Args:  cobra.NoArgs,
	RunE:  listServerTools,
}

func init() {
	serversAddCmd.Flags().StringArrayVar(&serverArgs, "arg", nil, "Command argument (repeatable)")
	serversAddCmd.Flags().StringArrayVar(&serverEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	serversAddCmd.Flags().BoolVar(&serverDisabled, "disabled", false, "Add the server disabled")

	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversAddCmd)
	serversCmd.AddCommand(serversRemoveCmd)
	serversCmd.AddCommand(serversToolsCmd)
}

func listServers(cmd *cobra.Command, args []string) error {
	mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(mcpCfg.Servers) == 0 {
		fmt.Fprintf(out, "No servers configured in %s.\n", cfg.MCP.ConfigPath)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tCOMMAND")
	for _, name := range mcpCfg.Names() {
		s := mcpCfg.Servers[name]
		fmt.Fprintf(w, "%s\t%t\t%s\n", name, s.Enabled, strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")))
	}
	return w.Flush()
}

func addServer(cmd *cobra.Command, args []string) error {
	env, err := parseEnv(serverEnv)
	if err != nil {
		return err
	}
	mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		return err
	}
	mcpCfg.AddServer(mcp.ServerConfig{
		Name:    args[0],
		Command: args[1],
		Args:    serverArgs,
		Env:     env,
		Enabled: !serverDisabled,
	})
	if err := mcp.SaveConfig(mcpCfg, cfg.MCP.ConfigPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server %s saved to %s\n", args[0], cfg.MCP.ConfigPath)
	return nil
}

func removeServer(cmd *cobra.Command, args []string) error {
	mcpCfg, err := mcp.LoadConfig(cfg.MCP.ConfigPath)
	if err != nil {
		return err
	}
	if _, ok := mcpCfg.Servers[args[0]]; !ok {
		return fmt.Errorf("server %q is not configured", args[0])
	}
	mcpCfg.RemoveServer(args[0])
	if err := mcp.SaveConfig(mcpCfg, cfg.MCP.ConfigPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server %s removed\n", args[0])
	return nil
}

func listServerTools(cmd *cobra.Command, args []string) error {
	manager, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.StopAll()

	out := cmd.OutOrStdout()
	started := manager.StartAll(commandContext(cmd))
	for name, running := range manager.ServerStatus() {
		if !running && manager.Config().Servers[name].Enabled {
			fmt.Fprintf(cmd.ErrOrStderr(), "server %s failed to start\n", name)
		}
	}
	tools := manager.Tools()
	if len(tools) == 0 {
		fmt.Fprintf(out, "%d servers started, no tools exposed.\n", started)
		return nil
	}
	for _, d := range tools {
		fmt.Fprintf(out, "%s\n    %s\n", d.Name, strings.ReplaceAll(d.Description, "\n", "\n    "))
	}
	return nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

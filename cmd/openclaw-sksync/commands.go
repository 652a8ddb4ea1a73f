package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openclaw-sksync",
		Short: "Super-Kanban session-lifecycle integration plugin",
		Long: `openclaw-sksync exports OpenClaw agent session transcripts into
Super-Kanban, runs the in-process session controller that spawns or reuses
agent sessions on behalf of board-driven work, and offers an offline
reconciler that replays archived transcripts idempotently.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildReconcileCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that runs the live plugin: the
// spool engine tailing transcripts, the session controller reacting to
// lifecycle hooks, and the WebSocket gateway the embedding agent runtime
// connects through.
func buildServeCmd() *cobra.Command {
	var (
		configPath        string
		allowPrivateHost  bool
		runtimeSessionKey string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the spool engine, session controller, and gateway",
		Long: `Start the live plugin.

The server will:
1. Load and validate configuration from the given file
2. Validate the Super-Kanban base URL is not a blocked/internal host
3. Start the spool engine's tail/send loop
4. Start the session controller, wired to agent_end/subagent_spawned/subagent_ended hooks
5. Start the WebSocket gateway the embedding agent runtime binds sessions through
6. Optionally expose Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, serveOptions{
				configPath:        configPath,
				allowPrivateHost:  allowPrivateHost,
				runtimeSessionKey: runtimeSessionKey,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sksync.yaml", "Path to YAML/JSON5 configuration file")
	cmd.Flags().BoolVar(&allowPrivateHost, "allow-private-sk-host", false, "Skip the SSRF guard on superKanban.baseUrl (intranet deployments)")
	cmd.Flags().StringVar(&runtimeSessionKey, "runtime-session-key", defaultRuntimeSessionKey, "Session key the embedding agent runtime binds its control connection under")

	return cmd
}

// buildReconcileCmd creates the "reconcile" command: the offline replay
// engine that walks archived transcripts and re-emits idempotent posts.
func buildReconcileCmd() *cobra.Command {
	opts := reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay archived transcripts against Super-Kanban",
		Long: `Walk every session under --state-dir matching the given filters,
re-deriving the same messageKey/toolCallKey posts the live spool engine
would have sent. In --dry-run (the default) no HTTP requests are issued; in
--fix mode posts are actually sent and newly resolved hashed-task labels
are persisted to the label map.`,
		Example: `  # Report counts without sending anything
  openclaw-sksync reconcile --dry-run --state-dir ~/.openclaw

  # Replay for real, limited to one agent
  openclaw-sksync reconcile --fix --state-dir ~/.openclaw --agent orion`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.fix, "fix", false, "Actually post to Super-Kanban and persist label-map resolutions")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Report what would be sent without issuing requests (default when neither flag is set)")
	flags.StringVar(&opts.stateDir, "state-dir", "", "OpenClaw state directory root (required)")
	flags.StringSliceVar(&opts.agentAllow, "agent", nil, "Restrict to these agent ids (repeatable)")
	flags.StringVar(&opts.sessionID, "session-id", "", "Restrict to a single session id")
	flags.StringVar(&opts.sessionKey, "session-key", "", "Restrict to a single derived session key")
	flags.IntVar(&opts.maxSessions, "max-sessions", 0, "Cap the number of sessions visited (0 = unlimited)")
	flags.IntVar(&opts.preview, "preview", 0, "Number of preview lines to include per session in the report")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Emit the report as JSON instead of human-readable text")
	flags.StringVar(&opts.baseURL, "base-url", "", "Super-Kanban base URL (overrides config/env)")
	flags.StringVar(&opts.token, "token", "", "Super-Kanban bearer token (overrides config/env)")
	flags.StringVar(&opts.authHeader, "auth-header", "", "Super-Kanban auth header override, \"Name: value\"")
	flags.StringVar(&opts.attachPath, "attach-path", "", "Attach endpoint path override")
	flags.StringVar(&opts.messagesPath, "messages-path", "", "Messages endpoint path override")
	flags.StringVar(&opts.toolCallsPath, "tool-calls-path", "", "Tool-calls endpoint path override")
	flags.StringVar(&opts.configPath, "config", "", "Optional config file to source defaults from")
	flags.StringVar(&opts.labelMapPath, "label-map", "", "Label-map path override")
	flags.BoolVar(&opts.allowPrivateHost, "allow-private-sk-host", false, "Skip the SSRF guard on --base-url/config baseUrl")

	return cmd
}

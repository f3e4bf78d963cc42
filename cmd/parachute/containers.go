package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/sandbox"
	"github.com/parachute-run/parachute/internal/sessions"
)

// buildContainersCmd creates the "containers" command group for
// inspecting and managing the Container Sandbox Manager's docker state.
func buildContainersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Inspect and manage sandbox containers",
	}
	cmd.AddCommand(
		buildContainersStatusCmd(),
		buildContainersReconcileCmd(),
		buildContainersStopCmd(),
		buildContainersRemoveEnvCmd(),
	)
	return cmd
}

func openSandboxManager(configPath string) (*sandbox.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return sandbox.NewManager(cfg.VaultPath, os.Getenv("ANTHROPIC_API_KEY"), nil), nil
}

func buildContainersStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report docker and sandbox image availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openSandboxManager(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			available := mgr.IsAvailable(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "docker available: %t\n", available)
			if available {
				fmt.Fprintf(cmd.OutOrStdout(), "sandbox image present: %t\n", mgr.ImageExists(ctx))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildContainersReconcileCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile sandbox containers against the session store",
		Long: `Reconcile removes containers from an obsolete image generation,
orphaned per-session containers whose session no longer exists, and
containers whose baked-in config no longer matches the current
configuration. Named-environment containers are left running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			mgr := sandbox.NewManager(cfg.VaultPath, os.Getenv("ANTHROPIC_API_KEY"), nil)

			active, err := activeSessionIDs(cmd, store)
			if err != nil {
				return err
			}
			if err := mgr.Reconcile(cmd.Context(), active); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reconcile complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildContainersStopCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session's sandbox container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openSandboxManager(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if err := mgr.StopSessionContainer(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stop container: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "container for session %s stopped\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildContainersRemoveEnvCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rm-env <slug>",
		Short: "Remove a named environment's shared container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openSandboxManager(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if err := mgr.DeleteNamedContainer(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove environment container: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "environment %s container removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// activeSessionIDs lists every non-archived session so Reconcile can
// tell an orphaned container from one still in use.
func activeSessionIDs(cmd *cobra.Command, store sessions.Store) (map[string]bool, error) {
	notArchived := false
	list, err := store.List(cmd.Context(), sessions.ListOptions{Archived: &notArchived})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	active := make(map[string]bool, len(list))
	for _, s := range list {
		active[s.ID] = true
	}
	return active, nil
}

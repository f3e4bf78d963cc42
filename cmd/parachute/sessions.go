package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/pkg/models"
)

// buildSessionsCmd creates the "sessions" command group for inspecting
// and managing the Session Store from the command line.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsArchiveCmd(),
		buildSessionsUnarchiveCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		module     string
		source     string
		archived   bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, resolveConfigPath(configPath), module, source, archived, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&module, "module", "", "Filter by module")
	cmd.Flags().StringVar(&source, "source", "", "Filter by source (cli, web, telegram, discord, matrix)")
	cmd.Flags().BoolVar(&archived, "archived", false, "Show only archived sessions")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of sessions to return")
	return cmd
}

func runSessionsList(cmd *cobra.Command, configPath, module, source string, archived bool, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	opts := sessions.ListOptions{Module: module, Limit: limit}
	if source != "" {
		opts.Source = models.SessionSource(strings.ToLower(strings.TrimSpace(source)))
	}
	if cmd.Flags().Changed("archived") {
		opts.Archived = &archived
	}

	list, err := store.List(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODULE\tSOURCE\tTRUST\tARCHIVED\tLAST ACCESSED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			s.ID, s.Module, s.Source, s.TrustLevel, s.Archived, s.LastAccessed.Format(time.RFC3339))
	}
	return w.Flush()
}

func buildSessionsArchiveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsSetArchived(cmd, resolveConfigPath(configPath), args[0], true)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildSessionsUnarchiveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "unarchive <session-id>",
		Short: "Unarchive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsSetArchived(cmd, resolveConfigPath(configPath), args[0], false)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runSessionsSetArchived(cmd *cobra.Command, configPath, sessionID string, archived bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	if archived {
		err = store.Archive(cmd.Context(), sessionID)
	} else {
		err = store.Unarchive(cmd.Context(), sessionID)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s updated\n", sessionID)
	return nil
}

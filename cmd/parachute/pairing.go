package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/pkg/models"
)

// buildPairingCmd creates the "pairing" command group, giving an
// operator a way to approve or deny a bot connector's pending pairing
// requests from unknown senders (spec §4.5).
func buildPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve or deny bot connector pairing requests",
	}
	cmd.AddCommand(
		buildPairingListCmd(),
		buildPairingApproveCmd(),
		buildPairingDenyCmd(),
	)
	return cmd
}

func buildPairingListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list <platform> <platform-user-id>",
		Short: "Show the pending pairing request for a platform user, if any",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingList(cmd, resolveConfigPath(configPath), args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runPairingList(cmd *cobra.Command, configPath, platform, platformUserID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	req, err := store.GetPendingPairingRequest(cmd.Context(), models.ChannelType(platform), platformUserID)
	if errors.Is(err, sessions.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending pairing request for that user.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pending pairing request: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tUSER\tCHAT ID\tSTATUS\tCREATED")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		req.ID, req.Platform, req.PlatformUserDisplay, req.PlatformChatID, req.Status, req.CreatedAt.Format(time.RFC3339))
	return w.Flush()
}

func buildPairingApproveCmd() *cobra.Command {
	var (
		configPath string
		trust      string
	)
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingResolve(cmd, resolveConfigPath(configPath), args[0], models.PairingApproved, models.TrustLevel(trust))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&trust, "trust", string(models.TrustSandboxed), "Trust level to grant (direct, sandboxed)")
	return cmd
}

func buildPairingDenyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingResolve(cmd, resolveConfigPath(configPath), args[0], models.PairingDenied, "")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runPairingResolve(cmd *cobra.Command, configPath, requestID string, status models.PairingStatus, trust models.TrustLevel) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}

	if err := store.ResolvePairingRequest(cmd.Context(), requestID, status, trust, "operator-cli"); err != nil {
		return fmt.Errorf("resolve pairing request %s: %w", requestID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pairing request %s %s\n", requestID, status)
	return nil
}

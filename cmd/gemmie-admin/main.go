// Command gemmie-admin drives the operator endpoints of a running api-service.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	timeout    time.Duration
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gemmie-admin",
		Short:        "Operate the Gemmie response scheduler",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "url", envOr("GEMMIE_ADMIN_URL", "http://localhost:8080"), "api-service base URL")
	root.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("GEMMIE_ADMIN_TOKEN"), "admin token (default $GEMMIE_ADMIN_TOKEN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(cancelPendingCmd())
	root.AddCommand(cleanupOrphansCmd())
	return root
}

func cancelPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-pending",
		Short: "Cancel the scheduled reply, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient(serverURL, adminToken, timeout).CancelPending(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Canceled {
				fmt.Fprintln(cmd.OutOrStdout(), "pending reply canceled")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing was pending")
			}
			return nil
		},
	}
}

func cleanupOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-orphans",
		Short: "Drop a pending record whose job will never run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient(serverURL, adminToken, timeout).CleanupOrphans(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "action: %s\n", resp.Action)
			if resp.JobID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "job:    %s\n", resp.JobID)
			}
			if resp.Reason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", resp.Reason)
			}
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// cmd/ledgerctl/main.go

// Command ledgerctl is the operator CLI for the commission ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-commission/internal/app"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/database"
	"github.com/javajoker/imi-commission/internal/utils"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the commission ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(ratesCmd())
	root.AddCommand(callbacksCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(secretCmd())

	return root
}

// openApp connects with the environment's configuration. The job client is
// built but not started, so commands can enqueue without working the queue.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return app.New(ctx, cfg, app.NewLogger(cfg))
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and job queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.RunMigrations(cmd.Context(), a.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID   string
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			utils.SetJWTConfig(cfg.JWT.SecretKey, cfg.JWT.Issuer)
			return issueToken(cmd, userID, username, role, ttl)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "operator user ID (random when empty)")
	cmd.Flags().StringVar(&username, "username", "operator", "operator name recorded in audit logs")
	cmd.Flags().StringVar(&role, "role", utils.RoleOperator, "admin or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	return cmd
}

func issueToken(cmd *cobra.Command, userID, username, role string, ttl time.Duration) error {
	if role != utils.RoleAdmin && role != utils.RoleOperator {
		return fmt.Errorf("unknown role %q", role)
	}
	id := uuid.New()
	if userID != "" {
		parsed, err := uuid.Parse(userID)
		if err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
		id = parsed
	}
	token, err := utils.GenerateJWT(id, username, role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func secretCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a gateway signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := utils.GenerateSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "random bytes before hex encoding")
	return cmd
}

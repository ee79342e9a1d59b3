package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/FormDrop/internal/app"
	"github.com/dharsanguruparan/FormDrop/internal/config"
	"github.com/dharsanguruparan/FormDrop/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "formdrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formdrop",
		Short: "FormDrop maintenance CLI",
		Long: `FormDrop CLI runs maintenance tasks against the configured stores: schema
migration, record export, retention purges and temp upload sweeps. It reads the
same FORMDROP_* environment as the server.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newExportCmd(),
		newGroupsCmd(),
		newGDPRCmd(),
		newUploadsCmd(),
	)
	return cmd
}

// withCore loads the configuration and opens the shared components for the
// duration of fn.
func withCore(ctx context.Context, fn func(*app.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	core, err := app.NewCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}

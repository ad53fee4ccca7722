// Command gasstation runs the gas station server, its background routines and
// its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/gasstation/internal/config"
	"github.com/R3E-Network/gasstation/internal/logging"
)

type app struct {
	configPath string
	cfg        *config.Config
	log        *logging.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "gasstation",
		Short:         "Lend fee-paying accounts and co-sign client transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.New("gasstation", cfg.Logging)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("GASSTATION_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(
		newServeCommand(a),
		newRoutinesCommand(a),
		newMigrateCommand(a),
		newAccountsCommand(a),
	)
	return cmd
}

package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func newRoutinesCommand(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "Run the background routines without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeBackends, err := a.openStation(ctx)
			if err != nil {
				return err
			}
			defer closeBackends()

			if err := st.RegisterRoutines(); err != nil {
				return err
			}
			if once {
				st.Scheduler.TriggerAll()
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st.Scheduler.LastRuns())
			}

			if err := st.Scheduler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return st.Scheduler.Stop(stopCtx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run every routine once and exit")
	return cmd
}

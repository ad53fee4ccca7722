package main

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/gasstation/services/gasstation/httpapi"
)

func newServeCommand(a *app) *cobra.Command {
	var withRoutines bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeBackends, err := a.openStation(ctx)
			if err != nil {
				return err
			}
			defer closeBackends()

			if _, err := st.Pool.Init(ctx); err != nil {
				return err
			}
			if withRoutines {
				if err := st.RegisterRoutines(); err != nil {
					return err
				}
				if err := st.Scheduler.Start(ctx); err != nil {
					return err
				}
			}

			api := httpapi.New(st)
			api.StartCleanup(ctx)
			srv := api.HTTPServer()

			errCh := make(chan error, 1)
			go func() {
				a.log.WithField("addr", srv.Addr).Info("gas station listening")
				if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.WithError(err).Warn("http shutdown incomplete")
			}
			return st.Scheduler.Stop(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&withRoutines, "routines", true, "run the background routines in this process")
	return cmd
}

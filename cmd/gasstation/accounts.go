package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/gasstation/internal/database/migrations"
	"github.com/R3E-Network/gasstation/services/gasstation/pool"
	"github.com/R3E-Network/gasstation/services/gasstation/store"
)

func newAccountsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and maintain the account pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Register the derived pool accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, closeBackends, err := a.openStation(cmd.Context())
				if err != nil {
					return err
				}
				defer closeBackends()

				addresses, err := st.Pool.Init(cmd.Context())
				if err != nil {
					return err
				}
				for _, addr := range addresses {
					fmt.Fprintln(cmd.OutOrStdout(), addr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "funder: %s\n", st.Keys.FunderAddress())
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List pool accounts and their state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, closeBackends, err := a.openStation(cmd.Context())
				if err != nil {
					return err
				}
				defer closeBackends()

				accounts, err := st.Pool.List(cmd.Context())
				if err != nil {
					return err
				}
				summary, err := st.Pool.Summarize(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				return writeJSON(cmd, struct {
					Accounts []store.Account `json:"accounts"`
					Summary  pool.Summary    `json:"summary"`
				}{accounts, summary})
			},
		},
		&cobra.Command{
			Use:   "unlock-all",
			Short: "Clear every account lock",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, closeBackends, err := a.openStation(cmd.Context())
				if err != nil {
					return err
				}
				defer closeBackends()

				n, err := st.Pool.UnlockAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked %d accounts\n", n)
				return nil
			},
		},
	)
	return cmd
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printVersion(cmd *cobra.Command, db *sql.DB) error {
	version, dirty, err := migrations.Version(db)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}

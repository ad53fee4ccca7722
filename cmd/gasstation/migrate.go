package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/gasstation/internal/database/migrations"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				if err := migrations.Up(db.DB); err != nil {
					return err
				}
				return printVersion(cmd, db.DB)
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n <= 0 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				if err := migrations.Down(db.DB, steps); err != nil {
					return err
				}
				return printVersion(cmd, db.DB)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := a.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				return printVersion(cmd, db.DB)
			},
		},
	)
	return cmd
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cursorwin/internal/appconfig"
	"pkt.systems/cursorwin/internal/sqlcursor"
	"pkt.systems/pslog"
)

func newSeedCmd() *cobra.Command {
	var cfgPath string
	var rows int
	cmd := &cobra.Command{
		Use:   "seed [table...]",
		Short: "Create and fill demo tables in the SQLite store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Source.Driver != appconfig.DriverSQLite {
				return fmt.Errorf("seed needs the %s driver, config uses %q", appconfig.DriverSQLite, cfg.Source.Driver)
			}
			if rows <= 0 {
				rows = cfg.Source.SeedRows
			}
			if rows <= 0 {
				return errors.New("row count must be positive")
			}
			tables := args
			if len(tables) == 0 {
				for _, tc := range cfg.Source.Tables {
					if tc.Key == seedKey {
						tables = append(tables, tc.Name)
					}
				}
			}
			if len(tables) == 0 {
				return errors.New("no tables to seed")
			}

			store, err := sqlcursor.Open(ctx, cfg.Source.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			for _, table := range tables {
				n, err := store.Seed(ctx, table, rows)
				if err != nil {
					return err
				}
				if n == 0 {
					logger.Info("seed skipped", "table", table, "reason", "table not empty")
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", table, n); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVarP(&rows, "rows", "n", 0, "rows per table (default source.seed_rows)")
	return cmd
}

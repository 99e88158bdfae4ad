package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"pairhub/cmd/internal/app"
	"pairhub/cmd/internal/audit"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the audit schema",
		Long:      "Applies the embedded audit migrations to PAIRHUB_DATABASE_URL. Defaults to up.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			cfg, err := app.LoadConfig(opts.envFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return errors.New("migrate: PAIRHUB_DATABASE_URL is not set")
			}
			dsn, err := withSearchPath(cfg.DatabaseURL, cfg.DBSchema)
			if err != nil {
				return err
			}

			err = audit.Migrate(dsn, direction)
			switch {
			case errors.Is(err, audit.ErrNoChange):
				fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: no change\n", direction)
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", direction)
			return nil
		},
	}
}

// withSearchPath points the migration connection at schema so the audit
// table lands where the server reads it. "public" leaves dsn unchanged.
func withSearchPath(dsn, schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" || schema == "public" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("migrate: DATABASE_URL must be a URL to use DB_SCHEMA=%s", schema)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

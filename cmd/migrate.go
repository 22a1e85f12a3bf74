package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/migrations"
)

// openDB is swapped in tests.
var openDB = migrations.Open

func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate [" + strings.Join(migrations.Commands, "|") + "]",
		Short: "Applies the Postgres schema migrations (default: up)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if !slices.Contains(migrations.Commands, command) {
				return fmt.Errorf("unknown migrate command %q", command)
			}
			if dsn == "" {
				dsn = e.cfg.DB.DSN
			}
			if dsn == "" {
				return errors.New("db.dsn or --dsn is required")
			}
			db, err := openDB(dsn)
			if err != nil {
				return err
			}
			defer closeDB(db, e.logger)
			e.logger.Info("running migrations", zap.String("command", command))
			return migrations.Apply(db, command, e.logger)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN, overrides db.dsn")
	return cmd
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

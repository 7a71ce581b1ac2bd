package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/logging"
)

// NewMigrateCmd creates the migrate command and its up, down and version subcommands.
func NewMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withMigrationDB(c.Context(), opts, func(db *database.DB, cfg *config.Config, logger *zap.Logger) error {
				sqlDB := db.SQL()
				defer sqlDB.Close()
				return database.RunMigrations(sqlDB, cfg.MigrationsPath, logger)
			})
		},
	}

	down := &cobra.Command{
		Use:   "down N",
		Short: "Roll back the last N migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil || steps <= 0 {
				return fmt.Errorf("N must be a positive integer, got %q", args[0])
			}
			return withMigrationDB(c.Context(), opts, func(db *database.DB, cfg *config.Config, logger *zap.Logger) error {
				sqlDB := db.SQL()
				defer sqlDB.Close()
				return database.RollbackMigrations(sqlDB, cfg.MigrationsPath, steps, logger)
			})
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withMigrationDB(c.Context(), opts, func(db *database.DB, cfg *config.Config, logger *zap.Logger) error {
				sqlDB := db.SQL()
				defer sqlDB.Close()
				v, dirty, err := database.MigrationVersion(sqlDB, cfg.MigrationsPath, logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func withMigrationDB(ctx context.Context, opts *rootOptions, fn func(*database.DB, *config.Config, *zap.Logger) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: 2,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db, cfg, logger)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/liamcoop/storagerules/internal/logger"
)

var (
	databaseURL    string
	migrationsPath string
)

var log = logger.Named("migrate")

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema of the metadata store",
	Long: `migrate applies the migrations/ directory to the PostgreSQL metadata store.

The database URL comes from --database, STORAGE_RULES_DATABASE_URL or DATABASE_URL.
SQLite databases are initialised by the server itself.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database URL")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "path to the migrations directory")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  withMigrate(up),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE:  withMigrate(down),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE:  withMigrate(version),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE:  withMigrate(force),
		},
	)
}

func resolveDatabaseURL() (string, error) {
	for _, v := range []string{databaseURL, os.Getenv("STORAGE_RULES_DATABASE_URL"), os.Getenv("DATABASE_URL")} {
		if v != "" {
			return v, nil
		}
	}
	return "", errors.New("database URL is required: use --database or STORAGE_RULES_DATABASE_URL")
}

func withMigrate(run func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		url, err := resolveDatabaseURL()
		if err != nil {
			return err
		}
		log.Info("connecting to database", "migrations", migrationsPath)

		m, err := migrate.New("file://"+migrationsPath, url)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		defer m.Close()
		return run(m, args)
	}
}

func up(m *migrate.Migrate, _ []string) error {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no migrations to run, database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("migrations completed")
	return nil
}

func down(m *migrate.Migrate, _ []string) error {
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.Info("rollback completed")
	return nil
}

func version(m *migrate.Migrate, _ []string) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info("no migration applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	log.Info("current version", "version", v, "dirty", dirty)
	return nil
}

func force(m *migrate.Migrate, args []string) error {
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %w", err)
	}
	if err := m.Force(v); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	log.Info("forced version", "version", v)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

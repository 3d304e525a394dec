// cmd/dagflow-migrate/main.go
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/dagflow/internal/config"
	"github.com/ignatij/dagflow/internal/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{Use: "dagflow-migrate", SilenceUsage: true}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply (default) or roll back database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load .env if present
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found or failed to load: %v", err)
		}

		connStr, err := connectionString(cmd)
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("path")

		m, err := migrate.New("file://"+source, connStr)
		if err != nil {
			return fmt.Errorf("failed to initialize migrations: %w", err)
		}
		defer m.Close()

		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		if direction == "down" {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("No migrations to apply")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to apply migrations %s: %w", direction, err)
		}
		version, dirty, _ := m.Version()
		fmt.Printf("Migrations applied successfully (%s), schema version %d, dirty=%t\n", direction, version, dirty)
		return nil
	},
}

// connectionString prefers --db, then DAGFLOW_DATABASE_DSN, then the DB_*
// variables.
func connectionString(cmd *cobra.Command) (string, error) {
	if connStr, _ := cmd.Flags().GetString("db"); connStr != "" {
		return connStr, nil
	}
	v := viper.New()
	config.BindEnv(v)
	if dsn := v.GetString("database.dsn"); dsn != "" {
		return dsn, nil
	}

	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", errors.New("--db flag, DAGFLOW_DATABASE_DSN or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DAGFLOW_DATABASE_DSN or DB_* env vars are set)")
	migrateCmd.Flags().String("path", "migrations", "directory holding the migration files")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds a migrated database running in a throwaway container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// SetupTestDB starts PostgreSQL, applies the migrations and connects. The
// test is skipped when the DB_* variables are not set (directly or in .env)
// or no container runtime is available.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbHost := os.Getenv("DB_HOST")
	if dbUsername == "" || dbPassword == "" || dbName == "" || dbHost == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD, DB_NAME and DB_HOST must be set for Postgres tests")
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     dbUsername,
				"POSTGRES_PASSWORD": dbPassword,
				"POSTGRES_DB":       dbName,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	td := &TestDB{container: pgContainer}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		td.fail(t, "Failed to read mapped port", err)
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	if td.DB, err = sqlx.Open("postgres", td.ConnStr); err != nil {
		td.fail(t, "Failed to connect to test DB", err)
	}
	for i := 0; ; i++ {
		if err = td.DB.Ping(); err == nil {
			break
		}
		if i == 9 {
			td.fail(t, "Failed to ping test DB after retries", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := migrate.New("file://"+migrationsDir(t), td.ConnStr)
	if err != nil {
		td.fail(t, "Failed to initialize migrations", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		td.fail(t, "Failed to apply migrations", err)
	}
	return td
}

func (td *TestDB) fail(t *testing.T, msg string, err error) {
	t.Helper()
	if td.DB != nil {
		_ = td.DB.Close()
	}
	if errTerminate := td.container.Terminate(context.Background()); errTerminate != nil {
		t.Logf("Failed to terminate container: %v", errTerminate)
	}
	t.Fatalf("%s: %v", msg, err)
}

// migrationsDir walks up from the package under test to the repository's
// migrations directory.
func migrationsDir(t *testing.T) string {
	dir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("migrations directory not found")
		}
		dir = parent
	}
}

// Reset empties every table so subtests start from a clean database.
func (td *TestDB) Reset(t *testing.T) {
	_, err := td.DB.Exec("TRUNCATE execution_logs, task_executions, runs, workflow_versions, workflows RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("Failed to reset test DB: %v", err)
	}
}

// Teardown cleans up the test database and container
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}

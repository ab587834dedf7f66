// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/wagerescrow/migrations"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a migrated test database and returns the *sql.DB plus a
// cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a PostgreSQL
// container is started once per test binary; if Docker is not available
// the test is skipped. The cleanup function truncates all application
// tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = startContainer(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

func startContainer(t *testing.T) string {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("POSTGRES_URL not set and Docker is not available, skipping integration test")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		// The container outlives the test binary's last test; the
		// testcontainers reaper removes it.
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("wagerescrow"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("pgtest: start postgres container: %v", containerErr)
	}
	return containerURL
}

// truncateAll empties every application table. goose's version table is
// kept so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}

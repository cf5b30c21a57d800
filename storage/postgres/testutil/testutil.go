// Package testutil provides Postgres fixtures for integration tests.
//
// Every database test wipes the shared database, so run them with -p 1.
package testutil

import (
	"context"
	"errors"
	"os"
	"testing"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate
	"github.com/stretchr/testify/require"

	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage/postgres"
)

// ConnStringEnv names the variable holding the CI database DSN.
const ConnStringEnv = "CI_TEST_CONN_STRING"

// SkipIfNoDatabase skips tests that need Postgres when none is configured
// or when running in short mode.
func SkipIfNoDatabase(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	if os.Getenv(ConnStringEnv) == "" {
		t.Skipf("skipping database test: %s not set", ConnStringEnv)
	}
}

// NewTestClient returns a postgres client used in CI tests.
func NewTestClient(t *testing.T) *postgres.Client {
	SkipIfNoDatabase(t)
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(os.Getenv(ConnStringEnv), logger)
	require.Nil(t, err, "postgres.NewClient")
	return client
}

// NewMigratedClient returns a client to an emptied database with every
// migration at `migrations` (a file:// URL) applied.
func NewMigratedClient(t *testing.T, migrations string) *postgres.Client {
	client := NewTestClient(t)
	t.Cleanup(client.Close)
	require.NoError(t, client.Wipe(context.Background()), "failed to wipe database")

	m, err := migrate.New(migrations, os.Getenv(ConnStringEnv))
	require.NoError(t, err, "migrate.New")
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err, "migrations failed")
	}
	return client
}

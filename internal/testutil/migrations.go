// Package testutil hosts database test helpers shared by every package's
// integration tests, so test setup reuses exactly the same migration path
// production does.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/store/migrations"
)

// ApplyMigrations drives goose over the embedded core_* migration set
// against db, the same path postgres.Connect uses in production, so a
// testcontainers-backed integration test never drifts from how a real
// deployment bootstraps its schema.
func ApplyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	require.NoError(t, goose.SetDialect("postgres"), "failed to set goose dialect")
	require.NoError(t, goose.Up(db, "."), "failed to apply migrations")
}

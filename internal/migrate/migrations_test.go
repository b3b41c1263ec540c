package migrate_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"crewline/internal/db"
	"crewline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "data", "crewline.db")})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	migrations, err := migrate.Load()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	latest := migrations[len(migrations)-1].Version

	v, err := migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	for _, table := range []string{"users", "admin_tasks", "worker_tasks", "notifications", "api_keys"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

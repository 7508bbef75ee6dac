//go:build integration

package database_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formgate/internal/platform/database"
	"formgate/pkg/testutil/containers"
)

func TestPool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()

	pool, err := database.New(ctx, database.DefaultConfig(pg.DSN))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, pool.Health(ctx))
	require.NoError(t, pool.Migrate(ctx), "schema is already applied by the container")

	var app string
	require.NoError(t, pool.DB().QueryRowContext(ctx, "SELECT current_setting('application_name')").Scan(&app))
	assert.Equal(t, "formgate", app)

	reg := prometheus.NewRegistry()
	require.NoError(t, pool.RegisterMetrics(reg))
	count, err := testutil.GatherAndCount(reg, "go_sql_open_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

package database

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/repository"
)

func TestNew_SQLiteMigrateAndMetrics(t *testing.T) {
	db, err := New(Config{Driver: DriverSQLite, DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { Close(db) })

	m := metrics.NewWithRegistry(prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, RegisterMetricsCallbacks(db, m))
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, Ping(context.Background(), db))

	repo := repository.NewBoardRepository(db)
	_, err = repo.Save(context.Background(), domain.Snapshot{ProjectID: "p1"}, "")
	require.NoError(t, err)
	_, err = repo.Find(context.Background(), "p1")
	require.NoError(t, err)

	assert.Greater(t, testutil.CollectAndCount(m.DBQueryDuration), 0)
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

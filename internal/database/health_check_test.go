package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_SQLProbe(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker(nil)
	checker.Register("database", SQLProbe(db))

	mock.ExpectPing()
	report := checker.Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, report.Components["database"].Healthy)
	assert.True(t, checker.IsHealthy())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	report = checker.Check(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "connection refused", report.Components["database"].Error)
	assert.False(t, checker.IsHealthy())
	assert.Equal(t, report, checker.LastReport())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_RegisterReplacesProbe(t *testing.T) {
	checker := NewHealthChecker(nil)
	checker.Register("index", func(ctx context.Context) error { return errors.New("not ready") })
	checker.Register("index", func(ctx context.Context) error { return nil })

	report := checker.Check(context.Background())
	require.Len(t, report.Components, 1)
	assert.True(t, report.Components["index"].Healthy)
}

func TestRegisterPoolMetrics(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPoolMetrics(reg, db, "conversations"))
	assert.Error(t, RegisterPoolMetrics(reg, db, "conversations"))
}

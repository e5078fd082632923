package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func pingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{
			"whitespace and empty entries",
			" postgres://host1:5432/db ,, postgres://host2:5432/db ,",
			[]string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{"only commas and whitespace", " , , , ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestReplicaPoolSize(t *testing.T) {
	for _, tt := range []struct{ primary, replica int }{{20, 10}, {100, 50}, {3, 2}, {0, 2}} {
		t.Run(fmt.Sprintf("primary_%d", tt.primary), func(t *testing.T) {
			assert.Equal(t, tt.replica, replicaPoolSize(tt.primary))
		})
	}
}

func TestNewConnectionManager_InvalidPrimary(t *testing.T) {
	cm, err := NewConnectionManager(context.Background(), config.DatabaseConfig{
		URL:     "postgres://tollgate@127.0.0.1:1/tollgate?sslmode=disable&connect_timeout=1",
		Timeout: time.Second,
	}, observability.NopLogger())

	require.Error(t, err)
	assert.Nil(t, cm)
	assert.Contains(t, err.Error(), "failed to ping primary")
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("falls back to primary", func(t *testing.T) {
		primary := &sql.DB{}
		cm := NewConnectionManagerFromDB(primary)
		assert.Same(t, primary, cm.Replica())
		assert.Same(t, primary, cm.Primary())
	})

	t.Run("round robin", func(t *testing.T) {
		r1, r2, r3 := &sql.DB{}, &sql.DB{}, &sql.DB{}
		cm := NewConnectionManagerFromDB(&sql.DB{}, r1, r2, r3)

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[r1])
		assert.Equal(t, 10, selections[r2])
		assert.Equal(t, 10, selections[r3])
	})

	t.Run("concurrent access", func(t *testing.T) {
		cm := NewConnectionManagerFromDB(&sql.DB{}, &sql.DB{}, &sql.DB{})
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NotNil(t, cm.Replica())
			}()
		}
		wg.Wait()
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary and replicas", func(t *testing.T) {
		primary, primaryMock := pingMock(t)
		replica, replicaMock := pingMock(t)
		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := NewConnectionManagerFromDB(primary, replica)
		assert.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		primary, primaryMock := pingMock(t)
		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := NewConnectionManagerFromDB(primary).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("some replicas unhealthy", func(t *testing.T) {
		primary, primaryMock := pingMock(t)
		r1, r1Mock := pingMock(t)
		r2, r2Mock := pingMock(t)
		primaryMock.ExpectPing()
		r1Mock.ExpectPing()
		r2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		assert.NoError(t, NewConnectionManagerFromDB(primary, r1, r2).HealthCheck(context.Background()))
	})

	t.Run("all replicas unhealthy", func(t *testing.T) {
		primary, primaryMock := pingMock(t)
		r1, r1Mock := pingMock(t)
		r2, r2Mock := pingMock(t)
		primaryMock.ExpectPing()
		r1Mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		r2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := NewConnectionManagerFromDB(primary, r1, r2).HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})
}

func TestConnectionManager_Stats(t *testing.T) {
	primary, _ := pingMock(t)
	replica, _ := pingMock(t)

	stats := NewConnectionManagerFromDB(primary, replica).Stats()
	assert.Len(t, stats.Replicas, 1)

	sum := ConnectionStats{
		Primary:  sql.DBStats{InUse: 2, Idle: 3},
		Replicas: []sql.DBStats{{InUse: 1, Idle: 2}, {InUse: 0, Idle: 1}},
	}
	assert.Equal(t, 3, sum.InUse())
	assert.Equal(t, 6, sum.Idle())
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	r1, r1Mock := pingMock(t)
	r2, r2Mock := pingMock(t)
	r1Mock.ExpectPing()
	r2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	r2Mock.ExpectClose()

	cm := NewConnectionManagerFromDB(&sql.DB{}, r1, r2)
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	require.Len(t, cm.replicas, 1)
	assert.Same(t, r1, cm.replicas[0])
}

func TestConnectionManager_Close(t *testing.T) {
	primary, primaryMock := pingMock(t)
	replica, replicaMock := pingMock(t)
	primaryMock.ExpectClose()
	replicaMock.ExpectClose()

	cm := NewConnectionManagerFromDB(primary, replica)
	require.NoError(t, cm.Close())
	assert.Nil(t, cm.replicas)
	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	primary, _ := pingMock(t)
	replica, replicaMock := pingMock(t)
	replicaMock.ExpectPing().WillReturnError(errors.New("connection lost"))
	replicaMock.ExpectClose()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cm := NewConnectionManagerFromDB(primary, replica)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHealthCheckRoutine(ctx, 20*time.Millisecond, metrics)

	assert.Eventually(t, func() bool {
		cm.mu.RLock()
		defer cm.mu.RUnlock()
		return len(cm.replicas) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.DBConnectionsActive))
}

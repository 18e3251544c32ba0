package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetupAndCounters(t *testing.T) {
	shutdown, err := Setup(context.Background(), time.Minute)
	require.NoError(t, err)

	m, err := NewMetrics()
	require.NoError(t, err)

	// Counters must be usable from hook call sites without error handling.
	m.TaskSubmitted()
	m.TaskSucceeded()
	m.TaskFailed()
	m.TaskTimedOut()
	m.TaskRejected()
	m.HandleSpawned()
	m.HandleRetired()

	require.NoError(t, m.RegisterPoolGauges(func() (int, int, int) {
		return 2, 1, 1
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
}

func TestMetrics_NilSafe(t *testing.T) {
	// Hooks may fire before metrics are wired; a nil receiver is a no-op.
	var m *Metrics
	m.TaskSubmitted()
	m.HandleRetired()
}

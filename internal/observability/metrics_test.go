package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastygo/escrow/domain"
)

func TestCommandMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveCommand(domain.CommandFund, "ok", 120*time.Millisecond)
	m.ObserveCommand(domain.CommandFund, "ok", 80*time.Millisecond)
	m.ObserveCommand(domain.CommandFund, "ledger", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("fund", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("fund", "ledger")))

	count, err := testutil.GatherAndCount(reg, "escrow_engine_command_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOutboxMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveReconcile("applied")
	m.SetOutboxDepth(4, 1)
	m.SetOutboxDepth(3, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciled.WithLabelValues("applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outboxDepth.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxDepth.WithLabelValues("dead")))
}

func TestRequestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveRequest("/api/v1/escrows/{id}", 404, time.Millisecond)
	m.ObserveRequest("", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/v1/escrows/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", "200")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCommand(domain.CommandRelease, "ok", time.Second)
	m.ObserveReconcile("dead")
	m.SetOutboxDepth(1, 1)
	m.ObserveRequest("/health", 200, time.Millisecond)
}

func TestDefaultIsRegisteredOnce(t *testing.T) {
	assert.Same(t, Default(), Default())
}

package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSummary(t *testing.T) {
	s := NewSummary(WithQuantiles(map[float64]float64{0.5: 0.01}))

	for i := 1; i <= 100; i++ {
		s.Insert(float64(i))
	}

	count, sum, quantiles := s.Snapshot()
	assert.Equal(t, uint64(100), count)
	assert.Equal(t, float64(5050), sum)
	require.Contains(t, quantiles, 0.5)
	assert.InDelta(t, 50, quantiles[0.5], 2)
}

func TestCollector_Collect(t *testing.T) {
	c := NewCollector("stopped", "running")

	c.ObserveResponse(http.StatusOK)
	c.ObserveResponse(http.StatusOK)
	c.ObserveResponse(http.StatusTooManyRequests)
	c.ObserveExtraction(10*time.Millisecond, "")
	c.ObserveExtraction(20*time.Millisecond, "no_data")
	c.ObserveRestart()
	c.ObserveState("running")

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	families, err := registry.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			for _, label := range m.GetLabel() {
				key += fmt.Sprintf("{%s=%s}", label.GetName(), label.GetValue())
			}

			switch {
			case m.GetCounter() != nil:
				got[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[key] = m.GetGauge().GetValue()
			case m.GetSummary() != nil:
				got[key] = float64(m.GetSummary().GetSampleCount())
			}
		}
	}

	assert.Equal(t, map[string]float64{
		"acc_exporter_scrapes_total{code=200}":                 2,
		"acc_exporter_scrapes_total{code=429}":                 1,
		"acc_exporter_extraction_failures_total{kind=no_data}": 1,
		"acc_exporter_listener_restarts_total":                 1,
		"acc_exporter_listener_state{state=running}":           1,
		"acc_exporter_listener_state{state=stopped}":           0,
		"acc_exporter_extraction_duration_seconds":             2,
	}, got)
}

func TestCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector("running"))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().String()
}

func TestExporter_Run(t *testing.T) {
	c := NewCollector("running")
	c.ObserveResponse(http.StatusOK)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	addr := freeAddress(t)

	e, err := New(registry,
		WithBindAddress(addr),
		WithTelemetryPath("/telemetry"),
		WithLogger(zapr.NewLogger(zaptest.NewLogger(t))),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/telemetry")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}

		body = string(data)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, body, `acc_exporter_scrapes_total{code="200"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func TestExporter_RunBindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	e, err := New(prometheus.NewRegistry(), WithBindAddress(l.Addr().String()))
	require.NoError(t, err)

	assert.Error(t, e.Run(context.Background()))
}

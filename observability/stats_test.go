package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
)

func TestAppMeterName(t *testing.T) {
	require.Equal(t, "xmap/app/default", appMeterName(" "))
	require.Equal(t, "xmap/app/stress", appMeterName("stress"))
}

func TestPrometheusAppStats(t *testing.T) {
	shutdown, err := NewPrometheusMetricsExporter()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	InitAppStats(ctx, "test", shutdown)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "app_core_goroutines")
	require.Contains(t, string(body), "app_core_processes")
}

func TestConsoleMetricsExporter(t *testing.T) {
	shutdown, err := NewConsoleMetricsExporter(
		50*time.Millisecond,
		time.Second,
		stdoutmetric.WithWriter(io.Discard),
	)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{}, nil)
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)

	c, err := tel.Meter.Int64Counter("gojotx.test.count")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsAreExposed(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojotx-test"}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	c, err := tel.Meter.Int64Counter("gojotx.test.count")
	require.NoError(t, err)
	c.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gojotx_test_count")
}

package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, agg metricdata.Aggregation, source string) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("source")); ok && v.AsString() == source {
			return dp.Value
		}
	}
	return 0
}

func TestTxnMetricsTrackPendingPerSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewTxnMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.NotifyIncoming("A", 3)
	m.NotifyIncoming("B", 1)
	m.NotifyTransaction("A", 5)
	m.NotifyTransactionAcknowledged("A")

	got := collect(t, reader)
	require.EqualValues(t, 3, sumFor(t, got["gojotx.txn.incoming_total"], "A"))
	require.EqualValues(t, 2, sumFor(t, got["gojotx.txn.pending"], "A"))
	require.EqualValues(t, 1, sumFor(t, got["gojotx.txn.pending"], "B"))
	require.EqualValues(t, 1, sumFor(t, got["gojotx.txn.applied_total"], "A"))
	require.EqualValues(t, 5, sumFor(t, got["gojotx.txn.application_total"], "A"))
	require.EqualValues(t, 1, sumFor(t, got["gojotx.txn.acknowledged_total"], "A"))
}

func TestUnaryInterceptorCountsCalls(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewGrpcMetrics(provider.Meter("test"))
	require.NoError(t, err)

	intercept := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Call"}
	_, err = intercept(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	got := collect(t, reader)
	started, ok := got["gojotx.grpc.server.started_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, started.DataPoints, 1)
	require.EqualValues(t, 1, started.DataPoints[0].Value)

	active, ok := got["gojotx.grpc.server.active_rpcs"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.EqualValues(t, 0, active.DataPoints[0].Value)

	handled, ok := got["gojotx.grpc.server.handled_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	code, ok := handled.DataPoints[0].Attributes.Value(attribute.Key("rpc.code"))
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument.String(), code.AsString())
}

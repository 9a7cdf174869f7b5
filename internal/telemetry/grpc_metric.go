package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcMetrics holds the metric instruments of the replication gRPC server.
type GrpcMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcMetrics creates and registers the gRPC server instruments.
func NewGrpcMetrics(meter metric.Meter) (*GrpcMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojotx.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojotx.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojotx.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotx.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records every unary call.
func (m *GrpcMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := metric.WithAttributes(attribute.String("rpc.method", info.FullMethod))
		m.RpcsStartedCounter.Add(ctx, 1, method)
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, method)
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, method)
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), method)
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.code", status.Code(err).String()),
		))
		return resp, err
	}
}

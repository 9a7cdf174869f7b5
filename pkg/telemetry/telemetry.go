// Package telemetry sets up OpenTelemetry for a gojotx process: metrics
// exported to Prometheus and a sampled tracer provider.
package telemetry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the name of the service that will appear in traces and metrics.
	ServiceName string `yaml:"service_name"`
	// MetricsAddr is where /metrics is served; empty serves nothing.
	MetricsAddr string `yaml:"metrics_addr"`
	// TraceSampleRatio is the fraction of traces to sample (e.g., 0.01 for 1%).
	// Defaults to 1.0 (always sample) if not set or invalid.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Handler serves the Prometheus exposition of the meter provider.
	Handler http.Handler
}

// ShutdownFunc is a function that gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry SDK. Metrics go to a private Prometheus
// registry, served on cfg.MetricsAddr when set.
func New(config Config, logger *zap.Logger) (*Telemetry, ShutdownFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		return &Telemetry{
			Tracer:  nooptrace.NewTracerProvider().Tracer(""),
			Meter:   noop.NewMeterProvider().Meter(""),
			Handler: http.NotFoundHandler(),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create resource")
	}

	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, errors.Wrap(err, "create prometheus exporter")
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		Handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}

	var srv *http.Server
	if config.MetricsAddr != "" {
		lis, err := net.Listen("tcp", config.MetricsAddr)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "listen for metrics on %s", config.MetricsAddr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler)
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("address", lis.Addr().String()))
	}

	// The shutdown function ensures all buffered telemetry is exported.
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "shutdown metrics server")
			}
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown tracer provider")
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown meter provider")
		}
		return nil
	}

	return tel, shutdown, nil
}

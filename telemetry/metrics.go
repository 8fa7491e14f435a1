// Package telemetry provides OpenTelemetry metrics for the dedup store.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/dedupstore"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	casPutsTotal     metric.Int64Counter
	casPutBytesTotal metric.Int64Counter
	casGetsTotal     metric.Int64Counter
	casGetBytesTotal metric.Int64Counter
	refcountOpsTotal metric.Int64Counter
	chunkWriteSize   metric.Float64Histogram

	fileOpDuration metric.Float64Histogram
	fileOpsTotal   metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dedupstore"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	casPutsTotal, err := meter.Int64Counter(
		"dedupstore_cas_puts_total",
		metric.WithDescription("Total CAS put operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	casPutBytesTotal, err := meter.Int64Counter(
		"dedupstore_cas_put_bytes_total",
		metric.WithDescription("Total logical bytes presented to CAS put"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	casGetsTotal, err := meter.Int64Counter(
		"dedupstore_cas_gets_total",
		metric.WithDescription("Total CAS get operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	casGetBytesTotal, err := meter.Int64Counter(
		"dedupstore_cas_get_bytes_total",
		metric.WithDescription("Total decompressed bytes returned by CAS get"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	refcountOpsTotal, err := meter.Int64Counter(
		"dedupstore_refcount_ops_total",
		metric.WithDescription("Total explicit refcount increments and decrements"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	chunkWriteSize, err := meter.Float64Histogram(
		"dedupstore_chunk_write_size_bytes",
		metric.WithDescription("Size of chunks written through CAS put"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return err
	}

	fileOpDuration, err := meter.Float64Histogram(
		"dedupstore_file_op_duration_seconds",
		metric.WithDescription("Duration of file-level operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	fileOpsTotal, err := meter.Int64Counter(
		"dedupstore_file_ops_total",
		metric.WithDescription("Total file-level operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"dedupstore_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"dedupstore_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"dedupstore_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		casPutsTotal:           casPutsTotal,
		casPutBytesTotal:       casPutBytesTotal,
		casGetsTotal:           casGetsTotal,
		casGetBytesTotal:       casGetBytesTotal,
		refcountOpsTotal:       refcountOpsTotal,
		chunkWriteSize:         chunkWriteSize,
		fileOpDuration:         fileOpDuration,
		fileOpsTotal:           fileOpsTotal,
		backendRequestDuration: backendRequestDuration,
		backendRequestsTotal:   backendRequestsTotal,
		backendBytesTotal:      backendBytesTotal,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCASPut records a CAS put operation. A deduplicated put is one that
// found the object already present and only incremented its refcount.
func RecordCASPut(ctx context.Context, size int64, deduplicated bool, outcome string) {
	if globalMetrics == nil {
		return
	}

	result := "new"
	if deduplicated {
		result = "dedup"
	}

	attrs := []attribute.KeyValue{
		attribute.String("result", result),
		attribute.String("outcome", outcome),
	}
	globalMetrics.casPutsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if size > 0 {
		globalMetrics.casPutBytesTotal.Add(ctx, size, metric.WithAttributes(attrs...))
		globalMetrics.chunkWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
	}
}

// RecordCASGet records a CAS get operation with the decompressed size.
func RecordCASGet(ctx context.Context, size int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.casGetsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if size > 0 {
		globalMetrics.casGetBytesTotal.Add(ctx, size, metric.WithAttributes(attrs...))
	}
}

// RecordRefcountOp records an explicit up or down refcount operation.
func RecordRefcountOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.refcountOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFileOp records a file-level operation and its duration.
func RecordFileOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fileOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.fileOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

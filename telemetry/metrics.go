// Package telemetry wires filecache's observability into OpenTelemetry
// metrics, exported over a Prometheus /metrics endpoint, in the same
// global-singleton-plus-sync.Once shape as the teacher's own telemetry
// package: Init installs a package-level *Metrics once, and the
// Record* functions are cheap free functions that no-op before init.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const meterName = "github.com/walles/bazel-buildfarm"

// Config configures the metrics system. Unlike the teacher's
// MetricsConfig, there is no OTLPEndpoint field: cmd/cafcd stays runnable
// with zero external services, so only the Prometheus pull exporter is
// wired (see DESIGN.md's OTLP entry).
type Config struct {
	ServiceName      string
	EnablePrometheus bool
	FlushInterval    time.Duration
}

// Metrics holds every instrument filecache and dirindex record against.
type Metrics struct {
	putsTotal       metric.Int64Counter
	putDuplicates   metric.Int64Counter
	getWriteFails   metric.Int64Counter
	blobWriteSize   metric.Float64Histogram

	evictionRunsTotal   metric.Int64Counter
	evictionRunDuration metric.Float64Histogram
	evictionBytesTotal  metric.Int64Counter

	materializationsTotal    metric.Int64Counter
	materializationDuration  metric.Float64Histogram
	materializationFailures  metric.Int64Counter

	dirindexReapTotal    metric.Int64Counter
	dirindexReapDuration metric.Float64Histogram

	backendRequestsTotal   metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendBytesTotal      metric.Int64Counter

	sizeBytes               metric.Int64Gauge
	entryCount              metric.Int64Gauge
	unreferencedEntryCount  metric.Int64Gauge
	directoryStorageCount   metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	global   *Metrics
	initOnce sync.Once
	initErr  error
)

// Init initializes the metrics system exactly once per process; subsequent
// calls return the same shutdown func/error. cfg.EnablePrometheus=false is
// valid — instruments are still registered against a no-op periodic reader
// so Record* calls never need a nil check beyond "was Init called".
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInit(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInit(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cafcd"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{}, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	meter := mp.Meter(meterName)

	m := &Metrics{meterProvider: mp, promHandler: promHandler}
	if err := registerInstruments(meter, m); err != nil {
		return err
	}
	global = m
	return nil
}

func registerInstruments(meter metric.Meter, m *Metrics) error {
	var err error

	if m.putsTotal, err = meter.Int64Counter("cafc_puts_total",
		metric.WithDescription("Total blob put/put_or_reference calls"), metric.WithUnit("{blob}")); err != nil {
		return err
	}
	if m.putDuplicates, err = meter.Int64Counter("cafc_put_duplicates_total",
		metric.WithDescription("Puts that attached to an already-installed Entry"), metric.WithUnit("{blob}")); err != nil {
		return err
	}
	if m.getWriteFails, err = meter.Int64Counter("cafc_get_write_failures_total",
		metric.WithDescription("get_write calls that failed (e.g. EntryLimit)"), metric.WithUnit("{call}")); err != nil {
		return err
	}
	if m.blobWriteSize, err = meter.Float64Histogram("cafc_blob_write_size_bytes",
		metric.WithDescription("Size of blobs installed into the cache"), metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 1024, 8192, 65536, 524288, 4194304, 33554432, 268435456)); err != nil {
		return err
	}

	if m.evictionRunsTotal, err = meter.Int64Counter("cafc_eviction_runs_total",
		metric.WithDescription("Total expire_entry iterations"), metric.WithUnit("{run}")); err != nil {
		return err
	}
	if m.evictionRunDuration, err = meter.Float64Histogram("cafc_eviction_run_duration_seconds",
		metric.WithDescription("Duration of a single eviction iteration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return err
	}
	if m.evictionBytesTotal, err = meter.Int64Counter("cafc_eviction_bytes_total",
		metric.WithDescription("Total bytes reclaimed by eviction"), metric.WithUnit("By")); err != nil {
		return err
	}

	if m.materializationsTotal, err = meter.Int64Counter("cafc_materializations_total",
		metric.WithDescription("Total put_directory calls that completed"), metric.WithUnit("{directory}")); err != nil {
		return err
	}
	if m.materializationDuration, err = meter.Float64Histogram("cafc_materialization_duration_seconds",
		metric.WithDescription("Duration of directory materialization"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 30)); err != nil {
		return err
	}
	if m.materializationFailures, err = meter.Int64Counter("cafc_materialization_failures_total",
		metric.WithDescription("Total put_directory calls that rolled back"), metric.WithUnit("{directory}")); err != nil {
		return err
	}

	if m.dirindexReapTotal, err = meter.Int64Counter("cafc_dirindex_reap_total",
		metric.WithDescription("Total directories retracted by a dirindex reaper cycle"), metric.WithUnit("{directory}")); err != nil {
		return err
	}
	if m.dirindexReapDuration, err = meter.Float64Histogram("cafc_dirindex_reap_duration_seconds",
		metric.WithDescription("Duration of a dirindex reaper cycle"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 1, 10)); err != nil {
		return err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter("cafc_delegate_requests_total",
		metric.WithDescription("Total delegate operations"), metric.WithUnit("{request}")); err != nil {
		return err
	}
	if m.backendRequestDuration, err = meter.Float64Histogram("cafc_delegate_request_duration_seconds",
		metric.WithDescription("Duration of delegate operations"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 1, 5, 30)); err != nil {
		return err
	}
	if m.backendBytesTotal, err = meter.Int64Counter("cafc_delegate_bytes_total",
		metric.WithDescription("Total bytes transferred through the delegate"), metric.WithUnit("By")); err != nil {
		return err
	}

	if m.sizeBytes, err = meter.Int64Gauge("cafc_size_bytes",
		metric.WithDescription("Current total bytes stored"), metric.WithUnit("By")); err != nil {
		return err
	}
	if m.entryCount, err = meter.Int64Gauge("cafc_entry_count",
		metric.WithDescription("Current number of stored entries"), metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if m.unreferencedEntryCount, err = meter.Int64Gauge("cafc_unreferenced_entry_count",
		metric.WithDescription("Current number of ref_count==0 entries"), metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if m.directoryStorageCount, err = meter.Int64Gauge("cafc_directory_storage_count",
		metric.WithDescription("Current number of materialized directories"), metric.WithUnit("{directory}")); err != nil {
		return err
	}
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if global == nil {
		return nil
	}
	err := global.meterProvider.Shutdown(ctx)
	global = nil
	return err
}

// Handler returns the Prometheus /metrics handler, or nil if Prometheus
// export was not enabled.
func Handler() http.Handler {
	if global == nil {
		return nil
	}
	return global.promHandler
}

func RecordPut(ctx context.Context, size int64, duplicate bool) {
	if global == nil {
		return
	}
	global.putsTotal.Add(ctx, 1)
	if duplicate {
		global.putDuplicates.Add(ctx, 1)
		return
	}
	global.blobWriteSize.Record(ctx, float64(size))
}

func RecordGetWriteFailure(ctx context.Context) {
	if global == nil {
		return
	}
	global.getWriteFails.Add(ctx, 1)
}

func RecordEvictionRun(ctx context.Context, duration time.Duration, bytesReclaimed int64) {
	if global == nil {
		return
	}
	global.evictionRunsTotal.Add(ctx, 1)
	global.evictionRunDuration.Record(ctx, duration.Seconds())
	global.evictionBytesTotal.Add(ctx, bytesReclaimed)
}

func RecordMaterialization(ctx context.Context, duration time.Duration, failed bool) {
	if global == nil {
		return
	}
	global.materializationDuration.Record(ctx, duration.Seconds())
	if failed {
		global.materializationFailures.Add(ctx, 1)
		return
	}
	global.materializationsTotal.Add(ctx, 1)
}

func RecordDirIndexReap(ctx context.Context, duration time.Duration, reaped int) {
	if global == nil {
		return
	}
	global.dirindexReapTotal.Add(ctx, int64(reaped))
	global.dirindexReapDuration.Record(ctx, duration.Seconds())
}

func RecordBackendOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if global == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	global.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	global.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		global.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordGauges snapshots the four §4.1 observability gauges. Called
// periodically by cmd/cafcd's recordGauges goroutine.
func RecordGauges(ctx context.Context, size, entries, unreferenced, directories int64) {
	if global == nil {
		return
	}
	global.sizeBytes.Record(ctx, size)
	global.entryCount.Record(ctx, entries)
	global.unreferencedEntryCount.Record(ctx, unreferenced)
	global.directoryStorageCount.Record(ctx, directories)
}

// noopExporter discards metrics when Prometheus export is disabled, so the
// SDK still has a reader to flush into and Record* calls stay cheap.
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

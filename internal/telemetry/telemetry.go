// Package telemetry exposes engine metrics through an OpenTelemetry meter
// backed by a private Prometheus registry. A disabled Telemetry is a valid
// value whose recorders are no-ops.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config 控制是否启用指标。
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry 持有所有指标。字段为空时对应的记录方法什么也不做。
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	meter    metric.Meter

	cacheLookups   metric.Int64Counter
	cacheIOErrors  metric.Int64Counter
	fetchesTotal   metric.Int64Counter
	fetchDuration  metric.Float64Histogram
	joinsTotal     metric.Int64Counter
	tasksActive    metric.Int64UpDownCounter
	networkChanges metric.Int64Counter
}

// New 创建 Telemetry。未启用时返回空实例。
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	registry := prom.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	name := cfg.ServiceName
	if name == "" {
		name = "prefetch"
	}

	t := &Telemetry{
		provider: provider,
		registry: registry,
		meter:    provider.Meter(name, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
	}
	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.cacheLookups, err = t.meter.Int64Counter("prefetch.cache.lookups",
		metric.WithDescription("Cache lookups by tier and result")); err != nil {
		return err
	}
	if t.cacheIOErrors, err = t.meter.Int64Counter("prefetch.cache.io_errors",
		metric.WithDescription("Disk tier I/O failures")); err != nil {
		return err
	}
	if t.fetchesTotal, err = t.meter.Int64Counter("prefetch.fetches",
		metric.WithDescription("Finished fetch tasks by outcome")); err != nil {
		return err
	}
	if t.fetchDuration, err = t.meter.Float64Histogram("prefetch.fetch.duration",
		metric.WithDescription("Fetch task duration"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if t.joinsTotal, err = t.meter.Int64Counter("prefetch.joins",
		metric.WithDescription("Requests attached to an already running task")); err != nil {
		return err
	}
	if t.tasksActive, err = t.meter.Int64UpDownCounter("prefetch.tasks.active",
		metric.WithDescription("Running fetch tasks")); err != nil {
		return err
	}
	if t.networkChanges, err = t.meter.Int64Counter("prefetch.network.changes",
		metric.WithDescription("Network reachability or kind transitions")); err != nil {
		return err
	}
	return nil
}

// Enabled 报告指标是否启用。
func (t *Telemetry) Enabled() bool {
	return t != nil && t.provider != nil
}

// Handler 返回 Prometheus 抓取端点；未启用时返回 404。
func (t *Telemetry) Handler() http.Handler {
	if !t.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// ObserveTierUsage 注册缓存层用量的异步指标，usage 在每次抓取时被调用。
func (t *Telemetry) ObserveTierUsage(usage func() map[string]int64) error {
	if !t.Enabled() {
		return nil
	}
	_, err := t.meter.Int64ObservableGauge("prefetch.cache.usage",
		metric.WithDescription("Bytes used per cache tier"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for tier, used := range usage() {
				o.Observe(used, metric.WithAttributes(attribute.String("tier", tier)))
			}
			return nil
		}),
	)
	return err
}

// RecordCacheLookup 记录一次缓存查询。
func (t *Telemetry) RecordCacheLookup(tier string, hit bool) {
	if t == nil || t.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	t.cacheLookups.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("result", result),
		),
	)
}

// RecordCacheIOError 记录一次磁盘层失败。
func (t *Telemetry) RecordCacheIOError() {
	if t == nil || t.cacheIOErrors == nil {
		return
	}
	t.cacheIOErrors.Add(context.Background(), 1)
}

// RecordFetch 记录任务结束时的结果与耗时。
func (t *Telemetry) RecordFetch(outcome string, duration time.Duration) {
	if t == nil {
		return
	}
	if t.fetchesTotal != nil {
		t.fetchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
	if t.fetchDuration != nil {
		t.fetchDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordJoin 记录一次合并到已有任务的请求。
func (t *Telemetry) RecordJoin() {
	if t == nil || t.joinsTotal == nil {
		return
	}
	t.joinsTotal.Add(context.Background(), 1)
}

// IncrementActiveTasks increments running tasks.
func (t *Telemetry) IncrementActiveTasks() {
	if t == nil || t.tasksActive == nil {
		return
	}
	t.tasksActive.Add(context.Background(), 1)
}

// DecrementActiveTasks decrements running tasks.
func (t *Telemetry) DecrementActiveTasks() {
	if t == nil || t.tasksActive == nil {
		return
	}
	t.tasksActive.Add(context.Background(), -1)
}

// RecordNetworkChange 记录网络状态切换。
func (t *Telemetry) RecordNetworkChange(kind string, reachable bool) {
	if t == nil || t.networkChanges == nil {
		return
	}
	t.networkChanges.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("reachable", reachable),
		),
	)
}

// Shutdown 刷新并关闭 MeterProvider。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

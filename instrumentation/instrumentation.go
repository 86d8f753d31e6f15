package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/gallerio/oauth/"

// Config controls observability setup.
type Config struct {
	// ServiceName identifies this deployment in telemetry backends.
	ServiceName string

	// ServiceVersion is reported as a resource attribute.
	ServiceVersion string

	// Enabled picks up the process-global OpenTelemetry providers, so
	// telemetry flows once the application installs real ones. Disabled
	// instrumentation stays on no-op providers with zero overhead.
	Enabled bool

	// LogClientIPs controls whether client IPs appear in telemetry. IPs can
	// be PII under GDPR; disable where that matters.
	LogClientIPs bool

	// Resource overrides the default resource attributes when set.
	Resource *resource.Resource
}

// Instrumentation bundles the OpenTelemetry providers and the pre-built
// metric instruments used across the server.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	httpMeter     metric.Meter
	serverMeter   metric.Meter
	securityMeter metric.Meter
	storageMeter  metric.Meter

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates the instrumentation stack. With Enabled false, no-op providers
// are installed and every recording call becomes free.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "gallerio-oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}
	if config.Enabled {
		// Exporter wiring (OTLP, Prometheus) is the embedding application's
		// job; it installs real providers through the otel globals and we
		// pick up whatever is there.
		inst.meterProvider = otel.GetMeterProvider()
		inst.tracerProvider = otel.GetTracerProvider()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.httpMeter = inst.Meter("http")
	inst.serverMeter = inst.Meter("server")
	inst.securityMeter = inst.Meter("security")
	inst.storageMeter = inst.Meter("storage")

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	return inst, nil
}

// Shutdown flushes and stops all registered providers. Safe to call more
// than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a meter scoped to one layer ("http", "server", "storage",
// "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer scoped to one layer.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the shared metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider exposes the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// ShouldLogClientIPs reports whether telemetry may include client IPs.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback reports the current size of one storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks wires observable gauges to the store's entry
// counts. Stores call this once after instrumentation is attached.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	accessTokens, refreshTokens, clients, transactions, families StorageSizeCallback,
) error {
	meter := i.Meter("storage")
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if accessTokens != nil {
				observer.ObserveInt64(i.metrics.StorageAccessTokensCount, accessTokens())
			}
			if refreshTokens != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokens())
			}
			if clients != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clients())
			}
			if transactions != nil {
				observer.ObserveInt64(i.metrics.StorageTransactionsCount, transactions())
			}
			if families != nil {
				observer.ObserveInt64(i.metrics.StorageFamiliesCount, families())
			}
			return nil
		},
		i.metrics.StorageAccessTokensCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageTransactionsCount,
		i.metrics.StorageFamiliesCount,
	)
	return err
}

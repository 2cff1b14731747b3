package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const shutdownTimeout = 5 * time.Second

// Telemetry owns the OTel providers of the process and records relay
// activity for the gateway. The zero value is a disabled Telemetry.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics

	// shutdowns run in order on Shutdown.
	shutdowns    []func(context.Context) error
	shutdownOnce sync.Once
	shutdownErr  error
}

// Init builds the providers cfg asks for and installs them globally. The
// returned func flushes and stops them.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			tel.Cleanup()
			return nil, nil, err
		}
		tel.meterProvider = mp
		tel.shutdowns = append(tel.shutdowns, mp.ForceFlush, mp.Shutdown)
		otel.SetMeterProvider(mp)

		tel.metrics, err = InitMetrics(mp)
		if err != nil {
			tel.Cleanup()
			return nil, nil, fmt.Errorf("failed to create relay instruments: %w", err)
		}
	}

	return tel, tel.Cleanup, nil
}

func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the relay instruments, nil when metrics are off.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

func (t *Telemetry) Config() *Config {
	return t.config
}

// Shutdown runs once; later calls return the first result.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		var errs []error
		for _, fn := range t.shutdowns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
	})
	return t.shutdownErr
}

// Cleanup is Shutdown with a bounded context, for defer.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Package telemetry wires up the daemon's OpenTelemetry meter and tracer
// providers. Referenced by name from the teacher's
// internal/compact/haiku.go (telemetry.Meter(...), telemetry.Tracer(...))
// but the provider-setup source itself was never retrieved into this
// tree, so this file is authored fresh against the teacher's otel
// exporter choices: otlpmetrichttp for production, stdoutmetric/
// stdouttrace for local debugging, matching the exporters already in
// go.mod.
package telemetry

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce      sync.Once
	meterProvider metric.MeterProvider = otel.GetMeterProvider()
	tracerProvider trace.TracerProvider = otel.GetTracerProvider()
)

// Init configures global meter/tracer providers. With endpoint set it
// exports metrics over OTLP/HTTP. Without an endpoint it writes
// human-readable metrics and spans to stdout only when HUBD_OTEL_STDOUT
// is set; otherwise the providers stay no-op. Init is safe to
// call more than once; only the first call takes effect.
func Init(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	var shutdownFns []func(context.Context) error

	initOnce.Do(func() {
		if endpoint != "" {
			exp, mErr := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
			if mErr != nil {
				err = mErr
				return
			}
			mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
			meterProvider = mp
			shutdownFns = append(shutdownFns, mp.Shutdown)
			otel.SetMeterProvider(mp)
			return
		}

		if os.Getenv("HUBD_OTEL_STDOUT") == "" {
			return // no exporter configured; providers stay no-op
		}

		metricExp, mErr := stdoutmetric.New()
		if mErr != nil {
			err = mErr
			return
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		meterProvider = mp
		shutdownFns = append(shutdownFns, mp.Shutdown)
		otel.SetMeterProvider(mp)

		traceExp, tErr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if tErr != nil {
			err = tErr
			return
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
		tracerProvider = tp
		shutdownFns = append(shutdownFns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	})

	return func(ctx context.Context) error {
		var firstErr error
		for _, fn := range shutdownFns {
			if e := fn(ctx); e != nil && firstErr == nil {
				firstErr = e
			}
		}
		return firstErr
	}, err
}

// Meter returns a named meter from the configured provider.
func Meter(name string) metric.Meter {
	return meterProvider.Meter(name)
}

// Tracer returns a named tracer from the configured provider.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

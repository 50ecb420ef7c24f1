package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/storedaemon/client/src/store"
	instrumentationVersion = "0.1.0"
)

// instruments holds the OpenTelemetry tracer/meter and the metric
// instruments recorded around every dispatched operation.
type instruments struct {
	tracer trace.Tracer
	meter  metric.Meter

	opDuration       metric.Float64Histogram
	opCount          metric.Int64Counter
	opErrors         metric.Int64Counter
	connectionCount  metric.Int64UpDownCounter
	connectionErrors metric.Int64Counter
}

func initInstruments() *instruments {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	in := &instruments{tracer: tracer, meter: meter}

	var err error
	in.opDuration, err = meter.Float64Histogram("store.op.duration",
		metric.WithDescription("Duration of worker-protocol operations"), metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}
	in.opCount, err = meter.Int64Counter("store.op.count",
		metric.WithDescription("Number of worker-protocol operations dispatched"))
	if err != nil {
		otel.Handle(err)
	}
	in.opErrors, err = meter.Int64Counter("store.op.errors",
		metric.WithDescription("Number of worker-protocol operations that returned an error"))
	if err != nil {
		otel.Handle(err)
	}
	in.connectionCount, err = meter.Int64UpDownCounter("store.connection.count",
		metric.WithDescription("Number of live daemon connections"))
	if err != nil {
		otel.Handle(err)
	}
	in.connectionErrors, err = meter.Int64Counter("store.connection.errors",
		metric.WithDescription("Number of connection attempts that failed"))
	if err != nil {
		otel.Handle(err)
	}
	return in
}

type opSpan struct {
	span      trace.Span
	startTime time.Time
}

func (in *instruments) startOp(ctx context.Context, opName string, cfg *ObservabilityConfig) (context.Context, *opSpan) {
	if in == nil || !cfg.EnableTracing {
		return ctx, &opSpan{startTime: time.Now()}
	}
	attrs := append(append([]attribute.KeyValue{}, cfg.TracingAttributes...), attribute.String("store.op", opName))
	ctx, span := in.tracer.Start(ctx, "store.op/"+opName,
		trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
	return ctx, &opSpan{span: span, startTime: time.Now()}
}

func (in *instruments) finishOp(sp *opSpan, opName string, cfg *ObservabilityConfig, err error) {
	duration := time.Since(sp.startTime)
	if in != nil && cfg.EnableMetrics {
		attrs := metric.WithAttributes(append(cfg.MetricAttributes, attribute.String("store.op", opName))...)
		in.opDuration.Record(context.Background(), duration.Seconds(), attrs)
		in.opCount.Add(context.Background(), 1, attrs)
		if err != nil {
			in.opErrors.Add(context.Background(), 1, attrs)
		}
	}
	if sp.span != nil {
		if err != nil {
			sp.span.RecordError(err)
			sp.span.SetStatus(codes.Error, err.Error())
		} else {
			sp.span.SetStatus(codes.Ok, "")
		}
		sp.span.End()
	}
}

func (in *instruments) recordConnection(cfg *ObservabilityConfig, delta int64, err error) {
	if in == nil || !cfg.EnableMetrics {
		return
	}
	attrs := metric.WithAttributes(cfg.MetricAttributes...)
	if err != nil {
		in.connectionErrors.Add(context.Background(), 1, attrs)
		return
	}
	in.connectionCount.Add(context.Background(), delta, attrs)
}

package engine

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"

type instrumented struct {
	Engine
	attrs    []attribute.KeyValue
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// Instrument wraps e so that every Process call records a span, a latency
// histogram sample and, on error, a failure count.
func Instrument(e Engine, mode, model string) Engine {
	meter := otel.Meter(instrumentationName)
	duration, _ := meter.Float64Histogram("whisper_engine_process_seconds",
		metric.WithDescription("Wall time of one engine pass over a session buffer"),
		metric.WithUnit("s"))
	failures, _ := meter.Int64Counter("whisper_engine_failures_total",
		metric.WithDescription("Engine passes that ended in an error"))
	return &instrumented{
		Engine:   e,
		attrs:    []attribute.KeyValue{attribute.String("engine.mode", mode), attribute.String("engine.model", model)},
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		failures: failures,
	}
}

func (i *instrumented) Process(ctx context.Context, samples []float32) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		ctx, span := i.tracer.Start(ctx, "engine.process",
			trace.WithAttributes(i.attrs...),
			trace.WithAttributes(attribute.Int("audio.samples", len(samples))))
		defer span.End()
		start := time.Now()

		var segments int
		var failed error
		for seg, err := range i.Engine.Process(ctx, samples) {
			if err != nil {
				failed = err
			} else {
				segments++
			}
			if !yield(seg, err) || err != nil {
				break
			}
		}

		attrs := metric.WithAttributes(i.attrs...)
		if i.duration != nil {
			i.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		span.SetAttributes(attribute.Int("engine.segments", segments))
		if failed != nil {
			span.RecordError(failed)
			span.SetStatus(codes.Error, failed.Error())
			if i.failures != nil {
				i.failures.Add(ctx, 1, attrs)
			}
		}
	}
}

// Package traces wires OpenTelemetry spans through an analysis: the CSV
// upload, the scoring strategy, each request to the scoring service, and
// each document the Kafka feed writes to the store.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/finomaly/finomaly"

// Init exports spans over OTLP/gRPC to endpoint, tagged with the deployment
// environment. An empty endpoint leaves the global no-op provider in place.
// The returned function flushes and stops the exporter.
func Init(ctx context.Context, endpoint, env string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("finomaly"),
		semconv.DeploymentEnvironment(env),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", endpoint, "env", env)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func ScoringMode(mode string) attribute.KeyValue {
	return attribute.String("scoring.mode", mode)
}

func Endpoint(path string) attribute.KeyValue {
	return attribute.String("scoring.endpoint", path)
}

func BatchSize(n int) attribute.KeyValue {
	return attribute.Int("scoring.batch_size", n)
}

// TransactionID identifies the transaction a span scores or stores.
func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

// RiskLevel is the level a transaction ended up with, including the
// Unknown and Error placeholders.
func RiskLevel(level string) attribute.KeyValue {
	return attribute.String("transaction.risk_level", level)
}

// Collection names the document store collection a feed write targets.
func Collection(name string) attribute.KeyValue {
	return attribute.String("docstore.collection", name)
}

// Offset is the Kafka offset of the message being handled.
func Offset(topic string, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", topic),
		attribute.Int64("messaging.kafka.offset", offset),
	}
}

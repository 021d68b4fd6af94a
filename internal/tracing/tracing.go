// Package tracing installs the OpenTelemetry tracer provider.
package tracing

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Init exports spans over OTLP/HTTP to endpoint (host:port). An empty
// endpoint leaves the global no-op provider in place. The returned function
// flushes and stops the provider.
func Init(ctx context.Context, endpoint, serviceName string) (func(), error) {
	if endpoint == "" {
		log.Debug("Tracing disabled, no OTLP endpoint configured")
		return func() {}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		log.WithError(err).Warn("Failed to create OTLP exporter, tracing disabled")
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"service":  serviceName,
	}).Info("Tracing enabled")

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("Error shutting down tracer provider")
		}
	}, nil
}

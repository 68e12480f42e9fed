package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type tracingSettings struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
}

func tracingSettingsFromEnv() tracingSettings {
	s := tracingSettings{
		Endpoint:    strings.TrimSpace(os.Getenv("JJSYNC_OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    envBool("JJSYNC_OTEL_EXPORTER_OTLP_INSECURE"),
		ServiceName: strings.TrimSpace(os.Getenv("JJSYNC_OTEL_SERVICE_NAME")),
	}
	if s.ServiceName == "" {
		s.ServiceName = "jjsync"
	}
	return s
}

// exporterOptions accepts either a bare host:port or a URL; an http:// URL
// implies an insecure connection.
func (s tracingSettings) exporterOptions() []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	insecure := s.Insecure
	if u, err := url.Parse(s.Endpoint); err == nil && u.Host != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		if u.Path != "" && u.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(u.Path))
		}
		insecure = insecure || strings.EqualFold(u.Scheme, "http")
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(s.Endpoint))
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// initTracing installs an OTLP/HTTP tracer provider when an endpoint is
// configured and returns its shutdown func. Otherwise the global no-op
// provider stays in place.
func initTracing(ctx context.Context, s tracingSettings) (func(context.Context) error, error) {
	if s.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, s.exporterOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", s.ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

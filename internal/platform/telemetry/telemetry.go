// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the ECG review service and exposes Echo middleware for both.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TracingEnabled bool
	OTLPEndpoint   string  // host:port of an OTLP/HTTP collector
	SampleRate     float64 // 0.0 to 1.0
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ecg-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// TelemetryProvider owns the tracer provider and the metrics registry.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tracer   *sdktrace.TracerProvider
	Metrics  *Collector
}

// NewTelemetryProvider builds a private Prometheus registry with process and
// Go collectors, and installs a global tracer provider. With tracing disabled
// spans are created but never exported.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		tracer:   tp,
		Metrics:  NewCollector(reg),
	}, nil
}

func newTracerProvider(ctx context.Context, cfg TelemetryConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.TracingEnabled {
		return sdktrace.NewTracerProvider(), nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

// Registry exposes the Prometheus registry for additional collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry { return tp.registry }

// Shutdown flushes pending spans.
func (tp *TelemetryProvider) Shutdown(ctx context.Context) error {
	return tp.tracer.Shutdown(ctx)
}

// TracingMiddleware starts a server span per request named after the route
// pattern, continuing any trace propagated in the request headers.
func (tp *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	tracer := otel.Tracer("github.com/ehr/ecgreview/http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := routeOf(c)
			ctx, span := tracer.Start(ctx, "HTTP "+req.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status),
			)
			if v, ok := c.Get("request_id").(string); ok && v != "" {
				span.SetAttributes(attribute.String("request.id", v))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts, latency and in-flight requests.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	m := tp.Metrics
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler settle the status before it is recorded
				c.Error(err)
				err = nil
			}
			m.ObserveHTTP(c.Request().Method, routeOf(c), c.Response().Status, time.Since(start))
			return err
		}
	}
}

// PrometheusHandler serves the private registry in text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}

package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config represents tracing configuration
type Config struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ServiceName  string        `yaml:"service_name" json:"service_name"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64       `yaml:"sampling_rate" json:"sampling_rate"` // 0.0 to 1.0
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ServiceName:  "resgov",
		Endpoint:     "http://localhost:14268/api/traces",
		SamplingRate: 0.1,
		BatchSize:    512,
		Timeout:      30 * time.Second,
	}
}

// Validate validates the tracing configuration
func (c Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be in [0, 1], got %v", c.SamplingRate)
	}
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	return nil
}

// Tracer wraps the OpenTelemetry tracer for governor operations. When
// disabled it degrades to no-op spans with zero setup.
type Tracer struct {
	logger       *zap.Logger
	config       Config
	tracer       trace.Tracer
	provider     *sdktrace.TracerProvider
	shutdownFunc func() error
}

// New creates a new tracer
func New(config Config, logger *zap.Logger) (*Tracer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracer{
		logger: logger,
		config: config,
	}
	if config.Enabled {
		if err := t.initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	} else {
		t.tracer = otel.Tracer(config.ServiceName)
	}
	return t, nil
}

func (t *Tracer) initialize() error {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.Endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(t.config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.provider = tp
	t.tracer = tp.Tracer(t.config.ServiceName)
	t.shutdownFunc = func() error { return tp.Shutdown(context.Background()) }

	t.logger.Info("Tracing initialized",
		zap.String("service", t.config.ServiceName),
		zap.String("endpoint", t.config.Endpoint),
		zap.Float64("sampling_rate", t.config.SamplingRate))
	return nil
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.config.Enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// WithSpan executes a function within a span, recording any error
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context) error) error {
	if !t.config.Enabled {
		return fn(ctx)
	}

	ctx, span := t.StartSpan(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RecordError records an error on the current span
func (t *Tracer) RecordError(ctx context.Context, err error) {
	if !t.config.Enabled {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// SetAttributes sets attributes on the current span
func (t *Tracer) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if !t.config.Enabled {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// AddEvent adds an event to the current span
func (t *Tracer) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if !t.config.Enabled {
		return
	}
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the trace provider
func (t *Tracer) Shutdown() error {
	if t.shutdownFunc != nil {
		t.logger.Info("Shutting down tracer")
		return t.shutdownFunc()
	}
	return nil
}

// Middleware wraps an HTTP handler with request tracing
func (t *Tracer) Middleware(handlerName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := t.StartSpan(r.Context(), handlerName,
			trace.WithAttributes(
				semconv.HTTPMethodKey.String(r.Method),
				semconv.HTTPTargetKey.String(r.URL.Path),
			),
		)
		defer span.End()

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.status))
		if ww.status >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", ww.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

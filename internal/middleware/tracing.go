package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/philocalist9/gym-manage-sub000/internal/middleware"

// Tracing opens a server span per request and records request count and
// duration. The span context is stored as the request's user context so
// handlers and RequestLogger pick up the trace id.
func Tracing(tp trace.TracerProvider, mp metric.MeterProvider) fiber.Handler {
	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)

	requestCount, _ := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return func(c *fiber.Ctx) error {
		start := time.Now()

		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.user_agent", c.Get(fiber.HeaderUserAgent)),
			),
		)
		defer span.End()
		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		if fiberErr, ok := err.(*fiber.Error); ok {
			status = fiberErr.Code
		}
		// Route pattern, not the raw path.
		route := c.Route().Path
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Method()),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		}
		span.SetAttributes(attrs...)
		if err != nil || status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, fiber.ErrInternalServerError.Message)
		}

		if requestCount != nil {
			requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if requestDuration != nil {
			requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}

		return err
	}
}

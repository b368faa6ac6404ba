package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

const meterName = "github.com/fyrsmithlabs/phaseflow/internal/http"

// apiMetrics records request traffic and the run-level actions taken
// through the API.
type apiMetrics struct {
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
	submissions metric.Int64Counter
	acks        metric.Int64Counter
}

func newAPIMetrics(meter metric.Meter, logger *logging.Logger) *apiMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &apiMetrics{}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn(context.Background(), "creating api instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("phaseflow.api.requests",
		metric.WithDescription("API requests by route, method and status class"),
		metric.WithUnit("{request}"))
	warn("requests", err)

	m.latency, err = meter.Float64Histogram("phaseflow.api.request_duration",
		metric.WithDescription("API request latency by route"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10))
	warn("request_duration", err)

	m.inFlight, err = meter.Int64UpDownCounter("phaseflow.api.in_flight",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"))
	warn("in_flight", err)

	m.submissions, err = meter.Int64Counter("phaseflow.api.run_submissions",
		metric.WithDescription("Run submissions by pipeline and result"),
		metric.WithUnit("{run}"))
	warn("run_submissions", err)

	m.acks, err = meter.Int64Counter("phaseflow.api.remediation_acks",
		metric.WithDescription("Manual remediation acknowledgments by result"),
		metric.WithUnit("{ack}"))
	warn("remediation_acks", err)

	return m
}

// middleware records one sample per request. Routes are labeled by their
// pattern so run ids stay out of the label set.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			m.add(ctx, m.inFlight, 1)
			defer m.add(ctx, m.inFlight, -1)

			err := next(c)
			if err != nil {
				// Resolve the status before it is read below.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return nil
		}
	}
}

func (m *apiMetrics) submitted(ctx context.Context, pipeline string, err error) {
	if m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("result", resultLabel(err)),
	))
}

func (m *apiMetrics) acknowledged(ctx context.Context, err error) {
	if m.acks == nil {
		return
	}
	m.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultLabel(err))))
}

func (m *apiMetrics) add(ctx context.Context, c metric.Int64UpDownCounter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

// routeLabel maps unmatched requests to a single label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strconv.Itoa(statusFor(err))
}

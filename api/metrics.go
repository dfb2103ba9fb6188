package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "github.com/valen20Chx/htmx-todo/api"
	requestSpanName  = "todo.request"
	requestEventName = "todo.request.completed"
)

type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	method         string
	requestID      string
	start          time.Time
	storeDuration  time.Duration
	renderDuration time.Duration
	tasksReturned  int
	skipped        bool
	errorStage     string
	cause          error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, method string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", method),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		method: method,
		start:  time.Now(),
	}, spanCtx
}

func (m *requestMetrics) SetRequestID(id string) {
	m.requestID = id
}

func (m *requestMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration = duration
}

func (m *requestMetrics) ObserveRender(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.renderDuration = duration
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

// SetSkipped marks a request whose input was ignored.
func (m *requestMetrics) SetSkipped(skipped bool) {
	m.skipped = skipped
}

// Fail records the stage and cause of a request-level failure.
func (m *requestMetrics) Fail(stage string, err error) {
	if stage != "" {
		m.errorStage = stage
	}
	if err != nil {
		m.cause = err
	}
}

// Log ends the span and writes one structured line for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	total := time.Since(m.start)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Int("todo.tasks_returned", m.tasksReturned),
		attribute.Bool("todo.skipped", m.skipped),
		attribute.Float64("todo.total_ms", durationToMillis(total)),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("todo.error_stage", m.errorStage))
	}
	if m.span != nil {
		m.span.SetAttributes(attrs...)
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		} else if status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.AddEvent(requestEventName, trace.WithAttributes(attrs...))
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":          m.route,
		"method":         m.method,
		"status":         status,
		"total_ms":       durationToMillis(total),
		"tasks_returned": m.tasksReturned,
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
	}
	if m.skipped {
		fields["skipped"] = true
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.renderDuration > 0 {
		fields["render_ms"] = durationToMillis(m.renderDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}

	m.logger.WithFields(fields).Log(levelForStatus(status, err), requestEventName)
}

func levelForStatus(status int, err error) log.Level {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

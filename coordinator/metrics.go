package coordinator

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasksync/domain"
)

const tracerName = "tasksync/coordinator"

type applyMetrics struct {
	logger        *log.Logger
	span          trace.Span
	intent        domain.Intent
	start         time.Time
	applyDuration time.Duration
	seq           uint64
	delivered     int
	evicted       int
	outcome       string
}

func newApplyMetrics(ctx context.Context, tracer trace.Tracer, logger *log.Logger, in domain.Intent) *applyMetrics {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracer.Start(ctx, "coordinator.apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("intent.kind", string(in.Kind)),
			attribute.String("intent.user", in.User),
		),
	)
	return &applyMetrics{
		logger: logger,
		span:   span,
		intent: in,
		start:  time.Now(),
	}
}

func (m *applyMetrics) ObserveApply() {
	m.applyDuration = time.Since(m.start)
}

func (m *applyMetrics) Broadcast(seq uint64, delivered, evicted int) {
	m.seq = seq
	m.delivered = delivered
	m.evicted = evicted
	m.outcome = "applied"
	m.span.SetAttributes(
		attribute.Int64("fact.seq", int64(seq)),
		attribute.Int("broadcast.delivered", delivered),
		attribute.Int("broadcast.evicted", evicted),
	)
}

func (m *applyMetrics) Dropped(err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.outcome = "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		m.outcome = "invalid"
	default:
		m.outcome = "error"
	}
	m.span.SetAttributes(attribute.String("intent.outcome", m.outcome))
}

// End closes the span and writes the metrics entry. Drops are not span
// errors: they are a normal protocol outcome.
func (m *applyMetrics) End(err error) {
	if err != nil && m.outcome == "error" {
		m.span.SetStatus(codes.Error, err.Error())
	}
	m.span.End()

	if m.logger == nil || !m.logger.IsLevelEnabled(log.DebugLevel) {
		return
	}
	fields := log.Fields{
		"intent":   string(m.intent.Kind),
		"user":     m.intent.User,
		"outcome":  m.outcome,
		"apply_ms": durationToMillis(m.applyDuration),
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.intent.Kind != domain.AddTask {
		fields["id"] = m.intent.ID
	}
	if m.seq > 0 {
		fields["seq"] = m.seq
		fields["delivered"] = m.delivered
	}
	if m.evicted > 0 {
		fields["evicted"] = m.evicted
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Debug("coordinator.apply.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Package telemetry records delivery-layer metrics through OpenTelemetry.
// Configure the global MeterProvider before constructing sessions
// (typically via clue's ConfigureOpenTelemetry); without one the
// instruments are no-ops, which is the right behavior for tests.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records delivery activity. Implementations must be safe for
// concurrent use; every session in the process typically shares one.
type Metrics interface {
	// EventPublished counts one event accepted by a transport.
	EventPublished(ctx context.Context, typ string)
	// DeltaBytes counts prose bytes streamed.
	DeltaBytes(ctx context.Context, n int)
	// UsageTokens counts model tokens reported through RecordUsage.
	UsageTokens(ctx context.Context, kind string, n int)
	// SessionFailed counts one session terminated through Fail.
	SessionFailed(ctx context.Context)
}

type otelMetrics struct {
	events   metric.Int64Counter
	bytes    metric.Int64Counter
	tokens   metric.Int64Counter
	failures metric.Int64Counter
}

// New returns a Metrics backed by the global OTel MeterProvider.
func New() (Metrics, error) {
	meter := otel.Meter("goa.design/lexia/runtime")
	events, err := meter.Int64Counter("lexia.events.published",
		metric.WithDescription("Events accepted by a delivery transport"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("lexia.delta.bytes",
		metric.WithDescription("Prose bytes streamed through sessions"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("lexia.usage.tokens",
		metric.WithDescription("Model tokens reported through RecordUsage"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("lexia.session.failures",
		metric.WithDescription("Sessions terminated through Fail"))
	if err != nil {
		return nil, err
	}
	return &otelMetrics{events: events, bytes: bytes, tokens: tokens, failures: failures}, nil
}

func (m *otelMetrics) EventPublished(ctx context.Context, typ string) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", typ)))
}

func (m *otelMetrics) DeltaBytes(ctx context.Context, n int) {
	m.bytes.Add(ctx, int64(n))
}

func (m *otelMetrics) UsageTokens(ctx context.Context, kind string, n int) {
	m.tokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("usage.kind", kind)))
}

func (m *otelMetrics) SessionFailed(ctx context.Context) {
	m.failures.Add(ctx, 1)
}

type noop struct{}

// Noop returns a Metrics that records nothing.
func Noop() Metrics { return noop{} }

func (noop) EventPublished(context.Context, string)   {}
func (noop) DeltaBytes(context.Context, int)          {}
func (noop) UsageTokens(context.Context, string, int) {}
func (noop) SessionFailed(context.Context)            {}

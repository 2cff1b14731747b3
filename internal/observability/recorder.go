package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// The methods below record relay activity. They are no-ops while metrics are
// disabled, so a Telemetry can always be handed to the gateway.

func (t *Telemetry) ConnOpened(ctx context.Context) {
	if m := t.Metrics(); m != nil {
		m.RelayConnections.Add(ctx, 1)
	}
}

func (t *Telemetry) ConnClosed(ctx context.Context) {
	if m := t.Metrics(); m != nil {
		m.RelayConnections.Add(ctx, -1)
	}
}

func (t *Telemetry) Rejected(ctx context.Context, code string) {
	if m := t.Metrics(); m != nil {
		m.RelayRejections.Add(ctx, 1, metric.WithAttributes(AttrErrorCode.String(code)))
	}
}

func (t *Telemetry) Published(ctx context.Context, kind string) {
	if m := t.Metrics(); m != nil {
		m.RelayPublished.Add(ctx, 1, metric.WithAttributes(AttrRelayKind.String(kind)))
	}
}

func (t *Telemetry) Delivered(ctx context.Context, n int) {
	if m := t.Metrics(); m != nil && n > 0 {
		m.RelayDelivered.Add(ctx, int64(n))
	}
}

func (t *Telemetry) Degraded(ctx context.Context) {
	if m := t.Metrics(); m != nil {
		m.RelayDegraded.Add(ctx, 1)
	}
}

package metrics

import (
	"context"
	"time"
)

type collectorKey struct{}

// WithCollector returns a copy of ctx carrying m.
func WithCollector(ctx context.Context, m *MetricsCollector) context.Context {
	return context.WithValue(ctx, collectorKey{}, m)
}

// FromContext returns the collector stored in ctx, or nil.
func FromContext(ctx context.Context) *MetricsCollector {
	m, _ := ctx.Value(collectorKey{}).(*MetricsCollector)
	return m
}

// ObserveUpstream records an outbound call that started at t0 on the
// collector carried by ctx.
func ObserveUpstream(ctx context.Context, service, operation string, t0 time.Time, status int, err error) {
	m := FromContext(ctx)
	if m == nil {
		return
	}
	u := &UpstreamInfo{
		Service:    service,
		Operation:  operation,
		Duration:   time.Since(t0),
		HTTPStatus: status,
	}
	if err != nil {
		u.Error = err.Error()
	}
	m.AddUpstream(u)
}

package openmemory

import (
	"time"

	"github.com/lucivskvn/openmemory/provider"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	tracer           Tracer
	provider         provider.Interface
	embedCacheBytes  int64
	maintInterval    time.Duration
	clock            func() time.Time
}

// Option configures engine constructor behavior.
type Option func(*options)

// WithLogger sets the structured logger. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics collector for operation
// instrumentation. If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithTracer sets the tracer for span instrumentation. If nil is
// passed, NoopTracer is used.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t == nil {
			t = NoopTracer{}
		}
		o.tracer = t
	}
}

// WithProvider sets the embedding/chat provider. Wrap several providers
// in provider.NewFailover for ordered fallback.
func WithProvider(p provider.Interface) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithEmbeddingCache bounds the in-memory embedding cache placed in
// front of the provider. Zero disables the cache.
func WithEmbeddingCache(maxBytes int64) Option {
	return func(o *options) {
		o.embedCacheBytes = maxBytes
	}
}

// WithMaintenanceInterval sets the background maintenance cadence.
// Zero keeps the default of one hour.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *options) {
		o.maintInterval = d
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

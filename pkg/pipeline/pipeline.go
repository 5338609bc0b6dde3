// Package pipeline turns a call's completed artifacts into a versioned
// evidence manifest and a hashed, optionally externally-timestamped evidence
// bundle.
//
// Flow: GenerateManifest assembles and persists the manifest, then hands it
// to BuildBundle. BuildBundle persists the bundle row first and only then
// dispatches the TSA round-trip, so the bundle is queryable before any
// external network I/O concludes. All persistence is append-only; duplicate
// generation attempts are resolved by the store's unique constraints.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/callmonitor/evidence/pkg/observability"
	"github.com/callmonitor/evidence/pkg/schema"
	"github.com/callmonitor/evidence/pkg/store"
	"github.com/callmonitor/evidence/pkg/tsa"
)

// Pipeline generates manifests and bundles for completed calls.
type Pipeline struct {
	store     store.EvidenceStore
	validator *schema.Validator
	tsaClient *tsa.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	obs       *observability.Provider
	clock     func() time.Time

	// syncTSA runs the timestamp round-trip inline instead of on its own
	// goroutine. Tests use this to observe terminal TSA state without
	// sleeping.
	syncTSA bool
	// inflight tracks dispatched TSA goroutines for graceful shutdown.
	inflight sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithSyncTSA makes the TSA dispatch synchronous.
func WithSyncTSA() Option {
	return func(p *Pipeline) { p.syncTSA = true }
}

// WithObservability records pipeline operations through the provider's RED
// instruments in addition to tracing them.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Pipeline) { p.obs = obs }
}

// New builds a Pipeline. The TSA client may be nil or unconfigured; bundles
// are then persisted with status not_configured and no network call is made.
func New(st store.EvidenceStore, validator *schema.Validator, tsaClient *tsa.Client, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:     st,
		validator: validator,
		tsaClient: tsaClient,
		logger:    logger,
		tracer:    otel.Tracer("callmonitor.evidence/pipeline"),
		clock: func() time.Time {
			// Microsecond granularity survives every supported storage
			// backend, which keeps stored timestamps hash-reproducible.
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close waits for in-flight TSA dispatches to record their terminal state.
func (p *Pipeline) Close() {
	p.inflight.Wait()
}

// track opens a span for one pipeline operation, routed through the RED
// instruments when a provider is attached. The returned func records the
// outcome and closes the span.
func (p *Pipeline) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p.obs != nil {
		return p.obs.TrackOperation(ctx, name, attrs...)
	}
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

func (p *Pipeline) tsaStarted(ctx context.Context) {
	if p.obs != nil {
		p.obs.TSAStarted(ctx)
	}
}

func (p *Pipeline) tsaFinished(ctx context.Context) {
	if p.obs != nil {
		p.obs.TSAFinished(ctx)
	}
}

func callAttrs(callID, organizationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("evidence.call_id", callID),
		attribute.String("evidence.organization_id", organizationID),
	}
}

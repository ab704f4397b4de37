package avatarstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/marionette/internal/observe"
)

// Instrumented wraps a [Store] with a span and a latency sample per
// operation. Failures other than [ErrNotFound] and [ErrExists] are logged.
type Instrumented struct {
	Store
	metrics *observe.Metrics
}

// Instrument returns s wrapped with tracing and latency recording to m.
func Instrument(s Store, m *observe.Metrics) *Instrumented {
	return &Instrumented{Store: s, metrics: m}
}

// begin starts the span for op. The returned func ends it with the
// operation's error.
func (i *Instrumented) begin(ctx context.Context, op, id string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("avatarstore.op", op)}
	if id != "" {
		attrs = append(attrs, attribute.String("avatar.id", id))
	}
	ctx, span := observe.StartSpan(ctx, "avatarstore."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		i.metrics.RecordStoreOp(ctx, op, time.Since(start).Seconds())
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) {
			// Expected outcomes for callers, not store failures.
			span.SetAttributes(attribute.String("avatarstore.result", err.Error()))
			err = nil
		}
		if err != nil {
			observe.Logger(ctx, nil).Warn("avatarstore: operation failed", "op", op, "avatar", id, "err", err)
		}
		observe.EndSpan(span, err)
	}
}

// Create implements [Store].
func (i *Instrumented) Create(ctx context.Context, def *Definition) error {
	ctx, done := i.begin(ctx, "create", def.ID)
	err := i.Store.Create(ctx, def)
	done(err)
	return err
}

// Get implements [Store].
func (i *Instrumented) Get(ctx context.Context, id string) (*Definition, error) {
	ctx, done := i.begin(ctx, "get", id)
	def, err := i.Store.Get(ctx, id)
	done(err)
	return def, err
}

// Update implements [Store].
func (i *Instrumented) Update(ctx context.Context, def *Definition) error {
	ctx, done := i.begin(ctx, "update", def.ID)
	err := i.Store.Update(ctx, def)
	done(err)
	return err
}

// Delete implements [Store].
func (i *Instrumented) Delete(ctx context.Context, id string) error {
	ctx, done := i.begin(ctx, "delete", id)
	err := i.Store.Delete(ctx, id)
	done(err)
	return err
}

// List implements [Store].
func (i *Instrumented) List(ctx context.Context, sceneID string) ([]Definition, error) {
	ctx, done := i.begin(ctx, "list", "")
	defs, err := i.Store.List(ctx, sceneID)
	done(err)
	return defs, err
}

// Upsert implements [Store].
func (i *Instrumented) Upsert(ctx context.Context, def *Definition) error {
	ctx, done := i.begin(ctx, "upsert", def.ID)
	err := i.Store.Upsert(ctx, def)
	done(err)
	return err
}

package provider

import (
	"context"
	"errors"
	"log/slog"
)

// Failover multiplexes an ordered sequence of providers.
//
// For every call it tries providers in listed order, records each failure and
// advances to the next; the first success returns immediately without calling
// the remaining providers. A provider is never retried within one logical
// call. If every provider fails, the surfaced *Error carries the last
// provider's identity and message. Each attempt is independent: no partial
// state crosses provider boundaries.
type Failover struct {
	providers []Named
	logger    *slog.Logger
}

// NewFailover creates a failover chain. At least one provider is required.
// A nil logger discards attempt logs.
func NewFailover(logger *slog.Logger, providers ...Named) (*Failover, error) {
	if len(providers) == 0 {
		return nil, errors.New("failover requires at least one provider")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Failover{providers: providers, logger: logger}, nil
}

var _ Interface = (*Failover)(nil)

// attempt runs fn against each provider in order, returning the first success.
func attempt[T any](ctx context.Context, f *Failover, op string, fn func(Named) (T, error)) (T, error) {
	var lastErr error
	var lastName string

	for _, p := range f.providers {
		result, err := fn(p)
		if err == nil {
			return result, nil
		}
		lastErr = err
		lastName = p.Name()
		f.logger.WarnContext(ctx, "provider attempt failed",
			"op", op,
			"provider", lastName,
			"error", err,
		)
	}

	var zero T
	return zero, &Error{Provider: lastName, Attempts: len(f.providers), cause: lastErr}
}

// Embed implements Interface.
func (f *Failover) Embed(ctx context.Context, text string) ([]float32, error) {
	return attempt(ctx, f, "embed", func(p Named) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements Interface.
func (f *Failover) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return attempt(ctx, f, "embed_batch", func(p Named) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Chat implements Interface.
func (f *Failover) Chat(ctx context.Context, messages []Message) (string, error) {
	return attempt(ctx, f, "chat", func(p Named) (string, error) {
		return p.Chat(ctx, messages)
	})
}

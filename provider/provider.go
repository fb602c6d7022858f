// Package provider defines the capability contract for external embedding and
// chat backends, a deterministic ordered-failover multiplexer over several of
// them, and an embedding cache decorator.
//
// The engine never talks to a backend directly; it holds an Interface and
// does not care whether one provider or a failover chain sits behind it.
package provider

import (
	"context"
	"fmt"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Interface is the capability contract consumed by the engine.
type Interface interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Chat returns the assistant completion for the given messages.
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Named is an Interface with a stable identity, required for failover so the
// surfaced error can name the backend that produced it.
type Named interface {
	Interface
	Name() string
}

// Error is the aggregated failure surfaced after every provider in a failover
// chain has been tried. It carries the identity and message of the LAST
// provider attempted; earlier failures are logged, not surfaced.
type Error struct {
	// Provider is the name of the last provider attempted.
	Provider string
	// Attempts is the number of providers tried.
	Attempts int
	cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("all %d providers failed, last (%s): %v", e.Attempts, e.Provider, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

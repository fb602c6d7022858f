package openmemory

import (
	"errors"
	"fmt"

	"github.com/lucivskvn/openmemory/temporal"
	"github.com/lucivskvn/openmemory/vectorstore"
	"github.com/lucivskvn/openmemory/waypoint"
)

var (
	// ErrNotFound is returned when a memory, fact, or edge does not
	// exist for the requesting tenant.
	ErrNotFound = errors.New("not found")

	// ErrNoProvider is returned by operations that need an embedding or
	// chat provider when none was configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")
)

// ValidationError indicates a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IntegrityError indicates a violated storage invariant, such as a
// broken version chain or a partially applied write.
type IntegrityError struct {
	Op    string
	cause error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s: %v", e.Op, e.cause)
}

func (e *IntegrityError) Unwrap() error { return e.cause }

// SecurityError indicates a fetch target that was rejected before any
// network activity took place.
type SecurityError struct {
	Target string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("refusing to fetch %q: %s", e.Target, e.Reason)
}

// translateError maps subsystem errors onto the engine's error surface
// so callers only match against this package.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var dim *vectorstore.ErrDimensionMismatch
	if errors.As(err, &dim) {
		return &ValidationError{
			Field:  "vector",
			Reason: fmt.Sprintf("sector %s expects dimension %d, got %d", dim.Sector, dim.Expected, dim.Actual),
		}
	}
	var sector *vectorstore.ErrUnknownSector
	if errors.As(err, &sector) {
		return &ValidationError{Field: "sector", Reason: "unknown sector " + sector.Sector}
	}
	if errors.Is(err, vectorstore.ErrInvalidK) {
		return &ValidationError{Field: "k", Reason: "must be positive"}
	}
	var weight *waypoint.ErrInvalidWeight
	if errors.As(err, &weight) {
		return &ValidationError{Field: "weight", Reason: fmt.Sprintf("%v is outside [0, 1]", weight.Weight)}
	}
	var conf *temporal.ErrInvalidConfidence
	if errors.As(err, &conf) {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v is outside [0, 1]", conf.Confidence)}
	}
	var missing *temporal.ErrMissingField
	if errors.As(err, &missing) {
		return &ValidationError{Field: missing.Field, Reason: "must not be empty"}
	}
	var chain *temporal.ErrChainViolation
	if errors.As(err, &chain) {
		return &IntegrityError{Op: "version chain close", cause: chain}
	}
	if errors.Is(err, temporal.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

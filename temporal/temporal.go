// Package temporal implements the bitemporal append-only ledger of
// subject/predicate/object facts and typed relation edges.
//
// Every fact version carries a valid-time interval [valid_from, valid_to).
// For a given (user, subject, predicate) key at most one version is current
// (valid_to IS NULL) at any instant. The only transition out of "current" is
// the atomic close-and-replace performed by InsertFact, or an explicit
// InvalidateFact; there is no update in place. Edges follow the identical
// versioning rule keyed on (user, source, target, relation type).
package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucivskvn/openmemory/metadata"
)

// ErrNotFound is returned when a referenced fact or edge is absent.
var ErrNotFound = errors.New("not found")

// ErrInvalidConfidence indicates a confidence outside [0, 1].
type ErrInvalidConfidence struct {
	Confidence float64
}

func (e *ErrInvalidConfidence) Error() string {
	return fmt.Sprintf("confidence %g is outside [0, 1]", e.Confidence)
}

// ErrChainViolation indicates a version chain held something other than
// exactly one current row when a write tried to close it. The
// transaction is rolled back.
type ErrChainViolation struct {
	Key    string
	Closed int
}

func (e *ErrChainViolation) Error() string {
	return fmt.Sprintf("expected exactly one current version for %s, closed %d", e.Key, e.Closed)
}

// ErrMissingField indicates a required input field was empty.
type ErrMissingField struct {
	Field string
}

func (e *ErrMissingField) Error() string {
	return fmt.Sprintf("required field %q is empty", e.Field)
}

// Fact is one version of a subject/predicate/object triple.
type Fact struct {
	ID          string
	UserID      string
	Subject     string
	Predicate   string
	Object      string
	ValidFrom   time.Time
	ValidTo     *time.Time // nil means the version is current
	Confidence  float64
	LastUpdated time.Time
	Metadata    metadata.Document
}

// Current reports whether this version is the current one.
func (f Fact) Current() bool { return f.ValidTo == nil }

// Edge is one version of a typed relation between two entities.
type Edge struct {
	ID           string
	UserID       string
	SourceID     string
	TargetID     string
	RelationType string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Weight       float64
	Metadata     metadata.Document
}

// Current reports whether this version is the current one.
func (e Edge) Current() bool { return e.ValidTo == nil }

// FactInput is the request to record a new fact version.
type FactInput struct {
	UserID     string
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	Metadata   metadata.Document
}

func (in FactInput) validate() error {
	if in.Subject == "" {
		return &ErrMissingField{Field: "subject"}
	}
	if in.Predicate == "" {
		return &ErrMissingField{Field: "predicate"}
	}
	if in.Object == "" {
		return &ErrMissingField{Field: "object"}
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return &ErrInvalidConfidence{Confidence: in.Confidence}
	}
	return nil
}

// EdgeInput is the request to record a new edge version.
type EdgeInput struct {
	UserID       string
	SourceID     string
	TargetID     string
	RelationType string
	Weight       float64
	Metadata     metadata.Document
}

func (in EdgeInput) validate() error {
	if in.SourceID == "" {
		return &ErrMissingField{Field: "source_id"}
	}
	if in.TargetID == "" {
		return &ErrMissingField{Field: "target_id"}
	}
	if in.RelationType == "" {
		return &ErrMissingField{Field: "relation_type"}
	}
	if in.Weight < 0 || in.Weight > 1 {
		return &ErrInvalidConfidence{Confidence: in.Weight}
	}
	return nil
}

// Query filters a point-in-time fact lookup. Empty fields match everything;
// UserID is mandatory.
type Query struct {
	UserID    string
	Subject   string
	Predicate string
	Object    string
}

// EdgeQuery filters a point-in-time edge lookup.
type EdgeQuery struct {
	UserID       string
	SourceID     string
	TargetID     string
	RelationType string
}

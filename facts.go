package openmemory

import (
	"context"
	"iter"
	"time"

	"github.com/lucivskvn/openmemory/maintenance"
	"github.com/lucivskvn/openmemory/metadata"
	"github.com/lucivskvn/openmemory/temporal"
)

// InsertFact records a new version of a subject/predicate fact. Any
// prior current version is closed in the same transaction.
func (e *Engine) InsertFact(ctx context.Context, in temporal.FactInput) (f temporal.Fact, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordFactWrite(time.Since(start), err)
		e.logger.LogFact(ctx, in.Subject, in.Predicate, err)
	}()

	if e.isClosed() {
		return temporal.Fact{}, ErrClosed
	}
	f, err = e.facts.InsertFact(ctx, in)
	return f, translateError(err)
}

// InvalidateFact closes the current version of a fact without
// recording a successor. Already-closed facts are a no-op.
func (e *Engine) InvalidateFact(ctx context.Context, userID, id string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return translateError(e.facts.InvalidateFact(ctx, id, normalizeUser(userID)))
}

// QueryFactsAt returns the fact versions valid at the given instant.
func (e *Engine) QueryFactsAt(ctx context.Context, q temporal.Query, at time.Time) ([]temporal.Fact, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	facts, err := e.facts.QueryAt(ctx, q, at)
	return facts, translateError(err)
}

// CurrentFact returns the open version of a subject/predicate fact.
func (e *Engine) CurrentFact(ctx context.Context, userID, subject, predicate string) (temporal.Fact, error) {
	if e.isClosed() {
		return temporal.Fact{}, ErrClosed
	}
	f, err := e.facts.CurrentFact(ctx, subject, predicate, normalizeUser(userID))
	return f, translateError(err)
}

// FactHistory returns every version of a subject/predicate fact in
// valid-from order.
func (e *Engine) FactHistory(ctx context.Context, userID, subject, predicate string) ([]temporal.Fact, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	facts, err := e.facts.History(ctx, subject, predicate, normalizeUser(userID))
	return facts, translateError(err)
}

// FactTimeline reconstructs the ordered change events for everything
// known about a subject.
func (e *Engine) FactTimeline(ctx context.Context, userID, subject string) iter.Seq2[temporal.Event, error] {
	return e.facts.Timeline(ctx, subject, normalizeUser(userID))
}

// InsertEdge records a new version of a typed relation between two
// entities, closing any prior current version.
func (e *Engine) InsertEdge(ctx context.Context, in temporal.EdgeInput) (edge temporal.Edge, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordFactWrite(time.Since(start), err) }()

	if e.isClosed() {
		return temporal.Edge{}, ErrClosed
	}
	edge, err = e.facts.InsertEdge(ctx, in)
	return edge, translateError(err)
}

// InvalidateEdge closes the current version of a relation.
func (e *Engine) InvalidateEdge(ctx context.Context, userID, id string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return translateError(e.facts.InvalidateEdge(ctx, id, normalizeUser(userID)))
}

// QueryEdgesAt returns the relation versions valid at the given
// instant.
func (e *Engine) QueryEdgesAt(ctx context.Context, q temporal.EdgeQuery, at time.Time) ([]temporal.Edge, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	edges, err := e.facts.QueryEdgesAt(ctx, q, at)
	return edges, translateError(err)
}

// Metadata re-exports the metadata document type for fact inputs.
type Metadata = metadata.Document

// StartMaintenance begins periodic background maintenance. Calling it
// on a running engine is a no-op.
func (e *Engine) StartMaintenance(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// StopMaintenance halts background maintenance and waits for any
// in-flight cycle.
func (e *Engine) StopMaintenance() {
	e.scheduler.Stop()
}

// RunMaintenance runs one full maintenance cycle synchronously and
// returns the per-job reports.
func (e *Engine) RunMaintenance(ctx context.Context) ([]maintenance.Report, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	cleanup, err := e.runner.CleanupOrphans(ctx)
	if err != nil {
		return []maintenance.Report{cleanup}, err
	}
	retrain, err := e.runner.RetrainAll(ctx)
	return []maintenance.Report{cleanup, retrain}, err
}

// MaintenanceStatus returns the most recent maintenance log entries,
// newest first.
func (e *Engine) MaintenanceStatus(ctx context.Context, limit int) ([]maintenance.LogEntry, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.runner.Status(ctx, limit)
}

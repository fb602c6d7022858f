package openmemory

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each add operation.
	// duration is the total time taken, err is nil if successful.
	RecordAdd(duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// k is the number of results requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordReinforce is called after each reinforcement.
	RecordReinforce(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordFactWrite is called after each temporal fact or edge write.
	RecordFactWrite(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)         {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordReinforce(time.Duration, error)   {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)      {}
func (NoopMetricsCollector) RecordFactWrite(time.Duration, error)   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddErrors        atomic.Int64
	AddTotalNanos    atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	ReinforceCount   atomic.Int64
	ReinforceErrors  atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	FactWriteCount   atomic.Int64
	FactWriteErrors  atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordReinforce implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReinforce(duration time.Duration, err error) {
	b.ReinforceCount.Add(1)
	if err != nil {
		b.ReinforceErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordFactWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFactWrite(duration time.Duration, err error) {
	b.FactWriteCount.Add(1)
	if err != nil {
		b.FactWriteErrors.Add(1)
	}
}

// Stats is a point-in-time snapshot of collected metrics.
type Stats struct {
	AddCount        int64
	AddErrors       int64
	AddAvgNanos     int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgNanos  int64
	ReinforceCount  int64
	ReinforceErrors int64
	DeleteCount     int64
	DeleteErrors    int64
	FactWriteCount  int64
	FactWriteErrors int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() Stats {
	s := Stats{
		AddCount:        b.AddCount.Load(),
		AddErrors:       b.AddErrors.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		ReinforceCount:  b.ReinforceCount.Load(),
		ReinforceErrors: b.ReinforceErrors.Load(),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		FactWriteCount:  b.FactWriteCount.Load(),
		FactWriteErrors: b.FactWriteErrors.Load(),
	}
	if s.AddCount > 0 {
		s.AddAvgNanos = b.AddTotalNanos.Load() / s.AddCount
	}
	if s.SearchCount > 0 {
		s.SearchAvgNanos = b.SearchTotalNanos.Load() / s.SearchCount
	}
	return s
}

// Package rank implements the fusion scoring function that combines raw
// vector similarity, temporal decay and feedback salience into a single
// ordering. All functions are pure; the ranker never mutates stored state.
package rank

import (
	"math"
	"time"
)

// Reduction selects how per-sector similarities for one memory are combined
// into a single similarity before fusion.
type Reduction int

const (
	// ReduceMax keeps the strongest per-sector similarity.
	ReduceMax Reduction = iota
	// ReduceWeightedSum sums per-sector similarities scaled by sector weight.
	ReduceWeightedSum
)

// Config holds the tunable parameters of the fusion score.
type Config struct {
	// HalfLife is the age at which the decay factor halves.
	HalfLife time.Duration

	// Reduction combines per-sector similarities. Default: ReduceMax.
	Reduction Reduction

	// SectorWeights scales per-sector similarity under ReduceWeightedSum.
	// Sectors without an entry weigh 1.
	SectorWeights map[string]float64

	// SalienceWeight scales the salience contribution. Default 0.2.
	SalienceWeight float64

	// DecayWeight scales the recency contribution. Default 0.3.
	DecayWeight float64
}

// DefaultConfig returns the fusion parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		HalfLife:       72 * time.Hour,
		Reduction:      ReduceMax,
		SalienceWeight: 0.2,
		DecayWeight:    0.3,
	}
}

// Decay returns the exponential half-life decay factor for an item last seen
// at lastSeen, evaluated at now: 2^(-(now-lastSeen)/halfLife).
//
// A non-positive half-life disables decay (factor 1). A lastSeen in the
// future clamps to 1.
func Decay(lastSeen, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(lastSeen)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// Score fuses a similarity in [-1,1], a last-seen timestamp and a salience
// into one ranking score.
//
// The result is monotonically non-decreasing in sim and salience, and
// monotonically non-increasing in (now - lastSeen).
func Score(sim float64, lastSeen, now time.Time, salience float64, cfg Config) float64 {
	sw := cfg.SalienceWeight
	dw := cfg.DecayWeight
	return sim + dw*Decay(lastSeen, now, cfg.HalfLife) + sw*salience
}

// Reduce combines per-sector similarities for one memory according to the
// configured reduction. An empty input reduces to 0.
func Reduce(sectorSims map[string]float64, cfg Config) float64 {
	if len(sectorSims) == 0 {
		return 0
	}
	switch cfg.Reduction {
	case ReduceWeightedSum:
		var sum float64
		for sector, sim := range sectorSims {
			w := 1.0
			if sw, ok := cfg.SectorWeights[sector]; ok {
				w = sw
			}
			sum += w * sim
		}
		return sum
	default:
		best := math.Inf(-1)
		for _, sim := range sectorSims {
			if sim > best {
				best = sim
			}
		}
		return best
	}
}

package openmemory

import (
	"time"

	"github.com/lucivskvn/openmemory/distance"
	"github.com/lucivskvn/openmemory/rank"
)

// SectorConfig describes a single embedding sector.
type SectorConfig struct {
	// Dimension is the expected embedding width for vectors stored in
	// this sector.
	Dimension int

	// Weight scales this sector's similarity during weighted-sum
	// reduction. Ignored when Reduction is ReduceMax.
	Weight float64
}

// Config holds the engine-wide tuning knobs.
type Config struct {
	// Sectors maps sector names to their configuration. Every vector
	// write and search is validated against this map.
	Sectors map[string]SectorConfig

	// DefaultSector is used when a request does not name a sector.
	DefaultSector string

	// HalfLife controls recency decay during ranking.
	HalfLife time.Duration

	// Reduction selects how per-sector similarities collapse into a
	// single similarity per memory.
	Reduction rank.Reduction

	// DecayWeight and SalienceWeight are the fusion coefficients added
	// to similarity when scoring results.
	DecayWeight    float64
	SalienceWeight float64

	// SummaryDim is the width of compressed vector summaries kept
	// alongside full vectors for cheap approximate comparison.
	SummaryDim int

	// Metric selects how stored vectors are compared to queries.
	// Defaults to cosine similarity.
	Metric distance.Metric

	// MaxWaypointDepth caps the number of graph layers traversed during
	// waypoint expansion. Zero leaves depth unbounded; only the
	// per-search expansion budget applies.
	MaxWaypointDepth int
}

// DefaultConfig returns a configuration with the standard five sectors
// at 768 dimensions and moderate decay.
func DefaultConfig() Config {
	return Config{
		Sectors: map[string]SectorConfig{
			"semantic":   {Dimension: 768, Weight: 1.0},
			"episodic":   {Dimension: 768, Weight: 0.9},
			"procedural": {Dimension: 768, Weight: 0.8},
			"emotional":  {Dimension: 768, Weight: 0.6},
			"reflective": {Dimension: 768, Weight: 0.7},
		},
		DefaultSector:    "semantic",
		HalfLife:         72 * time.Hour,
		Reduction:        rank.ReduceMax,
		DecayWeight:      0.2,
		SalienceWeight:   0.3,
		SummaryDim:       64,
		Metric:           distance.MetricCosine,
		MaxWaypointDepth: 2,
	}
}

func (c *Config) validate() error {
	if len(c.Sectors) == 0 {
		return &ValidationError{Field: "Sectors", Reason: "at least one sector is required"}
	}
	for name, sc := range c.Sectors {
		if name == "" {
			return &ValidationError{Field: "Sectors", Reason: "sector name must not be empty"}
		}
		if sc.Dimension <= 0 {
			return &ValidationError{Field: "Sectors", Reason: "sector " + name + " has non-positive dimension"}
		}
	}
	if _, ok := c.Sectors[c.DefaultSector]; !ok {
		return &ValidationError{Field: "DefaultSector", Reason: "default sector " + c.DefaultSector + " is not configured"}
	}
	if c.SummaryDim <= 0 {
		return &ValidationError{Field: "SummaryDim", Reason: "must be positive"}
	}
	if _, err := distance.Provider(c.Metric); err != nil {
		return &ValidationError{Field: "Metric", Reason: err.Error()}
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 72 * time.Hour
	}
	if c.MaxWaypointDepth < 0 {
		c.MaxWaypointDepth = 0
	}
	return nil
}

func (c *Config) rankConfig() rank.Config {
	weights := make(map[string]float64, len(c.Sectors))
	for name, sc := range c.Sectors {
		weights[name] = sc.Weight
	}
	return rank.Config{
		HalfLife:       c.HalfLife,
		Reduction:      c.Reduction,
		SectorWeights:  weights,
		DecayWeight:    c.DecayWeight,
		SalienceWeight: c.SalienceWeight,
	}
}

func (c *Config) sectorDims() map[string]int {
	dims := make(map[string]int, len(c.Sectors))
	for name, sc := range c.Sectors {
		dims[name] = sc.Dimension
	}
	return dims
}

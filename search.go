// This file implements the fluent search API for querying an Engine.
package openmemory

import (
	"context"
	"sort"
	"time"

	"github.com/lucivskvn/openmemory/rank"
	"github.com/lucivskvn/openmemory/vectorstore"
)

// Search creates a new fluent search builder for the given query text.
//
// Example:
//
//	results, err := eng.Search("coffee preferences").
//	    User("user_a").
//	    Sectors("semantic", "episodic").
//	    K(10).
//	    ExpandWaypoints(5).
//	    Execute(ctx)
func (e *Engine) Search(query string) *SearchBuilder {
	return &SearchBuilder{
		e:     e,
		query: query,
		k:     10, // Default k
	}
}

// SearchBuilder is a fluent builder for constructing search queries.
type SearchBuilder struct {
	e      *Engine
	query  string
	vector []float32
	userID string

	sectors []string
	k       int
	expand  int
	minSim  float64
}

// User scopes the search to a tenant. Empty means "anonymous".
func (sb *SearchBuilder) User(userID string) *SearchBuilder {
	sb.userID = userID
	return sb
}

// Vector supplies a precomputed query embedding, skipping the provider.
func (sb *SearchBuilder) Vector(v []float32) *SearchBuilder {
	sb.vector = v
	return sb
}

// Sectors restricts the search to the named sectors.
// The default searches every configured sector.
func (sb *SearchBuilder) Sectors(names ...string) *SearchBuilder {
	sb.sectors = names
	return sb
}

// K sets the number of direct matches to return.
func (sb *SearchBuilder) K(k int) *SearchBuilder {
	sb.k = k
	return sb
}

// ExpandWaypoints appends up to n graph-expanded memories to the
// results. Expanded entries carry attenuation-scaled scores and never
// outrank the direct matches they were reached from.
func (sb *SearchBuilder) ExpandWaypoints(n int) *SearchBuilder {
	sb.expand = n
	return sb
}

// MinSimilarity drops candidates whose reduced similarity falls below
// the threshold, before decay and salience fusion.
func (sb *SearchBuilder) MinSimilarity(s float64) *SearchBuilder {
	sb.minSim = s
	return sb
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Memory Memory

	// Score is the fused ranking score: reduced similarity plus
	// weighted decay and salience contributions.
	Score float64

	// Similarity is the reduced cross-sector similarity in [0, 1].
	Similarity float64

	// SectorSims holds the per-sector cosine similarities that were
	// reduced into Similarity.
	SectorSims map[string]float64

	// Expanded marks results discovered through the waypoint graph
	// rather than by direct vector match.
	Expanded    bool
	Attenuation float64
	Depth       int
}

// Execute runs the search and returns ranked results. The search path
// is read-only; reinforcement is a separate, explicit operation.
func (sb *SearchBuilder) Execute(ctx context.Context) (results []SearchResult, err error) {
	e := sb.e
	start := time.Now()
	ctx, end := e.tracer.StartSpan(ctx, "search", sb.userID)
	defer func() {
		end(err)
		e.metrics.RecordSearch(sb.k, time.Since(start), err)
		e.logger.LogSearch(ctx, sb.k, len(results), err)
	}()

	if e.isClosed() {
		return nil, ErrClosed
	}
	if sb.k <= 0 {
		return nil, &ValidationError{Field: "k", Reason: "must be positive"}
	}
	if sb.expand < 0 {
		return nil, &ValidationError{Field: "expand", Reason: "must not be negative"}
	}
	userID := normalizeUser(sb.userID)

	sectors := sb.sectors
	if len(sectors) == 0 {
		sectors = make([]string, 0, len(e.cfg.Sectors))
		for name := range e.cfg.Sectors {
			sectors = append(sectors, name)
		}
		sort.Strings(sectors)
	}

	qvec := sb.vector
	if qvec == nil {
		if sb.query == "" {
			return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
		}
		if e.provider == nil {
			return nil, ErrNoProvider
		}
		if qvec, err = e.provider.Embed(ctx, sb.query); err != nil {
			return nil, err
		}
	}

	sectorSims := make(map[string]map[string]float64)
	for _, sector := range sectors {
		hits, err := e.vectors.Search(ctx, qvec, sector, sb.k, vectorstore.Filters{UserID: userID})
		if err != nil {
			return nil, translateError(err)
		}
		for _, h := range hits {
			sims, ok := sectorSims[h.MemoryID]
			if !ok {
				sims = make(map[string]float64)
				sectorSims[h.MemoryID] = sims
			}
			sims[sector] = float64(h.Similarity)
		}
	}

	ids := make([]string, 0, len(sectorSims))
	reduced := make(map[string]float64, len(sectorSims))
	for id, sims := range sectorSims {
		sim := rank.Reduce(sims, e.rankCfg)
		if sim < sb.minSim {
			continue
		}
		reduced[id] = sim
		ids = append(ids, id)
	}

	mems, err := e.loadMemories(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, id := range ids {
		mem, ok := mems[id]
		if !ok {
			continue // row deleted between search and load
		}
		sim := reduced[id]
		results = append(results, SearchResult{
			Memory:     mem,
			Score:      rank.Score(sim, mem.LastSeenAt, now, mem.Salience, e.rankCfg),
			Similarity: sim,
			SectorSims: sectorSims[id],
		})
	}
	sortResults(results)
	if len(results) > sb.k {
		results = results[:sb.k]
	}

	if sb.expand > 0 && len(results) > 0 {
		expanded, err := sb.expandResults(ctx, userID, results, now)
		if err != nil {
			return nil, err
		}
		results = append(results, expanded...)
	}

	directIDs := make([]string, 0, len(results))
	for _, r := range results {
		if !r.Expanded {
			directIDs = append(directIDs, r.Memory.ID)
		}
	}
	e.mu.Lock()
	e.lastRetrieved[userID] = directIDs
	e.mu.Unlock()

	return results, nil
}

// expandResults walks the waypoint graph outward from the direct hits.
// An expanded memory scores its attenuation times the weakest seed
// score, which keeps every expansion ranked below every seed.
func (sb *SearchBuilder) expandResults(ctx context.Context, userID string, seeds []SearchResult, now time.Time) ([]SearchResult, error) {
	e := sb.e

	seedIDs := make([]string, len(seeds))
	floor := seeds[0].Score
	for i, s := range seeds {
		seedIDs[i] = s.Memory.ID
		if s.Score < floor {
			floor = s.Score
		}
	}

	expansions, err := e.expander.Expand(ctx, seedIDs, sb.expand, userID)
	if err != nil {
		return nil, err
	}
	if len(expansions) == 0 {
		return nil, nil
	}

	ids := make([]string, len(expansions))
	for i, exp := range expansions {
		ids[i] = exp.MemoryID
	}
	mems, err := e.loadMemories(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, exp := range expansions {
		mem, ok := mems[exp.MemoryID]
		if !ok {
			continue
		}
		out = append(out, SearchResult{
			Memory:      mem,
			Score:       exp.Attenuation * floor,
			Expanded:    true,
			Attenuation: exp.Attenuation,
			Depth:       exp.Depth,
		})
	}
	sortResults(out)
	return out, nil
}

func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

package waypoint

import (
	"context"
	"sort"
)

// Expansion is one node discovered by graph traversal.
type Expansion struct {
	// MemoryID is the discovered node.
	MemoryID string

	// Attenuation is the product of edge weights along the discovery path,
	// in (0, 1]. Expanded nodes contribute their attenuation-scaled score so
	// they never outrank a directly matched seed of equal raw similarity.
	Attenuation float64

	// Depth is the BFS layer the node was discovered in (seeds are depth 0).
	Depth int
}

// Expander traverses the waypoint graph breadth-first in discrete layers.
type Expander struct {
	store    *Store
	maxDepth int
}

// NewExpander creates an Expander over the given store. Traversal stops
// after maxDepth layers; maxDepth <= 0 leaves depth unbounded and only
// the per-call budget applies.
func NewExpander(store *Store, maxDepth int) *Expander {
	return &Expander{store: store, maxDepth: maxDepth}
}

// Expand discovers up to maxExp new nodes reachable from seeds over the
// tenant's waypoint edges.
//
// Traversal is layer-BFS: every unvisited neighbor of layer N is discovered
// before layer N+1 begins. A global visited set guarantees termination on
// cyclic graphs. When the budget runs out mid-layer, the partial layer is
// selected by descending edge weight, with ascending node id as the
// deterministic tie-break. Seeds themselves are never returned.
//
// The result size never exceeds maxExp, so callers hold the overall
// invariant len(seeds) + len(result) <= len(seeds) + maxExp.
func (e *Expander) Expand(ctx context.Context, seeds []string, maxExp int, userID string) ([]Expansion, error) {
	if maxExp <= 0 || len(seeds) == 0 {
		return nil, nil
	}

	visited := make(map[string]bool, len(seeds)+maxExp)
	attenuation := make(map[string]float64, len(seeds))
	for _, id := range seeds {
		visited[id] = true
		attenuation[id] = 1
	}

	frontier := append([]string(nil), seeds...)
	var result []Expansion

	for depth := 1; len(frontier) > 0 && len(result) < maxExp; depth++ {
		if e.maxDepth > 0 && depth > e.maxDepth {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		edges, err := e.store.Neighbors(ctx, frontier, userID)
		if err != nil {
			return nil, err
		}

		// Collect this layer's discoveries, keeping the strongest path per
		// node when several frontier nodes reach it.
		type discovery struct {
			id          string
			edgeWeight  float64
			attenuation float64
		}
		best := make(map[string]discovery)
		for _, edge := range edges {
			if visited[edge.DstID] {
				continue
			}
			att := attenuation[edge.SrcID] * edge.Weight
			if prev, ok := best[edge.DstID]; !ok || att > prev.attenuation {
				best[edge.DstID] = discovery{id: edge.DstID, edgeWeight: edge.Weight, attenuation: att}
			}
		}
		if len(best) == 0 {
			break
		}

		layer := make([]discovery, 0, len(best))
		for _, d := range best {
			layer = append(layer, d)
		}
		sort.Slice(layer, func(i, j int) bool {
			if layer[i].edgeWeight != layer[j].edgeWeight {
				return layer[i].edgeWeight > layer[j].edgeWeight
			}
			return layer[i].id < layer[j].id
		})

		if remaining := maxExp - len(result); len(layer) > remaining {
			layer = layer[:remaining]
		}

		frontier = frontier[:0]
		for _, d := range layer {
			visited[d.id] = true
			attenuation[d.id] = d.attenuation
			result = append(result, Expansion{MemoryID: d.id, Attenuation: d.attenuation, Depth: depth})
			frontier = append(frontier, d.id)
		}
	}

	return result, nil
}

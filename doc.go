// Package openmemory is an embedded, multi-tenant memory store for AI
// agents, built on SQLite.
//
// Memories are embedded into one or more named sectors, searched by
// cosine similarity, and fused with recency decay and salience at rank
// time. A waypoint graph links related memories and is expanded
// breadth-first during search. A bitemporal fact store tracks
// subject/predicate/object knowledge with full version history, and a
// background maintenance scheduler prunes orphans and retrains edge
// weights.
//
// Basic usage:
//
//	eng, err := openmemory.Open("memory.db", openmemory.DefaultConfig(),
//		openmemory.WithProvider(myProvider),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	res, err := eng.Add(ctx, openmemory.AddRequest{
//		Content: "the user prefers dark roast coffee",
//		UserID:  "user_a",
//	})
//
//	hits, err := eng.Search("coffee preferences").
//		User("user_a").
//		K(5).
//		Execute(ctx)
package openmemory

package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEdge(t *testing.T, s *Store, user, src, dst, rel string, weight float64) Edge {
	t.Helper()
	e, err := s.InsertEdge(context.Background(), EdgeInput{
		UserID: user, SourceID: src, TargetID: dst, RelationType: rel, Weight: weight,
	})
	require.NoError(t, err)
	return e
}

func TestInsertEdgeValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertEdge(ctx, EdgeInput{TargetID: "b", RelationType: "knows", Weight: 0.5})
	require.Error(t, err)

	_, err = s.InsertEdge(ctx, EdgeInput{SourceID: "a", TargetID: "b", RelationType: "knows", Weight: 1.5})
	require.Error(t, err)
}

func TestEdgeSingleCurrentVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertEdge(t, s, "alice", "a", "b", "knows", 0.3)
	v2 := insertEdge(t, s, "alice", "a", "b", "knows", 0.8)

	now := time.Now()
	edges, err := s.QueryEdgesAt(ctx, EdgeQuery{UserID: "alice", SourceID: "a", TargetID: "b"}, now)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, v2.ID, edges[0].ID)
	assert.Equal(t, 0.8, edges[0].Weight)
	assert.Nil(t, edges[0].ValidTo)
}

func TestEdgeDistinctRelationTypesCoexist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Different relation types are different keys: both stay current.
	insertEdge(t, s, "alice", "a", "b", "knows", 0.5)
	insertEdge(t, s, "alice", "a", "b", "works_with", 0.5)

	edges, err := s.QueryEdgesAt(ctx, EdgeQuery{UserID: "alice", SourceID: "a", TargetID: "b"}, time.Now())
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestEdgeTimeTravel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1 := insertEdge(t, s, "alice", "a", "b", "knows", 0.3)
	v2 := insertEdge(t, s, "alice", "a", "b", "knows", 0.8)

	mid := v1.ValidFrom.Add(v2.ValidFrom.Sub(v1.ValidFrom) / 2)
	edges, err := s.QueryEdgesAt(ctx, EdgeQuery{UserID: "alice", SourceID: "a"}, mid)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, v1.ID, edges[0].ID)
}

func TestInvalidateEdge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := insertEdge(t, s, "alice", "a", "b", "knows", 0.5)
	require.NoError(t, s.InvalidateEdge(ctx, e.ID, "alice"))

	edges, err := s.QueryEdgesAt(ctx, EdgeQuery{UserID: "alice", SourceID: "a"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, edges)

	require.NoError(t, s.InvalidateEdge(ctx, e.ID, "alice"))
	assert.ErrorIs(t, s.InvalidateEdge(ctx, "ghost", "alice"), ErrNotFound)
}

func TestEdgeTenantIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertEdge(t, s, "alice", "a", "b", "knows", 0.4)
	insertEdge(t, s, "bob", "a", "b", "knows", 0.6)

	edges, err := s.QueryEdgesAt(ctx, EdgeQuery{UserID: "alice"}, time.Now())
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.4, edges[0].Weight)
}

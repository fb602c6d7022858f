package openmemory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucivskvn/openmemory/distance"
	"github.com/lucivskvn/openmemory/metadata"
	"github.com/lucivskvn/openmemory/provider"
	"github.com/lucivskvn/openmemory/temporal"
)

// stubProvider returns canned embeddings keyed by exact text.
type stubProvider struct {
	vecs   map[string][]float32
	embeds int
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.embeds++
	if v, ok := p.vecs[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no embedding for %q", text)
}

func (p *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *stubProvider) Chat(context.Context, []provider.Message) (string, error) {
	return "ok", nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Sectors = map[string]SectorConfig{
		"semantic": {Dimension: 4, Weight: 1.0},
		"episodic": {Dimension: 4, Weight: 0.8},
	}
	cfg.DefaultSector = "semantic"
	cfg.SummaryDim = 2
	return cfg
}

func openTestEngine(t *testing.T, p provider.Interface, opts ...Option) *Engine {
	t.Helper()
	opts = append(opts, WithProvider(p))
	eng, err := Open(filepath.Join(t.TempDir(), "engine.db"), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"the user prefers dark roast coffee": {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	res, err := eng.Add(ctx, AddRequest{
		Content:  "the user prefers dark roast coffee",
		UserID:   "user_a",
		Tags:     []string{"preference"},
		Metadata: map[string]any{"source": "chat"},
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEmpty(t, res.Memory.ID)
	assert.Equal(t, 0.5, res.Memory.Salience)

	got, err := eng.Get(ctx, "user_a", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, "the user prefers dark roast coffee", got.Content)
	assert.Equal(t, "semantic", got.PrimarySector)
	assert.Equal(t, []string{"semantic"}, got.Sectors)
	assert.Equal(t, []string{"preference"}, got.Tags)
	assert.Equal(t, "chat", got.Metadata["source"])
}

func TestMetadataTypesSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"the user ran a marathon in 2024": {0, 1, 0, 0},
	}}
	eng := openTestEngine(t, p)

	res, err := eng.Add(ctx, AddRequest{
		Content: "the user ran a marathon in 2024",
		UserID:  "user_a",
		Metadata: map[string]any{
			"year":     2024,
			"distance": 42.195,
			"verified": true,
			"splits":   []any{"21.1", "42.2"},
		},
	})
	require.NoError(t, err)

	got, err := eng.Get(ctx, "user_a", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2024), got.Metadata["year"])
	assert.Equal(t, 42.195, got.Metadata["distance"])
	assert.Equal(t, true, got.Metadata["verified"])
	assert.Equal(t, []any{"21.1", "42.2"}, got.Metadata["splits"])
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{}}
	eng := openTestEngine(t, p)

	_, err := eng.Add(ctx, AddRequest{Content: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	_, err = eng.Add(ctx, AddRequest{Content: "text", Salience: 1.5})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "salience", verr.Field)

	_, err = eng.Add(ctx, AddRequest{Content: "text", PrimarySector: "nope"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sector", verr.Field)
}

func TestAddWithoutProvider(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(filepath.Join(t.TempDir(), "engine.db"), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, err = eng.Add(ctx, AddRequest{Content: "no provider configured here"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestAddNearDuplicateReinforces(t *testing.T) {
	ctx := context.Background()
	content := "the user strongly prefers freshly ground dark roast coffee"
	p := &stubProvider{vecs: map[string][]float32{content: {1, 0, 0, 0}}}
	eng := openTestEngine(t, p)

	first, err := eng.Add(ctx, AddRequest{Content: content, UserID: "user_a"})
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := eng.Add(ctx, AddRequest{Content: content, UserID: "user_a"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Memory.ID, second.Memory.ID)
	assert.Greater(t, second.Memory.Salience, first.Memory.Salience)

	// No second embedding and no second row.
	assert.Equal(t, 1, p.embeds)
	stats, err := eng.SectorStats(ctx, "user_a")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Count)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"alpha memory about espresso brewing": {1, 0, 0, 0},
		"beta memory about tea ceremonies":    {0, 1, 0, 0},
		"gamma memory about cold brew ratios": {0.9, 0.1, 0, 0},
		"espresso":                            {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	var ids []string
	for _, content := range []string{
		"alpha memory about espresso brewing",
		"beta memory about tea ceremonies",
		"gamma memory about cold brew ratios",
	} {
		res, err := eng.Add(ctx, AddRequest{Content: content, UserID: "user_a"})
		require.NoError(t, err)
		ids = append(ids, res.Memory.ID)
	}

	results, err := eng.Search("espresso").User("user_a").K(3).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[0], results[0].Memory.ID)
	assert.Equal(t, ids[2], results[1].Memory.ID)
	assert.Equal(t, ids[1], results[2].Memory.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestSearchTenantIsolation(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"private note for tenant a": {1, 0, 0, 0},
		"query":                     {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	_, err := eng.Add(ctx, AddRequest{Content: "private note for tenant a", UserID: "user_a"})
	require.NoError(t, err)

	results, err := eng.Search("query").User("user_b").Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchMinSimilarity(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"on topic note about espresso machines": {1, 0, 0, 0},
		"unrelated note about garden furniture": {0, 1, 0, 0},
		"espresso":                              {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	for _, content := range []string{
		"on topic note about espresso machines",
		"unrelated note about garden furniture",
	} {
		_, err := eng.Add(ctx, AddRequest{Content: content, UserID: "user_a"})
		require.NoError(t, err)
	}

	results, err := eng.Search("espresso").User("user_a").MinSimilarity(0.5).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "on topic note about espresso machines", results[0].Memory.Content)
}

func TestSearchExpandWaypoints(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"seed note about espresso extraction":  {1, 0, 0, 0},
		"linked note about grinder settings":   {0, 0, 1, 0},
		"distant note about milk temperatures": {0, 0, 0, 1},
		"espresso":                             {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	seed, err := eng.Add(ctx, AddRequest{Content: "seed note about espresso extraction", UserID: "user_a"})
	require.NoError(t, err)
	linked, err := eng.Add(ctx, AddRequest{Content: "linked note about grinder settings", UserID: "user_a"})
	require.NoError(t, err)
	distant, err := eng.Add(ctx, AddRequest{Content: "distant note about milk temperatures", UserID: "user_a"})
	require.NoError(t, err)

	require.NoError(t, eng.UpsertWaypoint(ctx, "user_a", seed.Memory.ID, linked.Memory.ID, 0.8))
	require.NoError(t, eng.UpsertWaypoint(ctx, "user_a", linked.Memory.ID, distant.Memory.ID, 0.5))

	results, err := eng.Search("espresso").
		User("user_a").
		K(1).
		MinSimilarity(0.5).
		ExpandWaypoints(2).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, seed.Memory.ID, results[0].Memory.ID)
	assert.False(t, results[0].Expanded)

	assert.Equal(t, linked.Memory.ID, results[1].Memory.ID)
	assert.True(t, results[1].Expanded)
	assert.Equal(t, 1, results[1].Depth)
	assert.InDelta(t, 0.8, results[1].Attenuation, 1e-9)
	assert.LessOrEqual(t, results[1].Score, results[0].Score)

	assert.Equal(t, distant.Memory.ID, results[2].Memory.ID)
	assert.Equal(t, 2, results[2].Depth)
	assert.InDelta(t, 0.4, results[2].Attenuation, 1e-9)
}

func TestAddRelatedIDsLinkWaypoints(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"base note about espresso dosing":  {1, 0, 0, 0},
		"follow up note about shot timing": {0, 0, 1, 0},
		"espresso":                         {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	base, err := eng.Add(ctx, AddRequest{Content: "base note about espresso dosing", UserID: "user_a"})
	require.NoError(t, err)
	follow, err := eng.Add(ctx, AddRequest{
		Content:    "follow up note about shot timing",
		UserID:     "user_a",
		RelatedIDs: []string{base.Memory.ID},
	})
	require.NoError(t, err)

	results, err := eng.Search("espresso").
		User("user_a").
		K(1).
		MinSimilarity(0.5).
		ExpandWaypoints(1).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, base.Memory.ID, results[0].Memory.ID)
	assert.Equal(t, follow.Memory.ID, results[1].Memory.ID)
	assert.True(t, results[1].Expanded)
	assert.InDelta(t, 0.5, results[1].Attenuation, 1e-9)
}

func TestReinforceStrengthensCoAccess(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"first note about espresso brewing":  {1, 0, 0, 0},
		"second note about espresso tamping": {0.9, 0.1, 0, 0},
		"espresso":                           {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	a, err := eng.Add(ctx, AddRequest{Content: "first note about espresso brewing", UserID: "user_a"})
	require.NoError(t, err)
	b, err := eng.Add(ctx, AddRequest{Content: "second note about espresso tamping", UserID: "user_a"})
	require.NoError(t, err)

	_, err = eng.Search("espresso").User("user_a").Execute(ctx)
	require.NoError(t, err)

	require.NoError(t, eng.Reinforce(ctx, "user_a", a.Memory.ID, 0.2))

	got, err := eng.Get(ctx, "user_a", a.Memory.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.Salience, 1e-9)

	// Co-access edges exist in both directions after reinforcement.
	results, err := eng.Search("espresso").
		User("user_a").
		K(1).
		MinSimilarity(0.95).
		ExpandWaypoints(1).
		Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, b.Memory.ID, results[1].Memory.ID)
	assert.True(t, results[1].Expanded)
}

func TestReinforceUnknownID(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t, &stubProvider{})
	err := eng.Reinforce(ctx, "user_a", "no-such-id", 0.1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &stubProvider{vecs: map[string][]float32{
		"note scheduled for deletion today": {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p)

	res, err := eng.Add(ctx, AddRequest{Content: "note scheduled for deletion today", UserID: "user_a"})
	require.NoError(t, err)

	require.NoError(t, eng.Delete(ctx, "user_a", res.Memory.ID))
	_, err = eng.Get(ctx, "user_a", res.Memory.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := eng.SectorStats(ctx, "user_a")
	require.NoError(t, err)
	assert.Empty(t, stats)

	// Deleting again is a no-op.
	assert.NoError(t, eng.Delete(ctx, "user_a", res.Memory.ID))
}

func TestFactSurface(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t, &stubProvider{})

	v1, err := eng.InsertFact(ctx, temporal.FactInput{
		UserID:     "user_a",
		Subject:    "user",
		Predicate:  "works_at",
		Object:     "Acme",
		Confidence: 0.9,
		Metadata:   Metadata{"source": metadata.String("onboarding")},
	})
	require.NoError(t, err)

	v2, err := eng.InsertFact(ctx, temporal.FactInput{
		UserID:     "user_a",
		Subject:    "user",
		Predicate:  "works_at",
		Object:     "Globex",
		Confidence: 0.95,
	})
	require.NoError(t, err)

	current, err := eng.CurrentFact(ctx, "user_a", "user", "works_at")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)
	assert.Equal(t, "Globex", current.Object)

	history, err := eng.FactHistory(ctx, "user_a", "user", "works_at")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, v1.ID, history[0].ID)
	assert.False(t, history[0].Current())
	assert.Equal(t, metadata.String("onboarding"), history[0].Metadata["source"])

	past, err := eng.QueryFactsAt(ctx, temporal.Query{UserID: "user_a", Subject: "user"}, v1.ValidFrom)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "Acme", past[0].Object)

	var count int
	for event, err := range eng.FactTimeline(ctx, "user_a", "user") {
		require.NoError(t, err)
		require.NotEmpty(t, event.Type)
		count++
	}
	assert.Equal(t, 2, count)

	_, err = eng.CurrentFact(ctx, "user_b", "user", "works_at")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactValidationTranslated(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t, &stubProvider{})

	_, err := eng.InsertFact(ctx, temporal.FactInput{UserID: "user_a", Predicate: "p", Object: "o"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "subject", verr.Field)

	_, err = eng.InsertFact(ctx, temporal.FactInput{
		UserID: "user_a", Subject: "s", Predicate: "p", Object: "o", Confidence: 2,
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confidence", verr.Field)
}

func TestRunMaintenance(t *testing.T) {
	ctx := context.Background()
	eng := openTestEngine(t, &stubProvider{})

	reports, err := eng.RunMaintenance(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, "success", r.Status())
	}

	entries, err := eng.MaintenanceStatus(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(filepath.Join(t.TempDir(), "engine.db"), testConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())

	_, err = eng.Add(ctx, AddRequest{Content: "text"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Search("text").Execute(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, eng.Delete(ctx, "user_a", "id"), ErrClosed)
	_, err = eng.CurrentFact(ctx, "user_a", "s", "p")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultSector = "missing"
	_, err := Open(filepath.Join(t.TempDir(), "engine.db"), cfg)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "DefaultSector", verr.Field)

	cfg = testConfig()
	cfg.Metric = distance.Metric(42)
	_, err = Open(filepath.Join(t.TempDir(), "engine.db"), cfg)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Metric", verr.Field)
}

func TestClockOverride(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &stubProvider{vecs: map[string][]float32{
		"note created under a pinned clock": {1, 0, 0, 0},
	}}
	eng := openTestEngine(t, p, WithClock(func() time.Time { return fixed }))

	res, err := eng.Add(ctx, AddRequest{Content: "note created under a pinned clock", UserID: "user_a"})
	require.NoError(t, err)
	assert.True(t, res.Memory.CreatedAt.Equal(fixed))
	assert.True(t, res.Memory.LastSeenAt.Equal(fixed))
}

func TestErrorStrings(t *testing.T) {
	assert.EqualError(t, &ValidationError{Field: "k", Reason: "must be positive"}, "invalid k: must be positive")
	assert.EqualError(t,
		&SecurityError{Target: "http://localhost", Reason: "localhost is not allowed"},
		`refusing to fetch "http://localhost": localhost is not allowed`)

	cause := errors.New("boom")
	wrapped := &IntegrityError{Op: "insert", cause: cause}
	assert.ErrorIs(t, wrapped, cause)
	assert.EqualError(t, wrapped, "integrity violation in insert: boom")
}

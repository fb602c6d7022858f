package openmemory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucivskvn/openmemory/compress"
	"github.com/lucivskvn/openmemory/maintenance"
	"github.com/lucivskvn/openmemory/metadata"
	"github.com/lucivskvn/openmemory/provider"
	"github.com/lucivskvn/openmemory/rank"
	"github.com/lucivskvn/openmemory/simhash"
	"github.com/lucivskvn/openmemory/store"
	"github.com/lucivskvn/openmemory/temporal"
	"github.com/lucivskvn/openmemory/vectorstore"
	"github.com/lucivskvn/openmemory/waypoint"
)

// Engine is the top-level handle. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	rankCfg rank.Config

	db        *store.DB
	vectors   *vectorstore.Store
	waypoints *waypoint.Store
	expander  *waypoint.Expander
	facts     *temporal.Store
	runner    *maintenance.Runner
	scheduler *maintenance.Scheduler

	provider provider.Interface
	cached   *provider.Cached

	logger  *Logger
	metrics MetricsCollector
	tracer  Tracer
	now     func() time.Time

	mu sync.Mutex
	// lastRetrieved remembers the most recent search results per tenant
	// so reinforcement can strengthen co-access waypoints.
	lastRetrieved map[string][]string
	closed        bool
}

// Open opens or creates the store at path and returns an Engine.
func Open(path string, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		tracer:           NoopTracer{},
		maintInterval:    time.Hour,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		rankCfg:       cfg.rankConfig(),
		db:            db,
		logger:        o.logger,
		metrics:       o.metricsCollector,
		tracer:        o.tracer,
		now:           o.clock,
		lastRetrieved: make(map[string][]string),
	}

	e.provider = o.provider
	if o.provider != nil && o.embedCacheBytes > 0 {
		cached, err := provider.NewCached(o.provider, o.embedCacheBytes)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		e.cached = cached
		e.provider = cached
	}

	codec := &compress.Codec{TargetDim: cfg.SummaryDim}
	e.vectors, err = vectorstore.New(db, cfg.sectorDims(), codec, vectorstore.WithMetric(cfg.Metric))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}
	e.waypoints = waypoint.NewStore(db)
	e.expander = waypoint.NewExpander(e.waypoints, cfg.MaxWaypointDepth)
	e.facts = temporal.NewStore(db).WithClock(e.now)
	e.runner = maintenance.NewRunner(db, e.rankCfg, o.logger.Logger)
	e.scheduler = maintenance.NewScheduler(e.runner, o.maintInterval, o.logger.Logger)

	return e, nil
}

// Close stops background maintenance and releases the database. It is
// safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Stop()
	if e.cached != nil {
		e.cached.Close()
	}
	return e.db.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Memory is a stored memory with its decoded content and metadata.
type Memory struct {
	ID            string
	UserID        string
	Content       string
	PrimarySector string
	Sectors       []string
	Tags          []string
	Metadata      map[string]any
	Salience      float64
	Simhash       uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSeenAt    time.Time
}

// AddRequest describes a memory to store.
type AddRequest struct {
	// Content is the memory text. Required.
	Content string

	// UserID scopes the memory to a tenant. Empty means "anonymous".
	UserID string

	// PrimarySector overrides the configured default sector.
	PrimarySector string

	// Sectors lists additional sectors to embed into. The primary
	// sector is always included.
	Sectors []string

	// Tags are free-form labels stored with the memory.
	Tags []string

	// Metadata is arbitrary structured data stored with the memory.
	Metadata map[string]any

	// Salience in [0, 1]. Zero means the default of 0.5.
	Salience float64

	// RelatedIDs creates initial waypoint links from the new memory to
	// the named existing memories, in both directions.
	RelatedIDs []string
}

// initialLinkWeight is the waypoint weight for links declared at add
// time. Retraining adjusts it afterwards.
const initialLinkWeight = 0.5

// AddResult reports the outcome of an Add.
type AddResult struct {
	Memory Memory

	// Deduplicated is true when the content was a near-duplicate of an
	// existing memory, which was reinforced instead of inserting a new
	// row.
	Deduplicated bool
}

// nearDuplicateBits is the maximum simhash hamming distance treated as
// the same content.
const nearDuplicateBits = 3

// Add embeds and stores a memory. Near-duplicate content reinforces the
// existing memory instead of creating a new one.
func (e *Engine) Add(ctx context.Context, req AddRequest) (res AddResult, err error) {
	start := time.Now()
	ctx, end := e.tracer.StartSpan(ctx, "add", req.UserID)
	defer func() {
		end(err)
		e.metrics.RecordAdd(time.Since(start), err)
		e.logger.LogAdd(ctx, res.Memory.ID, len(res.Memory.Sectors), res.Deduplicated, err)
	}()

	if e.isClosed() {
		return AddResult{}, ErrClosed
	}
	if req.Content == "" {
		return AddResult{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if req.Salience < 0 || req.Salience > 1 {
		return AddResult{}, &ValidationError{Field: "salience", Reason: "must be in [0, 1]"}
	}
	userID := normalizeUser(req.UserID)

	primary := req.PrimarySector
	if primary == "" {
		primary = e.cfg.DefaultSector
	}
	sectors := []string{primary}
	for _, s := range req.Sectors {
		if s != primary {
			sectors = append(sectors, s)
		}
	}
	for _, s := range sectors {
		if _, ok := e.cfg.Sectors[s]; !ok {
			return AddResult{}, &ValidationError{Field: "sector", Reason: "unknown sector " + s}
		}
	}

	fingerprint := simhash.Fingerprint(req.Content)
	dupID, err := e.findNearDuplicate(ctx, userID, fingerprint)
	if err != nil {
		return AddResult{}, err
	}
	if dupID != "" {
		if err := e.Reinforce(ctx, userID, dupID, 0.1); err != nil {
			return AddResult{}, err
		}
		mem, err := e.Get(ctx, userID, dupID)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{Memory: mem, Deduplicated: true}, nil
	}

	if e.provider == nil {
		return AddResult{}, ErrNoProvider
	}
	// Embedding happens outside the write transaction so a slow or
	// failing provider never holds the database lock.
	vec, err := e.provider.Embed(ctx, req.Content)
	if err != nil {
		return AddResult{}, err
	}
	for _, s := range sectors {
		if want := e.cfg.Sectors[s].Dimension; len(vec) != want {
			return AddResult{}, translateError(&vectorstore.ErrDimensionMismatch{
				Sector: s, Expected: want, Actual: len(vec),
			})
		}
	}

	salience := req.Salience
	if salience == 0 {
		salience = 0.5
	}
	now := e.now()
	mem := Memory{
		ID:            uuid.NewString(),
		UserID:        userID,
		Content:       req.Content,
		PrimarySector: primary,
		Sectors:       sectors,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
		Salience:      salience,
		Simhash:       fingerprint,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastSeenAt:    now,
	}

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.EnsureUser(ctx, tx, userID); err != nil {
			return err
		}
		if err := insertMemory(ctx, tx, mem, len(vec)); err != nil {
			return err
		}
		for _, s := range sectors {
			dim := e.cfg.Sectors[s].Dimension
			if err := e.vectors.StoreVectorTx(ctx, tx, mem.ID, s, vec, dim, userID); err != nil {
				return err
			}
		}
		for _, related := range req.RelatedIDs {
			if related == mem.ID {
				continue
			}
			if err := e.waypoints.UpsertTx(ctx, tx, mem.ID, related, userID, initialLinkWeight); err != nil {
				return err
			}
			if err := e.waypoints.UpsertTx(ctx, tx, related, mem.ID, userID, initialLinkWeight); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AddResult{}, translateError(err)
	}
	return AddResult{Memory: mem}, nil
}

func (e *Engine) findNearDuplicate(ctx context.Context, userID string, fingerprint uint64) (string, error) {
	rows, err := e.db.SQL().QueryContext(ctx,
		`SELECT id, simhash FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return "", fmt.Errorf("scan simhashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var h int64
		if err := rows.Scan(&id, &h); err != nil {
			return "", err
		}
		if simhash.NearDuplicate(fingerprint, uint64(h), nearDuplicateBits) {
			return id, nil
		}
	}
	return "", rows.Err()
}

func insertMemory(ctx context.Context, tx *sql.Tx, m Memory, dim int) error {
	sectorsJSON, err := json.Marshal(m.Sectors)
	if err != nil {
		return err
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	var metaBlob []byte
	if len(m.Metadata) > 0 {
		metaBlob, err = metadata.FromAny(m.Metadata).Encode()
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories
			(id, user_id, content, primary_sector, sectors, tags, metadata,
			 salience, simhash, mean_dim, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, store.EncodeContent(m.Content), m.PrimarySector,
		string(sectorsJSON), string(tagsJSON), metaBlob,
		m.Salience, int64(m.Simhash), dim,
		m.CreatedAt.UnixMicro(), m.UpdatedAt.UnixMicro(), m.LastSeenAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// Get returns one memory by id, scoped to the tenant.
func (e *Engine) Get(ctx context.Context, userID, id string) (Memory, error) {
	if e.isClosed() {
		return Memory{}, ErrClosed
	}
	userID = normalizeUser(userID)
	mems, err := e.loadMemories(ctx, userID, []string{id})
	if err != nil {
		return Memory{}, err
	}
	m, ok := mems[id]
	if !ok {
		return Memory{}, ErrNotFound
	}
	return m, nil
}

func (e *Engine) loadMemories(ctx context.Context, userID string, ids []string) (map[string]Memory, error) {
	if len(ids) == 0 {
		return map[string]Memory{}, nil
	}
	placeholders := ""
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	args = append(args, userID)
	rows, err := e.db.SQL().QueryContext(ctx, `
		SELECT id, user_id, content, primary_sector, sectors, tags, metadata,
		       salience, simhash, created_at, updated_at, last_seen_at
		FROM memories
		WHERE id IN (`+placeholders+`) AND user_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Memory, len(ids))
	for rows.Next() {
		var m Memory
		var content, metaBlob []byte
		var sectorsJSON, tagsJSON string
		var hash, created, updated, lastSeen int64
		if err := rows.Scan(&m.ID, &m.UserID, &content, &m.PrimarySector,
			&sectorsJSON, &tagsJSON, &metaBlob,
			&m.Salience, &hash, &created, &updated, &lastSeen); err != nil {
			return nil, err
		}
		if m.Content, err = store.DecodeContent(content); err != nil {
			return nil, fmt.Errorf("decode content for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(sectorsJSON), &m.Sectors); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, err
		}
		if len(metaBlob) > 0 {
			doc, err := metadata.Decode(metaBlob)
			if err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
			m.Metadata = doc.ToAny()
		}
		m.Simhash = uint64(hash)
		m.CreatedAt = time.UnixMicro(created)
		m.UpdatedAt = time.UnixMicro(updated)
		m.LastSeenAt = time.UnixMicro(lastSeen)
		out[m.ID] = m
	}
	return out, rows.Err()
}

// Delete removes memories and their vectors and waypoints. Missing ids
// are ignored.
func (e *Engine) Delete(ctx context.Context, userID string, ids ...string) (err error) {
	start := time.Now()
	defer func() { e.metrics.RecordDelete(time.Since(start), err) }()

	if e.isClosed() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	userID = normalizeUser(userID)

	placeholders := ""
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	withUser := append(append([]any{}, args...), userID)

	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.vectors.DeleteVectorsTx(ctx, tx, ids...); err != nil {
			return err
		}
		doubled := append(append([]any{}, args...), args...)
		doubled = append(doubled, userID)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM waypoints
			WHERE (src_id IN (`+placeholders+`) OR dst_id IN (`+placeholders+`))
			  AND user_id = ?`, doubled...); err != nil {
			return fmt.Errorf("delete waypoints: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM memories WHERE id IN (`+placeholders+`) AND user_id = ?`,
			withUser...); err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		return nil
	})
}

// Reinforce bumps a memory's salience and freshness and strengthens
// waypoints between it and the tenant's most recently retrieved
// memories.
func (e *Engine) Reinforce(ctx context.Context, userID, id string, boost float64) (err error) {
	start := time.Now()
	defer func() { e.metrics.RecordReinforce(time.Since(start), err) }()

	if e.isClosed() {
		return ErrClosed
	}
	if boost < 0 || boost > 1 {
		return &ValidationError{Field: "boost", Reason: "must be in [0, 1]"}
	}
	userID = normalizeUser(userID)

	e.mu.Lock()
	recent := append([]string(nil), e.lastRetrieved[userID]...)
	e.mu.Unlock()

	// Existing edge weights are read before the transaction because the
	// store holds a single connection.
	type coEdge struct {
		other  string
		weight float64
	}
	var edges []coEdge
	for _, other := range recent {
		if other == id {
			continue
		}
		w := 0.3
		existing, err := e.waypoints.Get(ctx, id, other, userID)
		switch {
		case err == nil:
			w = min(1.0, existing.Weight+0.1)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		edges = append(edges, coEdge{other: other, weight: w})
	}

	now := e.now().UnixMicro()
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET salience = MIN(1.0, salience + ?), last_seen_at = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			boost, now, now, id, userID)
		if err != nil {
			return fmt.Errorf("reinforce %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		for _, edge := range edges {
			if err := e.waypoints.UpsertTx(ctx, tx, id, edge.other, userID, edge.weight); err != nil {
				return err
			}
			if err := e.waypoints.UpsertTx(ctx, tx, edge.other, id, userID, edge.weight); err != nil {
				return err
			}
		}
		return nil
	})
}

// SectorStats returns per-sector vector counts for the tenant.
func (e *Engine) SectorStats(ctx context.Context, userID string) ([]vectorstore.SectorStats, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.vectors.SectorStats(ctx, normalizeUser(userID))
}

// UpsertWaypoint creates or updates a directed association between two
// memories. Weight must be in [0, 1].
func (e *Engine) UpsertWaypoint(ctx context.Context, userID, src, dst string, weight float64) error {
	if e.isClosed() {
		return ErrClosed
	}
	return translateError(e.waypoints.Upsert(ctx, src, dst, normalizeUser(userID), weight))
}

func normalizeUser(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}

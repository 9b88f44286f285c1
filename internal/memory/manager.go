// Package memory implements the hybrid vector + full-text memory engine.
package memory

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/scalyclaw/scalyclaw/internal/memory/embeddings"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// Config configures search behavior.
type Config struct {
	ScoreThreshold float64
	CleanupChance  float64 // probability of running cleanupExpired after insert
}

func (c Config) withDefaults() Config {
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 0.5
	}
	if c.CleanupChance == 0 {
		c.CleanupChance = 0.05
	}
	return c
}

// Manager coordinates memory storage and hybrid retrieval.
type Manager struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider // nil if the embeddings subsystem is unavailable
	cfg      Config
}

// New returns a Manager. embedder may be nil, in which case Search always
// falls back to full-text search.
func New(pool *pgxpool.Pool, embedder embeddings.Provider, cfg Config) *Manager {
	return &Manager{pool: pool, embedder: embedder, cfg: cfg.withDefaults()}
}

// StoreMemory generates an id, computes an embedding when available, and
// inserts the memories row (with its embedding and search_vector columns)
// and its tag rows in a single transaction.
func (m *Manager) StoreMemory(ctx context.Context, mem types.Memory) (types.Memory, error) {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	now := time.Now()
	mem.CreatedAt, mem.UpdatedAt = now, now
	if mem.Confidence == 0 {
		mem.Confidence = types.ConfidenceMedium
	}

	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, mem.Subject+"\n"+mem.Content)
		if err == nil {
			mem.Embedding = vec
		}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return types.Memory{}, fmt.Errorf("memory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMemoryRow(ctx, tx, mem); err != nil {
		return types.Memory{}, err
	}
	if err := replaceTags(ctx, tx, mem.ID, mem.Tags); err != nil {
		return types.Memory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Memory{}, fmt.Errorf("memory: commit tx: %w", err)
	}

	if rand.Float64() < m.cfg.CleanupChance {
		if _, err := m.CleanupExpired(ctx); err != nil {
			// Best-effort: storing the memory already succeeded.
			_ = err
		}
	}
	return mem, nil
}

func insertMemoryRow(ctx context.Context, tx pgx.Tx, mem types.Memory) error {
	searchText := strings.Join([]string{mem.Subject, mem.Content, strings.Join(mem.Tags, " ")}, " ")
	var embeddingArg any
	if mem.Embedding != nil {
		embeddingArg = pgvector.NewVector(mem.Embedding)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO memories (id, type, subject, content, source, confidence, expires_at, embedding, search_vector, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, to_tsvector('english', $9), $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, subject = EXCLUDED.subject, content = EXCLUDED.content,
			source = EXCLUDED.source, confidence = EXCLUDED.confidence, expires_at = EXCLUDED.expires_at,
			embedding = EXCLUDED.embedding, search_vector = EXCLUDED.search_vector, updated_at = EXCLUDED.updated_at`,
		mem.ID, mem.Type, mem.Subject, mem.Content, mem.Source, mem.Confidence, mem.ExpiresAt,
		embeddingArg, searchText, mem.CreatedAt, mem.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory: upsert row: %w", err)
	}
	return nil
}

func replaceTags(ctx context.Context, tx pgx.Tx, id string, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM memory_tags WHERE memory_id = $1`, id); err != nil {
		return fmt.Errorf("memory: clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(ctx, `INSERT INTO memory_tags (memory_id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, tag); err != nil {
			return fmt.Errorf("memory: insert tag: %w", err)
		}
	}
	return nil
}

// UpdateMemory re-embeds if subject or content changed, and rewrites the
// row, tags, vector, and FTS index in one transaction.
func (m *Manager) UpdateMemory(ctx context.Context, id string, mutate func(*types.Memory)) (types.Memory, error) {
	existing, err := m.Get(ctx, id)
	if err != nil {
		return types.Memory{}, err
	}
	if existing == nil {
		return types.Memory{}, fmt.Errorf("memory: no such memory %s", id)
	}
	before := *existing
	mutate(existing)

	if m.embedder != nil && (existing.Subject != before.Subject || existing.Content != before.Content) {
		vec, err := m.embedder.Embed(ctx, existing.Subject+"\n"+existing.Content)
		if err == nil {
			existing.Embedding = vec
		}
	}
	existing.UpdatedAt = time.Now()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return types.Memory{}, fmt.Errorf("memory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertMemoryRow(ctx, tx, *existing); err != nil {
		return types.Memory{}, err
	}
	if err := replaceTags(ctx, tx, existing.ID, existing.Tags); err != nil {
		return types.Memory{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Memory{}, fmt.Errorf("memory: commit tx: %w", err)
	}
	return *existing, nil
}

// DeleteMemory removes the row, its vector data, and its FTS data; tag join
// rows cascade via the foreign key.
func (m *Manager) DeleteMemory(ctx context.Context, id string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}

// Get fetches one non-expired memory by id, with its tags.
func (m *Manager) Get(ctx context.Context, id string) (*types.Memory, error) {
	mem, err := m.scanOne(ctx, `
		SELECT id, type, subject, content, source, confidence, expires_at, created_at, updated_at
		FROM memories WHERE id = $1 AND (expires_at IS NULL OR expires_at > now())`, id)
	if err != nil || mem == nil {
		return mem, err
	}
	tags, err := m.tagsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	mem.Tags = tags
	return mem, nil
}

func (m *Manager) scanOne(ctx context.Context, query string, args ...any) (*types.Memory, error) {
	row := m.pool.QueryRow(ctx, query, args...)
	var mem types.Memory
	err := row.Scan(&mem.ID, &mem.Type, &mem.Subject, &mem.Content, &mem.Source, &mem.Confidence, &mem.ExpiresAt, &mem.CreatedAt, &mem.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: scan: %w", err)
	}
	return &mem, nil
}

func (m *Manager) tagsFor(ctx context.Context, id string) ([]string, error) {
	rows, err := m.pool.Query(ctx, `SELECT tag FROM memory_tags WHERE memory_id = $1 ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: query tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ListMemory returns the most recently updated memories, newest first,
// capped at limit (default 100). Intended for the admin HTTP surface's
// browse view, where SearchMemory's relevance ranking isn't wanted.
func (m *Manager) ListMemory(ctx context.Context, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.pool.Query(ctx, `
		SELECT id, type, subject, content, source, confidence, expires_at, created_at, updated_at
		FROM memories ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		var mem types.Memory
		if err := rows.Scan(&mem.ID, &mem.Type, &mem.Subject, &mem.Content, &mem.Source, &mem.Confidence, &mem.ExpiresAt, &mem.CreatedAt, &mem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		tags, err := m.tagsFor(ctx, out[i].ID)
		if err == nil {
			out[i].Tags = tags
		}
	}
	return out, nil
}

// SearchMemory performs vector-first retrieval when an embedder is
// configured, falling back to full-text search otherwise.
func (m *Manager) SearchMemory(ctx context.Context, query string, opts types.MemorySearchOptions) ([]types.MemorySearchResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if m.embedder != nil {
		results, err := m.vectorSearch(ctx, query, opts, topK)
		if err == nil && len(results) > 0 {
			return results, nil
		}
	}
	return m.textSearch(ctx, query, opts, topK)
}

func (m *Manager) vectorSearch(ctx context.Context, query string, opts types.MemorySearchOptions, topK int) ([]types.MemorySearchResult, error) {
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	sql := `
		SELECT m.id, m.type, m.subject, m.content, m.source, m.confidence, m.expires_at, m.created_at, m.updated_at,
		       (m.embedding <=> $1) AS distance
		FROM memories m
		WHERE m.embedding IS NOT NULL
		  AND (m.expires_at IS NULL OR m.expires_at > now())`
	args := []any{pgvector.NewVector(vec)}
	sql, args = applyTypeAndTagFilters(sql, args, opts)
	sql += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args)+1)
	args = append(args, topK*3)

	rows, err := m.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	defer rows.Close()

	var out []types.MemorySearchResult
	for rows.Next() {
		var mem types.Memory
		var distance float64
		if err := rows.Scan(&mem.ID, &mem.Type, &mem.Subject, &mem.Content, &mem.Source, &mem.Confidence, &mem.ExpiresAt, &mem.CreatedAt, &mem.UpdatedAt, &distance); err != nil {
			return nil, fmt.Errorf("memory: scan vector result: %w", err)
		}
		score := 1 - distance
		if score < m.cfg.ScoreThreshold {
			continue
		}
		out = append(out, types.MemorySearchResult{Memory: mem, Score: score})
		if len(out) >= topK {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		tags, err := m.tagsFor(ctx, out[i].Memory.ID)
		if err != nil {
			return nil, err
		}
		out[i].Memory.Tags = tags
	}
	return out, nil
}

func (m *Manager) textSearch(ctx context.Context, query string, opts types.MemorySearchOptions, topK int) ([]types.MemorySearchResult, error) {
	tsQuery := toTSQuery(query)
	if tsQuery == "" {
		return nil, nil
	}

	sql := `
		SELECT m.id, m.type, m.subject, m.content, m.source, m.confidence, m.expires_at, m.created_at, m.updated_at,
		       ts_rank(m.search_vector, to_tsquery('english', $1)) AS rank
		FROM memories m
		WHERE m.search_vector @@ to_tsquery('english', $1)
		  AND (m.expires_at IS NULL OR m.expires_at > now())`
	args := []any{tsQuery}
	sql, args = applyTypeAndTagFilters(sql, args, opts)
	sql += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := m.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: text search: %w", err)
	}
	defer rows.Close()

	type scanned struct {
		mem  types.Memory
		rank float64
	}
	var scannedRows []scanned
	for rows.Next() {
		var s scanned
		if err := rows.Scan(&s.mem.ID, &s.mem.Type, &s.mem.Subject, &s.mem.Content, &s.mem.Source, &s.mem.Confidence, &s.mem.ExpiresAt, &s.mem.CreatedAt, &s.mem.UpdatedAt, &s.rank); err != nil {
			return nil, fmt.Errorf("memory: scan text result: %w", err)
		}
		scannedRows = append(scannedRows, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	maxRank := 0.0
	for _, s := range scannedRows {
		if s.rank > maxRank {
			maxRank = s.rank
		}
	}

	out := make([]types.MemorySearchResult, 0, len(scannedRows))
	for _, s := range scannedRows {
		score := 0.5
		if maxRank > 0 {
			score = 0.5 + 0.5*(s.rank/maxRank)
		}
		tags, err := m.tagsFor(ctx, s.mem.ID)
		if err != nil {
			return nil, err
		}
		s.mem.Tags = tags
		out = append(out, types.MemorySearchResult{Memory: s.mem, Score: score})
	}
	return out, nil
}

// applyTypeAndTagFilters appends WHERE clauses enforcing an optional type
// filter and AND-semantics tag membership, positionally numbered to follow
// whatever placeholders are already present in args.
func applyTypeAndTagFilters(sql string, args []any, opts types.MemorySearchOptions) (string, []any) {
	if opts.Type != "" {
		args = append(args, opts.Type)
		sql += fmt.Sprintf(" AND m.type = $%d", len(args))
	}
	for _, tag := range opts.Tags {
		args = append(args, tag)
		sql += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM memory_tags t WHERE t.memory_id = m.id AND t.tag = $%d)", len(args))
	}
	return sql, args
}

// toTSQuery tokenizes query on whitespace, strips tsquery operator
// characters, drops tokens of one character or less, turns each remaining
// token into a prefix match, and ORs them together into a tsquery expression.
func toTSQuery(query string) string {
	fields := strings.Fields(query)
	var terms []string
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '\'' || r == ':' || r == '&' || r == '|' || r == '!' {
				return -1
			}
			return r
		}, f)
		if len(f) <= 1 {
			continue
		}
		terms = append(terms, f+":*")
	}
	return strings.Join(terms, " | ")
}

// CleanupExpired deletes all memories whose expiry has passed and returns
// the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := m.pool.Exec(ctx, `DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

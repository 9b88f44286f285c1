package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// StoreMessage appends an immutable transcript row.
func (s *Store) StoreMessage(ctx context.Context, msg types.Message) (int64, error) {
	var metaJSON []byte
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal metadata: %w", err)
		}
		metaJSON = raw
	}
	scheduledSource, _ := msg.Metadata["scheduledSource"].(bool)

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel, role, content, metadata, scheduled_source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		msg.Channel, msg.Role, msg.Content, nullableJSON(metaJSON), scheduledSource,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: insert message: %w", err)
	}
	return id, nil
}

// GetChannelMessages returns up to limit messages for channelID in
// chronological order, excluding blocked messages.
func (s *Store) GetChannelMessages(ctx context.Context, channelID string, limit int) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, role, content, metadata, created_at
		FROM (
			SELECT id, channel, role, content, metadata, created_at
			FROM messages
			WHERE channel = $1 AND blocked = FALSE
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query channel messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetAllRecentMessages returns all non-blocked messages, newest first, then
// reversed to chronological order.
func (s *Store) GetAllRecentMessages(ctx context.Context, limit int) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, role, content, metadata, created_at
		FROM (
			SELECT id, channel, role, content, metadata, created_at
			FROM messages
			WHERE blocked = FALSE
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) recent
		ORDER BY created_at ASC, id ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ClearChannelMessages deletes the transcript for channelID (the /clear
// slash command).
func (s *Store) ClearChannelMessages(ctx context.Context, channelID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE channel = $1`, channelID)
	return err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]types.Message, error) {
	var out []types.Message
	for rows.Next() {
		var (
			m        types.Message
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Channel, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// RecordUsage appends a UsageLog row.
func (s *Store) RecordUsage(ctx context.Context, u types.UsageLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_logs (ts, model, provider, input_tokens, output_tokens, call_type, agent_id, channel_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
		orNow(u.Timestamp), u.Model, u.Provider, u.InputTokens, u.OutputTokens, u.Type, u.AgentID, u.ChannelID,
	)
	return err
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// UsageStats aggregates token usage over an optional [from, to) window.
type UsageStats struct {
	CallCount        int64 `json:"callCount"`
	TotalInputTokens int64 `json:"totalInputTokens"`
	TotalOutputTokens int64 `json:"totalOutputTokens"`
}

// GetUsageStats aggregates usage_logs over [from, to).
func (s *Store) GetUsageStats(ctx context.Context, from, to *time.Time) (UsageStats, error) {
	var stats UsageStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_logs
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::timestamptz IS NULL OR ts < $2)`,
		from, to,
	).Scan(&stats.CallCount, &stats.TotalInputTokens, &stats.TotalOutputTokens)
	return stats, err
}

// ModelPricing is dollars-per-million-tokens, input and output.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// CostStats is the pure-SQL-aggregated result used by the budget component.
type CostStats struct {
	TotalCost float64            `json:"totalCost"`
	ByModel   map[string]float64 `json:"byModel"`
}

// DailyCost is one day's aggregated spend.
type DailyCost struct {
	Day  string  `json:"day"`
	Cost float64 `json:"cost"`
}

// GetCostStatsByDay aggregates usage_logs into per-day dollar costs over an
// optional [from, to) window, ordered by day.
func (s *Store) GetCostStatsByDay(ctx context.Context, pricing map[string]ModelPricing, from, to *time.Time) ([]DailyCost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', ts)::date AS day, model, COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_logs
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::timestamptz IS NULL OR ts < $2)
		GROUP BY day, model
		ORDER BY day ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query daily cost stats: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]float64)
	var order []string
	for rows.Next() {
		var (
			day                 time.Time
			model               string
			inputTok, outputTok int64
		)
		if err := rows.Scan(&day, &model, &inputTok, &outputTok); err != nil {
			return nil, fmt.Errorf("storage: scan daily cost row: %w", err)
		}
		p := pricing[model]
		cost := float64(inputTok)/1e6*p.InputPerMillion + float64(outputTok)/1e6*p.OutputPerMillion
		key := day.Format("2006-01-02")
		if _, seen := byDay[key]; !seen {
			order = append(order, key)
		}
		byDay[key] += cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]DailyCost, 0, len(order))
	for _, day := range order {
		out = append(out, DailyCost{Day: day, Cost: byDay[day]})
	}
	return out, nil
}

// GetCostStats aggregates usage_logs into dollar costs using the supplied
// per-model pricing table. Unknown models are counted at zero cost.
func (s *Store) GetCostStats(ctx context.Context, pricing map[string]ModelPricing, from, to *time.Time) (CostStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_logs
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::timestamptz IS NULL OR ts < $2)
		GROUP BY model`,
		from, to,
	)
	if err != nil {
		return CostStats{}, fmt.Errorf("storage: query cost stats: %w", err)
	}
	defer rows.Close()

	result := CostStats{ByModel: make(map[string]float64)}
	for rows.Next() {
		var (
			model               string
			inputTok, outputTok int64
		)
		if err := rows.Scan(&model, &inputTok, &outputTok); err != nil {
			return CostStats{}, fmt.Errorf("storage: scan cost row: %w", err)
		}
		p := pricing[model]
		cost := float64(inputTok)/1e6*p.InputPerMillion + float64(outputTok)/1e6*p.OutputPerMillion
		result.ByModel[model] = cost
		result.TotalCost += cost
	}
	return result, rows.Err()
}

// Package proactive implements the idle-channel follow-up sweep: a
// repeatable internal-queue entry that periodically asks the configured
// model whether a quiet channel deserves an unprompted message.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

const (
	activityIndexKey = kv.PrefixActivity + "index"
	sweepJobName     = "proactive-sweep"
	sweepJobID       = "proactive-sweep"
	skipSentinel     = "[SKIP]"
	lookbackMessages = 20
	idleLookback     = 7 * 24 * time.Hour
)

// MessageStore is the subset of storage.Store the engine reads transcript
// history from and writes its own follow-ups and usage to.
type MessageStore interface {
	GetChannelMessages(ctx context.Context, channelID string, limit int) ([]types.Message, error)
	StoreMessage(ctx context.Context, msg types.Message) (int64, error)
	RecordUsage(ctx context.Context, u types.UsageLog) error
}

// ModelSelector mirrors orchestrator.ModelSelector; the engine picks a
// model the same way the orchestrator does.
type ModelSelector interface {
	Select(scoped []string, modelsCfg config.ModelsConfig) (string, error)
	Lookup(modelID string) (models.Provider, bool)
}

// ConfigSource is the subset of config.Store the engine reads from.
type ConfigSource interface {
	GetConfigRef() config.Doc
}

// Engine tracks per-channel activity and, on each sweep, decides whether
// idle channels are due a model-generated follow-up.
type Engine struct {
	kv      *kv.Store
	storage MessageStore
	models  ModelSelector
	config  ConfigSource
	fabric  *progress.Fabric
	logger  *slog.Logger
}

// New returns an Engine. Call RegisterSweep once at node startup to wire
// its repeatable queue entry, and RegisterConsumer to handle its firing.
func New(store *kv.Store, msgs MessageStore, reg ModelSelector, cfg ConfigSource, fabric *progress.Fabric, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{kv: store, storage: msgs, models: reg, config: cfg, fabric: fabric, logger: logger}
}

// RecordActivity marks channelID as having just seen real user traffic.
// Implements orchestrator.ActivityRecorder.
func (e *Engine) RecordActivity(ctx context.Context, channelID string) error {
	return e.kv.ZAdd(ctx, activityIndexKey, float64(time.Now().UnixMilli()), channelID)
}

// RegisterSweep enqueues, idempotently via a fixed job id, the repeatable
// internal-queue entry that drives the sweep on the configured cron
// pattern. A no-op if the engine is disabled or unconfigured.
func (e *Engine) RegisterSweep(ctx context.Context, q *queue.Fabric) error {
	cfg := e.config.GetConfigRef().Proactive
	if cfg == nil || !cfg.Enabled || cfg.CronPattern == "" {
		return nil
	}
	_, err := q.Enqueue(ctx, queue.QueueInternal, sweepJobName, struct{}{}, queue.EnqueueOptions{
		JobID:  sweepJobID,
		Repeat: &queue.Repeat{Pattern: cfg.CronPattern, TZ: cfg.Timezone},
	})
	return err
}

// RegisterConsumer wires the internal-queue processor that runs the sweep
// whenever the repeatable entry fires.
func (e *Engine) RegisterConsumer(q *queue.Fabric) {
	q.Register(queue.QueueInternal, func(ctx context.Context, j *queue.Job) error {
		if j.Name != sweepJobName {
			return nil
		}
		return e.Sweep(ctx)
	})
}

// Sweep runs one pass over idle channels, delivering a follow-up to each
// one that passes quiet-hours, cooldown, and per-day-cap checks and for
// which the model produces something other than the skip sentinel.
func (e *Engine) Sweep(ctx context.Context) error {
	cfg := e.config.GetConfigRef().Proactive
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	loc := e.location(cfg)
	if inQuietHours(cfg, time.Now().In(loc)) {
		return nil
	}

	channels, err := e.idleChannels(ctx, cfg)
	if err != nil {
		return fmt.Errorf("proactive: list idle channels: %w", err)
	}

	for _, channelID := range channels {
		if err := e.considerChannel(ctx, channelID, cfg, loc); err != nil {
			e.logger.Warn("proactive: channel follow-up failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

func (e *Engine) location(cfg *config.ProactiveConfig) *time.Location {
	if cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		e.logger.Warn("proactive: bad timezone, falling back to local", "timezone", cfg.Timezone, "error", err)
		return time.Local
	}
	return loc
}

// inQuietHours reports whether now's time-of-day falls within
// [quietHoursStart, quietHoursEnd), handling windows that wrap past
// midnight (e.g. 22:00-06:00). Unconfigured quiet hours never suppress.
func inQuietHours(cfg *config.ProactiveConfig, now time.Time) bool {
	if cfg.QuietHoursStart == "" || cfg.QuietHoursEnd == "" {
		return false
	}
	start, errStart := time.Parse("15:04", cfg.QuietHoursStart)
	end, errEnd := time.Parse("15:04", cfg.QuietHoursEnd)
	if errStart != nil || errEnd != nil {
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()
	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}

// idleChannels returns channel ids last active more than idleThresholdMinutes
// ago but within the last seven days, per the activity index.
func (e *Engine) idleChannels(ctx context.Context, cfg *config.ProactiveConfig) ([]string, error) {
	now := time.Now()
	idleThreshold := time.Duration(cfg.IdleThresholdMinutes) * time.Minute
	maxScore := float64(now.Add(-idleThreshold).UnixMilli())
	minScore := float64(now.Add(-idleLookback).UnixMilli())
	if maxScore < minScore {
		return nil, nil
	}
	return e.kv.ZRangeByScore(ctx, activityIndexKey, minScore, maxScore)
}

func cooldownKey(channelID string) string {
	return kv.PrefixProactive + "cooldown:" + channelID
}

func dayCapKey(channelID string, now time.Time) string {
	return kv.PrefixProactive + "count:" + channelID + ":" + now.Format("2006-01-02")
}

func (e *Engine) considerChannel(ctx context.Context, channelID string, cfg *config.ProactiveConfig, loc *time.Location) error {
	if cfg.CooldownMinutes > 0 {
		cooling, err := e.kv.Exists(ctx, cooldownKey(channelID))
		if err != nil {
			return fmt.Errorf("check cooldown: %w", err)
		}
		if cooling {
			return nil
		}
	}

	now := time.Now()
	capKey := dayCapKey(channelID, now.In(loc))
	if cfg.MaxPerDay > 0 {
		countStr, err := e.kv.Get(ctx, capKey)
		if err != nil {
			return fmt.Errorf("check day cap: %w", err)
		}
		count, _ := strconv.Atoi(countStr)
		if count >= cfg.MaxPerDay {
			return nil
		}
	}

	history, err := e.storage.GetChannelMessages(ctx, channelID, lookbackMessages)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	followUp, modelID, inTok, outTok, err := e.askModel(ctx, history)
	if err != nil {
		return fmt.Errorf("ask model: %w", err)
	}
	followUp = strings.TrimSpace(followUp)
	if followUp == "" || followUp == skipSentinel {
		return nil
	}

	if e.fabric != nil {
		if err := e.fabric.Publish(ctx, channelID, progress.Event{JobID: sweepJobID, Type: progress.EventComplete, Message: followUp}); err != nil {
			return fmt.Errorf("publish follow-up: %w", err)
		}
	}

	if _, err := e.storage.StoreMessage(ctx, types.Message{
		Channel:   channelID,
		Role:      types.RoleAssistant,
		Content:   followUp,
		Metadata:  map[string]any{"proactive": true},
		CreatedAt: now,
	}); err != nil {
		e.logger.Warn("proactive: store follow-up failed", "channel", channelID, "error", err)
	}

	if err := e.storage.RecordUsage(ctx, types.UsageLog{
		Timestamp:    now,
		Model:        models.ModelNameFor(modelID),
		Provider:     models.ProviderNameFor(modelID),
		InputTokens:  inTok,
		OutputTokens: outTok,
		Type:         types.UsageProactive,
		ChannelID:    channelID,
	}); err != nil {
		e.logger.Warn("proactive: record usage failed", "channel", channelID, "error", err)
	}

	if cfg.CooldownMinutes > 0 {
		if err := e.kv.Set(ctx, cooldownKey(channelID), "1", time.Duration(cfg.CooldownMinutes)*time.Minute); err != nil {
			e.logger.Warn("proactive: set cooldown failed", "channel", channelID, "error", err)
		}
	}
	if cfg.MaxPerDay > 0 {
		if err := e.bumpDayCap(ctx, capKey, nextLocalMidnight(now, loc).Sub(now)); err != nil {
			e.logger.Warn("proactive: bump day cap failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

func (e *Engine) bumpDayCap(ctx context.Context, key string, ttl time.Duration) error {
	countStr, err := e.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	count, _ := strconv.Atoi(countStr)
	count++
	return e.kv.Set(ctx, key, strconv.Itoa(count), ttl)
}

func nextLocalMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

// askModel asks the configured model whether channel history (including
// any scheduled reminders or task results delivered since the user last
// spoke) warrants an unprompted follow-up.
func (e *Engine) askModel(ctx context.Context, history []types.Message) (content, modelID string, inputTokens, outputTokens int, err error) {
	modelsCfg := e.config.GetConfigRef().Models
	modelID, err = e.models.Select(nil, modelsCfg)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("select model: %w", err)
	}
	provider, ok := e.models.Lookup(modelID)
	if !ok {
		return "", "", 0, 0, fmt.Errorf("no provider bound for model %q", modelID)
	}

	system := "You are deciding whether this quiet conversation deserves a proactive, unprompted " +
		"follow-up message. Review the transcript, including any scheduled reminders or task results " +
		"delivered since the user last spoke. If a natural, useful follow-up exists, reply with exactly " +
		"that message and nothing else. If nothing is worth surfacing unprompted, reply with exactly " +
		skipSentinel + " and nothing else."

	resp, err := provider.Chat(ctx, models.Request{System: system, Messages: history, MaxTokens: 512})
	if err != nil {
		return "", modelID, 0, 0, fmt.Errorf("chat: %w", err)
	}
	return resp.Content, modelID, resp.InputTokens, resp.OutputTokens, nil
}

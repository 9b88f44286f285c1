// Package scheduler implements one-shot and cron-pattern reminders/tasks
// whose state machine lives in the KV store alongside the queue fabric.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// Deliverer sends reminder text or runs a full orchestrator turn when a
// scheduled job fires.
type Deliverer interface {
	DeliverReminder(ctx context.Context, channelID, text string) error
	DeliverTask(ctx context.Context, channelID, description string) error
}

// Scheduler owns ScheduledJob lifecycle and the paired internal-queue entries.
type Scheduler struct {
	kv       *kv.Store
	queue    *queue.Fabric
	deliver  Deliverer
	logger   *slog.Logger
	parser   cron.Parser
}

// New returns a Scheduler. Call RegisterConsumer to hook into the queue
// fabric's internal-queue processor.
func New(store *kv.Store, q *queue.Fabric, deliver Deliverer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		kv:      store,
		queue:   q,
		deliver: deliver,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func hashKey(id string) string { return kv.PrefixScheduled + id }

type firePayload struct {
	ScheduledID string `json:"scheduledId"`
	ChannelID   string `json:"channelId"`
}

func (s *Scheduler) save(ctx context.Context, job *types.ScheduledJob) error {
	fields := map[string]any{
		"id":          job.ID,
		"state":       string(job.State),
		"type":        string(job.Kind),
		"channelId":   job.ChannelID,
		"description": job.Description,
		"cronPattern": job.CronPattern,
		"intervalMs":  job.IntervalMs,
		"timezone":    job.Timezone,
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.NextRun != nil {
		fields["nextRun"] = job.NextRun.Format(time.RFC3339Nano)
	}
	return s.kv.HMSet(ctx, hashKey(job.ID), fields)
}

// Get returns the current ScheduledJob hash for id, or nil if absent.
func (s *Scheduler) Get(ctx context.Context, id string) (*types.ScheduledJob, error) {
	fields, err := s.kv.HGetAll(ctx, hashKey(id))
	if err != nil || len(fields) == 0 {
		return nil, err
	}
	return parseScheduledJob(fields)
}

func parseScheduledJob(fields map[string]string) (*types.ScheduledJob, error) {
	job := &types.ScheduledJob{
		ID:          fields["id"],
		State:       types.ScheduledState(fields["state"]),
		Kind:        types.ScheduledKind(fields["type"]),
		ChannelID:   fields["channelId"],
		Description: fields["description"],
		CronPattern: fields["cronPattern"],
		Timezone:    fields["timezone"],
	}
	if v, ok := fields["createdAt"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v, ok := fields["nextRun"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.NextRun = &t
		}
	}
	return job, nil
}

// CreateReminder creates a one-shot reminder.
func (s *Scheduler) CreateReminder(ctx context.Context, channelID, message string, delay time.Duration) (*types.ScheduledJob, error) {
	return s.create(ctx, channelID, message, types.KindReminder, delay, nil)
}

// CreateRecurrentReminder creates a repeating reminder on a cron pattern or
// fixed interval.
func (s *Scheduler) CreateRecurrentReminder(ctx context.Context, channelID, text string, repeat *queue.Repeat) (*types.ScheduledJob, error) {
	return s.create(ctx, channelID, text, types.KindRecurrentReminder, 0, repeat)
}

// CreateTask creates a one-shot task that routes to the orchestrator on fire.
func (s *Scheduler) CreateTask(ctx context.Context, channelID, description string, delay time.Duration) (*types.ScheduledJob, error) {
	return s.create(ctx, channelID, description, types.KindTask, delay, nil)
}

// CreateRecurrentTask creates a repeating task.
func (s *Scheduler) CreateRecurrentTask(ctx context.Context, channelID, description string, repeat *queue.Repeat) (*types.ScheduledJob, error) {
	return s.create(ctx, channelID, description, types.KindRecurrentTask, 0, repeat)
}

func (s *Scheduler) create(ctx context.Context, channelID, description string, kind types.ScheduledKind, delay time.Duration, repeat *queue.Repeat) (*types.ScheduledJob, error) {
	id := uuid.NewString()
	job := &types.ScheduledJob{
		ID:          id,
		State:       types.ScheduledActive,
		Kind:        kind,
		ChannelID:   channelID,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if repeat != nil {
		job.CronPattern = repeat.Pattern
		job.IntervalMs = repeat.Every
		job.Timezone = repeat.TZ
	}

	if err := s.save(ctx, job); err != nil {
		return nil, err
	}

	opts := queue.EnqueueOptions{Attempts: 3, Backoff: 2 * time.Second, JobID: id}
	if kind.Recurrent() {
		opts.Repeat = repeat
	} else {
		opts.Delay = delay
	}
	payload := firePayload{ScheduledID: id, ChannelID: channelID}
	if _, err := s.queue.Enqueue(ctx, queue.QueueInternal, "scheduled-fire", payload, opts); err != nil {
		job.State = types.ScheduledFailed
		_ = s.save(ctx, job)
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return job, nil
}

// CancelReminder cancels a reminder-kind job scoped to channelID. Refuses
// to cancel a task-kind job under the same id.
func (s *Scheduler) CancelReminder(ctx context.Context, channelID, id string) error {
	return s.cancelTyped(ctx, channelID, id, true)
}

// CancelTask cancels a task-kind job scoped to channelID.
func (s *Scheduler) CancelTask(ctx context.Context, channelID, id string) error {
	return s.cancelTyped(ctx, channelID, id, false)
}

func (s *Scheduler) cancelTyped(ctx context.Context, channelID, id string, wantReminder bool) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("scheduler: no such scheduled job %s", id)
	}
	if job.ChannelID != channelID {
		return fmt.Errorf("scheduler: scheduled job %s does not belong to channel %s", id, channelID)
	}
	if job.Kind.IsReminder() != wantReminder {
		return fmt.Errorf("scheduler: scheduled job %s is kind %q, refusing mismatched cancel", id, job.Kind)
	}
	return s.transitionOut(ctx, job, types.ScheduledCancelled)
}

// CompleteScheduledJobAdmin, DeleteScheduledJob, CancelScheduledJobAdmin are
// admin variants without channel scoping.
func (s *Scheduler) CompleteScheduledJobAdmin(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil || job == nil {
		return fmt.Errorf("scheduler: no such scheduled job %s", id)
	}
	return s.transitionOut(ctx, job, types.ScheduledCompleted)
}

func (s *Scheduler) CancelScheduledJobAdmin(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil || job == nil {
		return fmt.Errorf("scheduler: no such scheduled job %s", id)
	}
	return s.transitionOut(ctx, job, types.ScheduledCancelled)
}

func (s *Scheduler) DeleteScheduledJob(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job != nil && job.State == types.ScheduledActive {
		if err := s.removeQueueSide(ctx, job); err != nil {
			s.logger.Warn("scheduler: failed to remove queue-side entry on delete", "id", id, "error", err)
		}
	}
	return s.kv.Del(ctx, hashKey(id))
}

// transitionOut moves job out of active, pairing the move with best-effort
// removal of the queue-side entry and stamping the terminal-state
// retention TTL.
func (s *Scheduler) transitionOut(ctx context.Context, job *types.ScheduledJob, state types.ScheduledState) error {
	job.State = state
	if err := s.save(ctx, job); err != nil {
		return err
	}
	if err := s.removeQueueSide(ctx, job); err != nil {
		s.logger.Warn("scheduler: failed to remove queue-side entry", "id", job.ID, "error", err)
	}
	return s.kv.Expire(ctx, hashKey(job.ID), types.RetentionTTL)
}

func (s *Scheduler) removeQueueSide(ctx context.Context, job *types.ScheduledJob) error {
	if job.Kind.Recurrent() {
		return s.queue.RemoveRepeatable(ctx, queue.QueueInternal, job.ID)
	}
	return s.queue.CancelJob(ctx, queue.QueueInternal, job.ID)
}

// RegisterConsumer wires the internal-queue processor that fires scheduled
// jobs, to be called once during node startup.
func (s *Scheduler) RegisterConsumer() {
	s.queue.Register(queue.QueueInternal, func(ctx context.Context, j *queue.Job) error {
		if j.Name != "scheduled-fire" {
			return nil
		}
		var payload firePayload
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return fmt.Errorf("scheduler: bad fire payload: %w", err)
		}
		return s.fire(ctx, payload.ScheduledID)
	})
}

func (s *Scheduler) fire(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.State != types.ScheduledActive {
		return nil // completed/cancelled/failed entries never deliver.
	}

	var deliverErr error
	if job.Kind.IsReminder() {
		deliverErr = s.deliver.DeliverReminder(ctx, job.ChannelID, job.Description)
	} else {
		deliverErr = s.deliver.DeliverTask(ctx, job.ChannelID, job.Description)
	}

	if deliverErr != nil {
		if job.Kind.Recurrent() {
			// A recurring job keeps its active state; the queue fabric's own
			// retry policy governs this particular firing.
			return deliverErr
		}
		job.State = types.ScheduledFailed
		_ = s.save(ctx, job)
		_ = s.kv.Expire(ctx, hashKey(job.ID), types.RetentionTTL)
		return deliverErr
	}

	if job.Kind.Recurrent() {
		next, err := s.computeNextRun(job)
		if err == nil {
			job.NextRun = &next
		}
		return s.save(ctx, job)
	}

	job.State = types.ScheduledCompleted
	if err := s.save(ctx, job); err != nil {
		return err
	}
	return s.kv.Expire(ctx, hashKey(job.ID), types.RetentionTTL)
}

func (s *Scheduler) computeNextRun(job *types.ScheduledJob) (time.Time, error) {
	from := time.Now()
	if job.CronPattern != "" {
		sched, err := s.parser.Parse(job.CronPattern)
		if err != nil {
			return time.Time{}, err
		}
		if job.Timezone != "" {
			if loc, err := time.LoadLocation(job.Timezone); err == nil {
				from = from.In(loc)
			}
		}
		return sched.Next(from), nil
	}
	if job.IntervalMs > 0 {
		return from.Add(time.Duration(job.IntervalMs) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("scheduler: job %s has no cron pattern or interval", job.ID)
}

// ListAllScheduledJobs scans every scheduled:<id> hash. Intended for the
// admin HTTP surface; callers paginate client-side given the expected
// single-deployment scale.
func (s *Scheduler) ListAllScheduledJobs(ctx context.Context) ([]*types.ScheduledJob, error) {
	var jobs []*types.ScheduledJob
	iter := s.kv.Client().Scan(ctx, 0, kv.PrefixScheduled+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.kv.HGetAll(ctx, iter.Val())
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := parseScheduledJob(fields)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, iter.Err()
}

package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run starts one consumer goroutine per registered queue plus the
// delayed-job and repeatable-job pollers, and blocks until ctx is
// cancelled. Each consumer processes one job at a time from its reserved
// slot.
func (f *Fabric) Run(ctx context.Context) error {
	f.mu.Lock()
	queues := make([]string, 0, len(f.processors))
	for q := range f.processors {
		queues = append(queues, q)
	}
	f.mu.Unlock()

	for _, q := range queues {
		go f.consumeLoop(ctx, q)
		go f.delayedPoller(ctx, q)
		go f.repeatPoller(ctx, q)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fabric) consumeLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.popAndProcess(ctx, queue)
		}
	}
}

func (f *Fabric) popAndProcess(ctx context.Context, queue string) {
	ids, err := f.kv.Client().ZPopMin(ctx, waitingKey(queue), 1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	id, ok := ids[0].Member.(string)
	if !ok {
		return
	}
	job, err := f.GetJob(ctx, queue, id)
	if err != nil || job == nil {
		return
	}

	f.mu.Lock()
	proc := f.processors[queue]
	f.mu.Unlock()
	if proc == nil {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.aborts[job.ID] = cancel
	f.mu.Unlock()
	defer func() {
		cancel()
		f.mu.Lock()
		delete(f.aborts, job.ID)
		f.mu.Unlock()
	}()

	sub := f.kv.Subscribe(jobCtx, cancelTopic(job.ID))
	defer sub.Close()
	go func() {
		select {
		case <-sub.Channel():
			cancel()
		case <-jobCtx.Done():
		}
	}()

	job.Status = StatusActive
	job.Attempts++
	_ = f.saveJob(ctx, job)

	err = proc(jobCtx, job)
	if err == nil {
		job.Status = StatusDone
		job.Error = ""
		_ = f.saveJob(ctx, job)
		f.notifyWaiter(job)
		_ = f.kv.Expire(ctx, jobKey(queue, job.ID), completedJobTTL)
		return
	}

	job.Error = err.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		_ = f.saveJob(ctx, job)
		f.notifyWaiter(job)
		_ = f.kv.Expire(ctx, jobKey(queue, job.ID), failedJobTTL)
		return
	}

	// Exponential backoff: base * 2^(attempts-1).
	backoff := time.Duration(job.BackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}
	for i := 1; i < job.Attempts; i++ {
		backoff *= 2
	}
	job.Status = StatusDelayed
	_ = f.saveJob(ctx, job)
	runAt := float64(time.Now().Add(backoff).UnixMilli())
	_ = f.kv.ZAdd(ctx, delayedKey(queue), runAt, job.ID)
}

// delayedPoller moves due delayed jobs into the waiting set.
func (f *Fabric) delayedPoller(ctx context.Context, queue string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			ids, err := f.kv.ZRangeByScore(ctx, delayedKey(queue), 0, now)
			if err != nil {
				continue
			}
			for _, id := range ids {
				job, err := f.GetJob(ctx, queue, id)
				if err != nil || job == nil {
					_ = f.kv.ZRem(ctx, delayedKey(queue), id)
					continue
				}
				job.Status = StatusWaiting
				_ = f.saveJob(ctx, job)
				_ = f.pushWaiting(ctx, queue, id, job.Priority)
				_ = f.kv.ZRem(ctx, delayedKey(queue), id)
			}
		}
	}
}

// repeatPoller fires due repeatable job definitions and schedules the next
// occurrence, computed via robfig/cron/v3 for cron patterns or a fixed
// interval otherwise.
func (f *Fabric) repeatPoller(ctx context.Context, queue string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			ids, err := f.kv.ZRangeByScore(ctx, delayedKey(queue)+":repeat", 0, now)
			if err != nil {
				continue
			}
			for _, id := range ids {
				f.fireRepeatable(ctx, queue, id)
			}
		}
	}
}

func (f *Fabric) fireRepeatable(ctx context.Context, queue, id string) {
	raw, err := f.kv.Client().HGet(ctx, repeatKey(queue), id).Result()
	if err != nil || raw == "" {
		_ = f.kv.ZRem(ctx, delayedKey(queue)+":repeat", id)
		return
	}
	var entry repeatEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return
	}

	instanceID := uuid.NewString()
	var cp channelPayload
	_ = json.Unmarshal(entry.Payload, &cp)
	job := &Job{
		ID:          instanceID,
		Queue:       queue,
		Name:        entry.Name,
		Payload:     entry.Payload,
		ChannelID:   cp.ChannelID,
		Status:      StatusWaiting,
		MaxAttempts: maxInt(entry.Opts.Attempts, 1),
		BackoffMs:   entry.Opts.Backoff.Milliseconds(),
		Priority:    maxInt(entry.Opts.Priority, 10),
		RepeatJobID: id,
		CreatedAt:   time.Now(),
	}
	_ = f.saveJob(ctx, job)
	_ = f.pushWaiting(ctx, queue, instanceID, job.Priority)

	next, err := f.nextRun(entry.Opts.Repeat, time.Now())
	if err != nil {
		_ = f.kv.ZRem(ctx, delayedKey(queue)+":repeat", id)
		return
	}
	_ = f.kv.ZAdd(ctx, delayedKey(queue)+":repeat", float64(next.UnixMilli()), id)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

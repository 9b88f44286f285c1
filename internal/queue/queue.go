// Package queue implements a multi-queue job fabric: named FIFO queues
// with retries, delays, cron/interval repeats, priority, cooperative
// cancellation, and progress pub/sub, built directly on Redis as a
// durable work-dispatch primitive.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// Names of the fixed set of queues the runtime dispatches to.
const (
	QueueMessages = "messages"
	QueueAgents   = "agents"
	QueueInternal = "internal"
	QueueTools    = "tools"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusDelayed Status = "delayed"
	StatusFailed  Status = "failed"
	StatusDone    Status = "completed"
)

// Repeat describes a repeatable job, either cron-pattern or fixed interval.
type Repeat struct {
	Pattern string `json:"pattern,omitempty"`
	Every   int64  `json:"every,omitempty"` // milliseconds
	TZ      string `json:"tz,omitempty"`
}

// EnqueueOptions parameterizes Fabric.Enqueue.
type EnqueueOptions struct {
	Attempts int
	Backoff  time.Duration // base backoff; doubled per attempt
	Delay    time.Duration
	Priority int // lower = more urgent; default 10
	JobID    string
	Repeat   *Repeat
}

// Job is one unit of work tracked by the fabric.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Name        string         `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	ChannelID   string         `json:"channelId,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	BackoffMs   int64          `json:"backoffMs"`
	Priority    int            `json:"priority"`
	Error       string         `json:"error,omitempty"`
	RepeatJobID string         `json:"repeatJobId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// channelPayload lets Enqueue pull a channelId out of arbitrary payloads
// for channel-scoped bulk cancellation.
type channelPayload struct {
	ChannelID string `json:"channelId"`
}

// Processor handles one Job. ctx is cancelled cooperatively when the job is
// cancelled. Returning an error triggers the retry policy.
type Processor func(ctx context.Context, job *Job) error

const (
	resultTTL      = 2 * time.Minute
	failedJobTTL   = 24 * time.Hour
	completedJobTTL = 10 * time.Minute
	pollInterval   = 250 * time.Millisecond
)

// Fabric is the multi-queue dispatcher.
type Fabric struct {
	kv     *kv.Store
	logger *slog.Logger

	mu         sync.Mutex
	processors map[string]Processor
	aborts     map[string]context.CancelFunc
	waiters    map[string]chan *Job

	parser cron.Parser
}

// New returns a Fabric bound to store.
func New(store *kv.Store, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		kv:         store,
		logger:     logger,
		processors: make(map[string]Processor),
		aborts:     make(map[string]context.CancelFunc),
		waiters:    make(map[string]chan *Job),
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func jobKey(queue, id string) string   { return fmt.Sprintf("scalyclaw:queue:%s:job:%s", queue, id) }
func waitingKey(queue string) string   { return fmt.Sprintf("scalyclaw:queue:%s:waiting", queue) }
func delayedKey(queue string) string   { return fmt.Sprintf("scalyclaw:queue:%s:delayed", queue) }
func repeatKey(queue string) string    { return fmt.Sprintf("scalyclaw:queue:%s:repeat", queue) }
func cancelTopic(jobID string) string  { return "scalyclaw:queue-cancel:" + jobID }
func resultKey(jobID string) string    { return "scalyclaw:queue-result:" + jobID }

// Register installs the processor for queue. Run must be called to
// actually start consuming. A second Register for the same queue chains the
// new processor after the existing one: each job passes through both in
// registration order, and the first error stops the chain.
func (f *Fabric) Register(queue string, proc Processor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev := f.processors[queue]; prev != nil {
		next := proc
		proc = func(ctx context.Context, job *Job) error {
			if err := prev(ctx, job); err != nil {
				return err
			}
			return next(ctx, job)
		}
	}
	f.processors[queue] = proc
}

// Enqueue adds a job to queue. A zero-value opts enqueues immediately with
// one attempt and default priority.
func (f *Fabric) Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Priority == 0 {
		opts.Priority = 10
	}

	var cp channelPayload
	_ = json.Unmarshal(raw, &cp)

	job := &Job{
		ID:          id,
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		ChannelID:   cp.ChannelID,
		Status:      StatusWaiting,
		MaxAttempts: opts.Attempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		Priority:    opts.Priority,
		CreatedAt:   time.Now(),
	}

	if opts.Repeat != nil {
		return f.scheduleRepeatable(ctx, queue, id, name, raw, opts)
	}

	if opts.Delay > 0 {
		job.Status = StatusDelayed
		if err := f.saveJob(ctx, job); err != nil {
			return "", err
		}
		runAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := f.kv.ZAdd(ctx, delayedKey(queue), runAt, id); err != nil {
			return "", err
		}
		return id, nil
	}

	if err := f.saveJob(ctx, job); err != nil {
		return "", err
	}
	return id, f.pushWaiting(ctx, queue, id, opts.Priority)
}

func (f *Fabric) pushWaiting(ctx context.Context, queue, id string, priority int) error {
	score := float64(priority)*1e15 + float64(time.Now().UnixMilli())
	return f.kv.ZAdd(ctx, waitingKey(queue), score, id)
}

func (f *Fabric) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return f.kv.Set(ctx, jobKey(job.Queue, job.ID), string(raw), 0)
}

// repeatEntry is the durable record for a repeatable job definition.
type repeatEntry struct {
	JobID   string          `json:"jobId"`
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Opts    EnqueueOptions  `json:"opts"`
}

func (f *Fabric) scheduleRepeatable(ctx context.Context, queue, id, name string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	entry := repeatEntry{JobID: id, Queue: queue, Name: name, Payload: payload, Opts: opts}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := f.kv.HMSet(ctx, repeatKey(queue), map[string]any{id: string(raw)}); err != nil {
		return "", err
	}
	next, err := f.nextRun(opts.Repeat, time.Now())
	if err != nil {
		return "", err
	}
	if err := f.kv.ZAdd(ctx, delayedKey(queue)+":repeat", float64(next.UnixMilli()), id); err != nil {
		return "", err
	}
	return id, nil
}

func (f *Fabric) nextRun(r *Repeat, from time.Time) (time.Time, error) {
	if r.Pattern != "" {
		sched, err := f.parser.Parse(r.Pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("queue: parse cron pattern: %w", err)
		}
		if r.TZ != "" {
			if loc, err := time.LoadLocation(r.TZ); err == nil {
				from = from.In(loc)
			}
		}
		return sched.Next(from), nil
	}
	if r.Every > 0 {
		return from.Add(time.Duration(r.Every) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("queue: repeat has neither pattern nor every")
}

// SetResult stores a processor's JSON-string result for jobID, retained
// for resultTTL so a waiting caller can fetch it after WaitUntilFinished
// returns. Processors for execution tools call this before returning nil.
func (f *Fabric) SetResult(ctx context.Context, jobID, result string) error {
	return f.kv.Set(ctx, resultKey(jobID), result, resultTTL)
}

// Result returns the stored result for jobID, or "" if none was set.
func (f *Fabric) Result(ctx context.Context, jobID string) (string, error) {
	return f.kv.Get(ctx, resultKey(jobID))
}

// RemoveRepeatable cancels future firings of a repeatable job.
func (f *Fabric) RemoveRepeatable(ctx context.Context, queue, jobID string) error {
	if err := f.kv.ZRem(ctx, delayedKey(queue)+":repeat", jobID); err != nil {
		return err
	}
	return f.kv.Client().HDel(ctx, repeatKey(queue), jobID).Err()
}

// CancelJob publishes a cancel signal and fires the abort token for jobID
// if it is registered locally. Cancellation is cooperative: the processor
// must observe ctx and exit.
func (f *Fabric) CancelJob(ctx context.Context, queue, jobID string) error {
	f.mu.Lock()
	cancel := f.aborts[jobID]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_, err := f.kv.Publish(ctx, cancelTopic(jobID), "cancel")
	return err
}

// GetJob returns the current record for id in queue, or nil if absent.
func (f *Fabric) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := f.kv.Get(ctx, jobKey(queue, id))
	if err != nil || raw == "" {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs scans every job hash under queue. Intended for the admin HTTP
// surface; callers paginate client-side given the expected single-node scale.
func (f *Fabric) ListJobs(ctx context.Context, queue string) ([]*Job, error) {
	var jobs []*Job
	iter := f.kv.Client().Scan(ctx, 0, jobKey(queue, "*"), 0).Iterator()
	for iter.Next(ctx) {
		raw, err := f.kv.Get(ctx, iter.Val())
		if err != nil || raw == "" {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, iter.Err()
}

// Counts tallies jobs in queue by status, for the admin jobs-counts view.
func (f *Fabric) Counts(ctx context.Context, queue string) (map[Status]int, error) {
	jobs, err := f.ListJobs(ctx, queue)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// RetryJob resets a failed job back to waiting and re-pushes it onto queue.
func (f *Fabric) RetryJob(ctx context.Context, queue, id string) error {
	job, err := f.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: no such job %s in queue %s", id, queue)
	}
	job.Status = StatusWaiting
	job.Error = ""
	job.Attempts = 0
	if err := f.saveJob(ctx, job); err != nil {
		return err
	}
	return f.pushWaiting(ctx, queue, id, job.Priority)
}

// FailJob force-marks job id as failed, for admin intervention on a job
// stuck active past its expected lifetime.
func (f *Fabric) FailJob(ctx context.Context, queue, id, reason string) error {
	job, err := f.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: no such job %s in queue %s", id, queue)
	}
	job.Status = StatusFailed
	job.Error = reason
	if err := f.saveJob(ctx, job); err != nil {
		return err
	}
	return f.kv.Expire(ctx, jobKey(queue, id), failedJobTTL)
}

// CompleteJob force-marks job id as completed, for admin intervention.
func (f *Fabric) CompleteJob(ctx context.Context, queue, id string) error {
	job, err := f.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: no such job %s in queue %s", id, queue)
	}
	job.Status = StatusDone
	if err := f.saveJob(ctx, job); err != nil {
		return err
	}
	return f.kv.Expire(ctx, jobKey(queue, id), completedJobTTL)
}

// DeleteJob removes a job's record and any waiting/delayed queue-side
// entry outright.
func (f *Fabric) DeleteJob(ctx context.Context, queue, id string) error {
	_ = f.kv.ZRem(ctx, waitingKey(queue), id)
	_ = f.kv.ZRem(ctx, delayedKey(queue), id)
	return f.kv.Del(ctx, jobKey(queue, id))
}

// WaitUntilFinished blocks until job id completes or fails, or timeout
// elapses. Used by tool handlers awaiting a worker-executed job.
func (f *Fabric) WaitUntilFinished(ctx context.Context, queue, id string, timeout time.Duration) (*Job, error) {
	ch := make(chan *Job, 1)
	f.mu.Lock()
	f.waiters[id] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.waiters, id)
		f.mu.Unlock()
	}()

	if job, _ := f.GetJob(ctx, queue, id); job != nil && (job.Status == StatusDone || job.Status == StatusFailed) {
		return job, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-ch:
		return job, nil
	case <-timer.C:
		return nil, fmt.Errorf("queue: timed out waiting for job %s", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fabric) notifyWaiter(job *Job) {
	f.mu.Lock()
	ch := f.waiters[job.ID]
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- job:
		default:
		}
	}
}

// DrainChannel removes channelID's jobs from the waiting set of each of
// queues and returns how many it removed. Delayed jobs are left in place,
// and tracked tool jobs are not cancelled here; the /stop handler cancels
// those itself with CancelJob.
func (f *Fabric) DrainChannel(ctx context.Context, channelID string, queues ...string) (int, error) {
	removed := 0
	for _, q := range queues {
		ids, err := f.kv.ZRangeByScore(ctx, waitingKey(q), 0, 1e18)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			job, err := f.GetJob(ctx, q, id)
			if err != nil || job == nil || job.ChannelID != channelID {
				continue
			}
			if err := f.kv.ZRem(ctx, waitingKey(q), id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

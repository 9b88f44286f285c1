package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func (d *Dispatcher) registerBuiltins() {
	d.handlers[ToolStoreMemory] = d.storeMemory
	d.handlers[ToolSearchMemory] = d.searchMemory
	d.handlers[ToolDeleteMemory] = d.deleteMemory
	d.handlers[ToolVaultGet] = d.vaultGet
	d.handlers[ToolVaultSet] = d.vaultSet
	d.handlers[ToolCreateReminder] = d.createReminder
	d.handlers[ToolCreateTask] = d.createTask
	d.handlers[ToolCancelScheduled] = d.cancelScheduled
	d.handlers[ToolListScheduled] = d.listScheduled
	d.handlers[ToolListAgents] = d.listAgents
	d.handlers[ToolListSkills] = d.listSkills
	d.handlers[ToolSetModelEnabled] = d.setModelEnabled
	d.handlers[ToolGetConfig] = d.getConfig
	d.handlers[ToolCompactContext] = d.compactContext

	d.handlers[ToolExecuteSkill] = d.executeViaQueue(ToolExecuteSkill)
	d.handlers[ToolExecuteCode] = d.executeViaQueue(ToolExecuteCode)
	d.handlers[ToolExecuteCommand] = d.executeViaQueue(ToolExecuteCommand)

	d.handlers[ToolSubmitJob] = d.submitJob
	d.handlers[ToolSubmitParallelJobs] = d.submitParallelJobs
}

// --- memory ---

type storeMemoryArgs struct {
	Type       types.MemoryType `json:"type"`
	Subject    string           `json:"subject"`
	Content    string           `json:"content"`
	Tags       []string         `json:"tags"`
	Confidence types.Confidence `json:"confidence"`
}

func (d *Dispatcher) storeMemory(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a storeMemoryArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("store_memory: %w", err)
	}
	if a.Confidence == 0 {
		a.Confidence = types.ConfidenceMedium
	}
	mem, err := d.memory.StoreMemory(ctx, types.Memory{
		Type: a.Type, Subject: a.Subject, Content: a.Content, Tags: a.Tags, Confidence: a.Confidence,
	})
	if err != nil {
		return "", err
	}
	return okResult(mem), nil
}

type searchMemoryArgs struct {
	Query string           `json:"query"`
	TopK  int              `json:"topK"`
	Type  types.MemoryType `json:"type"`
	Tags  []string         `json:"tags"`
}

func (d *Dispatcher) searchMemory(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a searchMemoryArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("search_memory: %w", err)
	}
	if a.TopK <= 0 {
		a.TopK = 5
	}
	results, err := d.memory.SearchMemory(ctx, a.Query, types.MemorySearchOptions{TopK: a.TopK, Type: a.Type, Tags: a.Tags})
	if err != nil {
		return "", err
	}
	return okResult(results), nil
}

func (d *Dispatcher) deleteMemory(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("delete_memory: %w", err)
	}
	if err := d.memory.DeleteMemory(ctx, a.ID); err != nil {
		return "", err
	}
	return okResult(map[string]bool{"deleted": true}), nil
}

// --- vault ---

func (d *Dispatcher) vaultGet(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("vault_get: %w", err)
	}
	value, err := d.vault.GetSecret(ctx, a.Name)
	if err != nil {
		return "", err
	}
	return okResult(map[string]string{"value": string(value)}), nil
}

func (d *Dispatcher) vaultSet(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("vault_set: %w", err)
	}
	if err := d.vault.StoreSecret(ctx, a.Name, []byte(a.Value)); err != nil {
		return "", err
	}
	return okResult(map[string]bool{"stored": true}), nil
}

// --- scheduling ---

func (d *Dispatcher) createReminder(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		Message string `json:"message"`
		DelayMs int64  `json:"delayMs"`
		Cron    string `json:"cron"`
		Every   int64  `json:"intervalMs"`
		TZ      string `json:"timezone"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("create_reminder: %w", err)
	}
	if a.Cron != "" || a.Every > 0 {
		job, err := d.sched.CreateRecurrentReminder(ctx, call.ChannelID, a.Message, &queue.Repeat{Pattern: a.Cron, Every: a.Every, TZ: a.TZ})
		if err != nil {
			return "", err
		}
		return okResult(job), nil
	}
	job, err := d.sched.CreateReminder(ctx, call.ChannelID, a.Message, time.Duration(a.DelayMs)*time.Millisecond)
	if err != nil {
		return "", err
	}
	return okResult(job), nil
}

func (d *Dispatcher) createTask(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		Description string `json:"description"`
		DelayMs     int64  `json:"delayMs"`
		Cron        string `json:"cron"`
		Every       int64  `json:"intervalMs"`
		TZ          string `json:"timezone"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("create_task: %w", err)
	}
	if a.Cron != "" || a.Every > 0 {
		job, err := d.sched.CreateRecurrentTask(ctx, call.ChannelID, a.Description, &queue.Repeat{Pattern: a.Cron, Every: a.Every, TZ: a.TZ})
		if err != nil {
			return "", err
		}
		return okResult(job), nil
	}
	job, err := d.sched.CreateTask(ctx, call.ChannelID, a.Description, time.Duration(a.DelayMs)*time.Millisecond)
	if err != nil {
		return "", err
	}
	return okResult(job), nil
}

func (d *Dispatcher) cancelScheduled(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		ID       string `json:"id"`
		IsTask   bool   `json:"isTask"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("cancel_scheduled: %w", err)
	}
	var err error
	if a.IsTask {
		err = d.sched.CancelTask(ctx, call.ChannelID, a.ID)
	} else {
		err = d.sched.CancelReminder(ctx, call.ChannelID, a.ID)
	}
	if err != nil {
		return "", err
	}
	return okResult(map[string]bool{"cancelled": true}), nil
}

func (d *Dispatcher) listScheduled(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	jobs, err := d.sched.ListAllScheduledJobs(ctx)
	if err != nil {
		return "", err
	}
	filtered := make([]*types.ScheduledJob, 0, len(jobs))
	for _, j := range jobs {
		if j.ChannelID == call.ChannelID {
			filtered = append(filtered, j)
		}
	}
	return okResult(filtered), nil
}

// --- registry ---

func (d *Dispatcher) listAgents(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	agents, err := d.reg.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	return okResult(agents), nil
}

func (d *Dispatcher) listSkills(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	skills, err := d.reg.ListSkills(ctx)
	if err != nil {
		return "", err
	}
	return okResult(skills), nil
}

// --- config ---

func (d *Dispatcher) setModelEnabled(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("set_model_enabled: %w", err)
	}
	if a.ID == "" {
		return "", fmt.Errorf("set_model_enabled: id is required")
	}

	found := false
	err := d.cfg.UpdateConfig(ctx, func(doc *config.Doc) error {
		for i, m := range doc.Models.Models {
			if m.ID == a.ID {
				found = true
				doc.Models.Models[i].Enabled = a.Enabled
			}
		}
		for i, m := range doc.Models.EmbeddingModels {
			if m.ID == a.ID {
				found = true
				doc.Models.EmbeddingModels[i].Enabled = a.Enabled
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("set_model_enabled: %w", err)
	}
	if !found {
		return "", fmt.Errorf("set_model_enabled: no such model %q", a.ID)
	}
	_ = d.cfg.PublishConfigReload(ctx, config.ReloadEvent{})
	return okResult(map[string]any{"id": a.ID, "enabled": a.Enabled}), nil
}

func (d *Dispatcher) getConfig(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	doc := d.cfg.GetConfigRef()
	redacted := struct {
		Orchestrator any `json:"orchestrator"`
		Guards       any `json:"guards"`
		Memory       any `json:"memory"`
	}{doc.Orchestrator, doc.Guards, doc.Memory}
	return okResult(redacted), nil
}

// --- compact-context ---

// compactContext counts how many of the newest call.Messages fit within a
// character budget (maxChars, default 8000) and reports that count beside
// the total. It neither trims nor mutates the caller's history and does not
// keep tool-call/tool-result pairs together; the orchestrator trims its own
// history each round with trimHistory.
func (d *Dispatcher) compactContext(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a struct {
		MaxChars int `json:"maxChars"`
	}
	if err := json.Unmarshal(raw, &a); err != nil || a.MaxChars <= 0 {
		a.MaxChars = 8000
	}
	kept := 0
	total := 0
	for i := len(call.Messages) - 1; i >= 0; i-- {
		total += len(call.Messages[i].Content)
		if total > a.MaxChars {
			break
		}
		kept++
	}
	return okResult(map[string]int{"totalMessages": len(call.Messages), "retained": kept}), nil
}

// --- execution tools ---

// executeViaQueue submits toolName as a job on the tools queue and awaits
// its result, per the execute_skill/execute_code/execute_command contract.
func (d *Dispatcher) executeViaQueue(toolName string) Handler {
	return func(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
		if toolName == ToolExecuteSkill {
			var a struct {
				Skill string `json:"skill"`
			}
			_ = json.Unmarshal(raw, &a)
			if a.Skill != "" && !call.SkillAllowed(a.Skill) {
				return "", fmt.Errorf("execute_skill: skill %q is not in this agent's allow-list", a.Skill)
			}
		}
		payload := map[string]any{"channelId": call.ChannelID, "tool": toolName, "args": json.RawMessage(raw)}
		id, err := d.queue.Enqueue(ctx, queue.QueueTools, toolName, payload, queue.EnqueueOptions{Attempts: 1})
		if err != nil {
			return "", fmt.Errorf("%s: enqueue: %w", toolName, err)
		}
		if d.sessions != nil {
			_ = d.sessions.TrackJob(ctx, call.ChannelID, id)
			defer func() { _ = d.sessions.UntrackJob(context.Background(), call.ChannelID, id) }()
		}
		job, err := d.queue.WaitUntilFinished(ctx, queue.QueueTools, id, defaultExecutionTimeout)
		if err != nil {
			return "", fmt.Errorf("%s: %w", toolName, err)
		}
		if job.Status == queue.StatusFailed {
			return "", fmt.Errorf("%s: %s", toolName, job.Error)
		}
		return jobResultString(ctx, d.queue, id)
	}
}

func jobResultString(ctx context.Context, q *queue.Fabric, jobID string) (string, error) {
	result, err := q.Result(ctx, jobID)
	if err != nil {
		return "", err
	}
	if result == "" {
		return okResult(map[string]bool{"done": true}), nil
	}
	return result, nil
}

type submitJobArgs struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

func (d *Dispatcher) submitJob(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var a submitJobArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("submit_job: %w", err)
	}
	return d.Call(ctx, call, a.Tool, a.Args), nil
}

func (d *Dispatcher) submitParallelJobs(ctx context.Context, call CallContext, raw json.RawMessage) (string, error) {
	var jobs []submitJobArgs
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return "", fmt.Errorf("submit_parallel_jobs: %w", err)
	}
	results := make([]string, len(jobs))
	done := make(chan struct{}, len(jobs))
	for i, j := range jobs {
		go func(i int, j submitJobArgs) {
			results[i] = d.Call(ctx, call, j.Tool, j.Args)
			done <- struct{}{}
		}(i, j)
	}
	for range jobs {
		<-done
	}
	return okResult(results), nil
}

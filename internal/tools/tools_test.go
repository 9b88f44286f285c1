package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func TestCallContext_Allowed(t *testing.T) {
	unrestricted := CallContext{}
	if !unrestricted.Allowed("anything") {
		t.Fatalf("nil allow-list should permit everything")
	}
	restricted := CallContext{AllowedTools: []string{"search_memory"}}
	if !restricted.Allowed("search_memory") {
		t.Fatalf("expected search_memory to be allowed")
	}
	if restricted.Allowed("execute_command") {
		t.Fatalf("expected execute_command to be denied")
	}
}

func TestCallContext_SkillAllowed(t *testing.T) {
	unrestricted := CallContext{}
	if !unrestricted.SkillAllowed("anything") {
		t.Fatalf("nil skill allow-list should permit everything")
	}
	restricted := CallContext{AllowedSkills: []string{"weather-skill"}}
	if restricted.SkillAllowed("other-skill") {
		t.Fatalf("expected other-skill to be denied")
	}
}

func TestDispatcher_Call_UnknownTool(t *testing.T) {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	result := d.Call(context.Background(), CallContext{}, "nonexistent", nil)
	var out map[string]string
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("expected JSON error payload, got %s", result)
	}
	if out["error"] == "" {
		t.Fatalf("expected non-empty error, got %s", result)
	}
}

func TestDispatcher_Call_DeniedByAllowList(t *testing.T) {
	d := &Dispatcher{handlers: map[string]Handler{
		"search_memory": func(ctx context.Context, call CallContext, args json.RawMessage) (string, error) {
			return okResult(map[string]bool{"called": true}), nil
		},
	}}
	call := CallContext{AllowedTools: []string{"other_tool"}}
	result := d.Call(context.Background(), call, "search_memory", nil)
	var out map[string]string
	if err := json.Unmarshal([]byte(result), &out); err != nil || out["error"] == "" {
		t.Fatalf("expected denial error, got %s", result)
	}
}

func TestDispatcher_Call_HandlerError(t *testing.T) {
	d := &Dispatcher{handlers: map[string]Handler{
		"boom": func(ctx context.Context, call CallContext, args json.RawMessage) (string, error) {
			return "", errors.New("kaboom")
		},
	}}
	result := d.Call(context.Background(), CallContext{}, "boom", nil)
	var out map[string]string
	if err := json.Unmarshal([]byte(result), &out); err != nil || out["error"] != "kaboom" {
		t.Fatalf("expected {error: kaboom}, got %s", result)
	}
}

func TestOkResult_RoundTrips(t *testing.T) {
	result := okResult(map[string]int{"n": 3})
	var out map[string]int
	if err := json.Unmarshal([]byte(result), &out); err != nil || out["n"] != 3 {
		t.Fatalf("okResult() = %s", result)
	}
}

func TestSubmitJob_Unwraps(t *testing.T) {
	d := &Dispatcher{handlers: map[string]Handler{
		"inner": func(ctx context.Context, call CallContext, args json.RawMessage) (string, error) {
			return okResult(map[string]string{"ok": "yes"}), nil
		},
	}}
	raw, _ := json.Marshal(submitJobArgs{Tool: "inner", Args: json.RawMessage(`{}`)})
	result, err := d.submitJob(context.Background(), CallContext{}, raw)
	if err != nil {
		t.Fatalf("submitJob() error: %v", err)
	}
	if result != `{"ok":"yes"}` {
		t.Fatalf("submitJob() = %s", result)
	}
}

func TestSubmitParallelJobs_RunsAllConcurrently(t *testing.T) {
	d := &Dispatcher{handlers: map[string]Handler{
		"a": func(ctx context.Context, call CallContext, args json.RawMessage) (string, error) {
			return okResult(map[string]string{"which": "a"}), nil
		},
		"b": func(ctx context.Context, call CallContext, args json.RawMessage) (string, error) {
			return okResult(map[string]string{"which": "b"}), nil
		},
	}}
	raw, _ := json.Marshal([]submitJobArgs{{Tool: "a"}, {Tool: "b"}})
	result, err := d.submitParallelJobs(context.Background(), CallContext{}, raw)
	if err != nil {
		t.Fatalf("submitParallelJobs() error: %v", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(result), &out); err != nil || len(out) != 2 {
		t.Fatalf("submitParallelJobs() = %s", result)
	}
}

func TestCompactContext_RetainsFromNewest(t *testing.T) {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	d.registerBuiltins()
	// Newest first: 40 + 50 = 90 chars fit in 100; adding the oldest 60 does not.
	call := CallContext{Messages: []types.Message{
		{Content: strings.Repeat("a", 60)},
		{Content: strings.Repeat("b", 50)},
		{Content: strings.Repeat("c", 40)},
	}}
	raw, _ := json.Marshal(map[string]int{"maxChars": 100})
	result, err := d.compactContext(context.Background(), call, raw)
	if err != nil {
		t.Fatalf("compactContext() error: %v", err)
	}
	var out map[string]int
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out["totalMessages"] != 3 || out["retained"] != 2 {
		t.Fatalf("compactContext() = %+v", out)
	}
}

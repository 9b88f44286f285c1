package worker

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/registry"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available for tests")
	}
}

func TestExecutor_RunCodeBash(t *testing.T) {
	requireBash(t)
	e := New(nil, t.TempDir(), nil)

	args, _ := json.Marshal(codeArgs{Language: "bash", Code: "echo hello"})
	raw, err := e.runCode(context.Background(), args)
	if err != nil {
		t.Fatalf("runCode() error: %v", err)
	}
	var res execResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestExecutor_RunCodeUnsupportedLanguage(t *testing.T) {
	e := New(nil, t.TempDir(), nil)
	args, _ := json.Marshal(codeArgs{Language: "cobol", Code: "irrelevant"})
	raw, err := e.runCode(context.Background(), args)
	if err != nil {
		t.Fatalf("runCode() error: %v", err)
	}
	var res execResult
	_ = json.Unmarshal([]byte(raw), &res)
	if res.Error == "" {
		t.Fatalf("expected an error result for an unsupported language")
	}
}

func TestExecutor_RunCodeTimeout(t *testing.T) {
	requireBash(t)
	e := New(nil, t.TempDir(), nil)
	args, _ := json.Marshal(codeArgs{Language: "bash", Code: "sleep 5", Timeout: 1})
	raw, err := e.runCode(context.Background(), args)
	if err != nil {
		t.Fatalf("runCode() error: %v", err)
	}
	var res execResult
	_ = json.Unmarshal([]byte(raw), &res)
	if !res.Timeout {
		t.Fatalf("expected a timeout result, got %+v", res)
	}
}

func TestExecutor_RunCommand(t *testing.T) {
	requireBash(t)
	e := New(nil, t.TempDir(), nil)
	args, _ := json.Marshal(commandArgs{Command: "echo", Args: []string{"hi there"}})
	raw, err := e.runCommand(context.Background(), args)
	if err != nil {
		t.Fatalf("runCommand() error: %v", err)
	}
	var res execResult
	_ = json.Unmarshal([]byte(raw), &res)
	if res.Stdout != "hi there\n" {
		t.Fatalf("expected stdout %q, got %q", "hi there\n", res.Stdout)
	}
}

func TestExecutor_RunCommandMissingCommand(t *testing.T) {
	e := New(nil, t.TempDir(), nil)
	args, _ := json.Marshal(commandArgs{})
	raw, err := e.runCommand(context.Background(), args)
	if err != nil {
		t.Fatalf("runCommand() error: %v", err)
	}
	var res execResult
	_ = json.Unmarshal([]byte(raw), &res)
	if res.Error == "" {
		t.Fatalf("expected an error result when command is empty")
	}
}

func TestExecutor_RunUnknownTool(t *testing.T) {
	e := New(&registry.Registry{}, t.TempDir(), nil)
	_, err := e.run(context.Background(), toolPayload{Tool: "not_a_real_tool"})
	if err == nil {
		t.Fatalf("expected an error for an unknown tool")
	}
}

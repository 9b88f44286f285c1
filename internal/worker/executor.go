// Package worker implements the stateless execution process: a tools-queue
// consumer that runs execute_code, execute_command, and execute_skill jobs
// in a throwaway workspace directory and a small HTTP surface for log
// tailing and file fetch.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/registry"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 5 * time.Minute
)

// Executor runs tools-queue jobs. It has no database of its own; skill
// bundles are read directly off the registry's shared bundle directory,
// since node and worker processes in this deployment share the same
// filesystem/KV backing store rather than speaking a fetch protocol.
type Executor struct {
	reg           *registry.Registry
	workspaceRoot string
	logger        *slog.Logger
}

func New(reg *registry.Registry, workspaceRoot string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{reg: reg, workspaceRoot: workspaceRoot, logger: logger}
}

// toolPayload mirrors tools.Dispatcher.executeViaQueue's enqueued shape.
type toolPayload struct {
	ChannelID string          `json:"channelId"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
}

// Register wires the Executor onto the fabric's tools queue.
func (e *Executor) Register(q *queue.Fabric) {
	q.Register(queue.QueueTools, func(ctx context.Context, j *queue.Job) error {
		var p toolPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("worker: malformed tool payload: %w", err)
		}
		result, err := e.run(ctx, p)
		if err != nil {
			return err
		}
		return q.SetResult(ctx, j.ID, result)
	})
}

func (e *Executor) run(ctx context.Context, p toolPayload) (string, error) {
	switch p.Tool {
	case "execute_code":
		return e.runCode(ctx, p.Args)
	case "execute_command":
		return e.runCommand(ctx, p.Args)
	case "execute_skill":
		return e.runSkill(ctx, p.Args)
	default:
		return "", fmt.Errorf("worker: unknown tool %q", p.Tool)
	}
}

type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
	Timeout  bool   `json:"timeout,omitempty"`
}

func (r execResult) json() string {
	raw, _ := json.Marshal(r)
	return string(raw)
}

var interpreters = map[string][]string{
	"python":  {"python3"},
	"node":    {"node"},
	"nodejs":  {"node"},
	"bash":    {"bash"},
	"sh":      {"sh"},
	"go":      {"go", "run"},
	"ruby":    {"ruby"},
	"deno":    {"deno", "run", "--allow-read"},
}

type codeArgs struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin"`
	Timeout  int    `json:"timeoutSec"`
}

// runCode writes code to a scratch file in a fresh workspace dir and runs
// it through the matching interpreter with no network namespace beyond
// what the host process itself allows (container-level isolation is out of
// scope here; process isolation plus a hard wall-clock timeout is the
// worker's actual security boundary).
func (e *Executor) runCode(ctx context.Context, raw json.RawMessage) (string, error) {
	var a codeArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("execute_code: %w", err)
	}
	bin, ok := interpreters[a.Language]
	if !ok {
		return execResult{Error: fmt.Sprintf("unsupported language %q", a.Language)}.json(), nil
	}

	dir, err := e.newWorkspace()
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	ext := extensionFor(a.Language)
	scriptPath := filepath.Join(dir, "main"+ext)
	if err := os.WriteFile(scriptPath, []byte(a.Code), 0o644); err != nil {
		return "", fmt.Errorf("execute_code: write script: %w", err)
	}

	args := append(append([]string{}, bin[1:]...), scriptPath)
	return e.execute(ctx, dir, bin[0], args, a.Stdin, a.Timeout), nil
}

func extensionFor(language string) string {
	switch language {
	case "python":
		return ".py"
	case "node", "nodejs":
		return ".js"
	case "bash":
		return ".sh"
	case "sh":
		return ".sh"
	case "go":
		return ".go"
	case "ruby":
		return ".rb"
	case "deno":
		return ".ts"
	default:
		return ".txt"
	}
}

type commandArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Stdin   string   `json:"stdin"`
	Timeout int      `json:"timeoutSec"`
}

func (e *Executor) runCommand(ctx context.Context, raw json.RawMessage) (string, error) {
	var a commandArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("execute_command: %w", err)
	}
	if a.Command == "" {
		return execResult{Error: "command is required"}.json(), nil
	}
	dir, err := e.newWorkspace()
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	return e.execute(ctx, dir, a.Command, a.Args, a.Stdin, a.Timeout), nil
}

type skillArgs struct {
	Skill string          `json:"skill"`
	Args  json.RawMessage `json:"args"`
}

// runSkill loads the skill's manifest from the shared registry bundle
// directory and runs its script entrypoint, passing Args as JSON on stdin.
func (e *Executor) runSkill(ctx context.Context, raw json.RawMessage) (string, error) {
	var a skillArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("execute_skill: %w", err)
	}
	manifest, err := e.reg.GetSkillManifest(a.Skill)
	if err != nil {
		return execResult{Error: err.Error()}.json(), nil
	}
	bin, ok := interpreters[manifest.Language]
	if !ok {
		return execResult{Error: fmt.Sprintf("unsupported skill language %q", manifest.Language)}.json(), nil
	}

	bundleDir := e.reg.SkillBundlePath(a.Skill)
	scriptPath := filepath.Join(bundleDir, manifest.Script)
	if _, err := os.Stat(scriptPath); err != nil {
		return execResult{Error: fmt.Sprintf("skill script not found: %s", manifest.Script)}.json(), nil
	}

	stdin := ""
	if a.Args != nil {
		stdin = string(a.Args)
	}
	args := append(append([]string{}, bin[1:]...), scriptPath)
	return e.execute(ctx, bundleDir, bin[0], args, stdin, 0), nil
}

func (e *Executor) newWorkspace() (string, error) {
	dir := filepath.Join(e.workspaceRoot, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("worker: create workspace: %w", err)
	}
	return dir, nil
}

func (e *Executor) execute(ctx context.Context, dir, name string, args []string, stdin string, timeoutSec int) string {
	timeout := defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=/usr/bin:/bin:/usr/local/bin", "HOME=" + dir}
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := execResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		res.Timeout = true
		res.Error = "execution timed out"
		return res.json()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Error = err.Error()
		}
	}
	e.logger.Debug("worker: executed", "cmd", name, "dir", dir, "exitCode", res.ExitCode, "timeout", res.Timeout)
	return res.json()
}

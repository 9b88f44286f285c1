package systemprompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func TestBuild_IncludesPersonaFilesAndCoreInstructions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity.md"), []byte("I am Botty."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "knowledge.md"), []byte("The sky is blue."), 0o644); err != nil {
		t.Fatal(err)
	}

	b := New(dir, nil, nil)
	prompt, err := b.Build(context.Background(), Vars{})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !strings.Contains(prompt, "I am Botty.") {
		t.Fatalf("expected identity file content in prompt, got: %s", prompt)
	}
	if !strings.Contains(prompt, "ScalyClaw") {
		t.Fatalf("expected core instructions in prompt")
	}
	if !strings.Contains(prompt, "## Knowledge") {
		t.Fatalf("expected knowledge block in prompt")
	}
}

func TestBuild_CachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, nil, nil)
	first, err := b.Build(context.Background(), Vars{})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "identity.md"), []byte("new identity"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := b.Build(context.Background(), Vars{})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected cached prompt to be reused before Invalidate")
	}
	b.Invalidate()
	third, err := b.Build(context.Background(), Vars{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(third, "new identity") {
		t.Fatalf("expected rebuilt prompt to pick up new identity file, got: %s", third)
	}
}

func TestWithMemories_AppendsSection(t *testing.T) {
	prompt := WithMemories("base prompt", nil)
	if prompt != "base prompt" {
		t.Fatalf("expected no-op for empty memories, got: %s", prompt)
	}
	prompt = WithMemories("base prompt", []types.Memory{{Content: "the user likes coffee"}})
	if !strings.Contains(prompt, "Relevant Memories") || !strings.Contains(prompt, "the user likes coffee") {
		t.Fatalf("expected memories section, got: %s", prompt)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("# Researcher\n\nDeep dives into topics."); got != "Researcher" {
		t.Fatalf("firstLine() = %q", got)
	}
}

package registry

import "testing"

func TestAgentBundlePath(t *testing.T) {
	r := New(nil, "/skills", "/agents")
	if got := r.AgentBundlePath("my-agent"); got != "/agents/my-agent" {
		t.Fatalf("AgentBundlePath() = %q", got)
	}
	if got := r.SkillBundlePath("my-skill"); got != "/skills/my-skill" {
		t.Fatalf("SkillBundlePath() = %q", got)
	}
}

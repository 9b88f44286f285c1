package guard

import (
	"context"
	"fmt"
	"strings"
)

const safetySystemPrompt = "You are a content safety reviewer. Respond with a single JSON object of the form {\"safe\": bool, \"reason\": string, \"threats\": [string]} and nothing else."

// CheckContent asks the guard model to classify arbitrary text (an outbound
// reply, a user message) as safe or not.
func (p *Pipeline) CheckContent(ctx context.Context, channelID, text string) (Verdict, error) {
	return p.runSafetyCheck(ctx, channelID, safetySystemPrompt, text)
}

// CheckSkill asks the guard model to review a skill's manifest plus the
// concatenated contents of its source files before it is installed.
func (p *Pipeline) CheckSkill(ctx context.Context, manifest string, sourceFiles map[string]string) (Verdict, error) {
	var b strings.Builder
	b.WriteString("Manifest:\n")
	b.WriteString(manifest)
	b.WriteString("\n\nSource files:\n")
	for path, content := range sourceFiles {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, content)
	}
	return p.runSafetyCheck(ctx, "", safetySystemPrompt, b.String())
}

// AgentDescriptor is the subset of an agent registration the guard reviews.
type AgentDescriptor struct {
	ID           string
	Name         string
	Description  string
	Skills       []string
	SystemPrompt string
}

// CheckAgent asks the guard model to review an agent registration before it
// is allowed to run.
func (p *Pipeline) CheckAgent(ctx context.Context, agent AgentDescriptor) (Verdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\nName: %s\nDescription: %s\nSkills: %s\n\nSystem prompt:\n%s",
		agent.ID, agent.Name, agent.Description, strings.Join(agent.Skills, ", "), agent.SystemPrompt)
	return p.runSafetyCheck(ctx, "", safetySystemPrompt, b.String())
}

func (p *Pipeline) runSafetyCheck(ctx context.Context, channelID, system, input string) (Verdict, error) {
	raw, err := p.callGuardModel(ctx, channelID, system, input)
	if err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("safety check call failed: %v", err)}, err
	}

	v, err := parseVerdict(raw)
	if err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("safety check response unparseable: %v", err)}, err
	}
	return v, nil
}

// CheckEchoAndContent runs the echo and content guards concurrently. The
// first one to fail (unsafe verdict or internal error) wins; if both pass,
// a safe Verdict is returned once both complete.
func (p *Pipeline) CheckEchoAndContent(ctx context.Context, channelID string, dir Direction, text string) (Verdict, error) {
	type result struct {
		v   Verdict
		err error
	}
	results := make(chan result, 2)

	go func() {
		v, err := p.CheckEcho(ctx, channelID, dir, text)
		results <- result{v, err}
	}()
	go func() {
		v, err := p.CheckContent(ctx, channelID, text)
		results <- result{v, err}
	}()

	var last result
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil || !r.v.Safe {
			return r.v, r.err
		}
		last = r
	}
	return last.v, nil
}

package guard

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

const echoNormalizeClamp = 10_000

// echoSystemPrompt instructs the guard model to re-emit the input verbatim,
// with no commentary, so a similarity check can catch injected rewrites.
const echoSystemPrompt = "Repeat the following message back exactly, character for character. Do not add commentary, explanation, or formatting. Output only the repeated message."

// Direction distinguishes the outbound (assistant -> channel) and inbound
// (channel -> assistant) echo guard variants. Both run the identical check;
// the direction only appears in the verdict's reason text.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// CheckEcho asks the guard model to echo text back verbatim and compares the
// normalized Levenshtein similarity against the configured threshold
// (default 0.9). Any internal error is reported as an unsafe Verdict.
func (p *Pipeline) CheckEcho(ctx context.Context, channelID string, dir Direction, text string) (Verdict, error) {
	threshold := p.config.GetConfigRef().Guards.EchoThreshold
	if threshold <= 0 {
		threshold = 0.9
	}

	echoed, err := p.callGuardModel(ctx, channelID, echoSystemPrompt, text)
	if err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("echo guard (%s) call failed: %v", dir, err)}, err
	}

	score := echoSimilarity(text, echoed)
	if score < threshold {
		return Verdict{
			Safe:   false,
			Reason: fmt.Sprintf("echo guard (%s) similarity %.3f below threshold %.3f", dir, score, threshold),
		}, nil
	}
	return Verdict{Safe: true}, nil
}

// echoSimilarity normalizes both strings (lowercase, collapsed whitespace,
// clamped to echoNormalizeClamp characters) before scoring.
func echoSimilarity(a, b string) float64 {
	na, nb := normalizeForEcho(a), normalizeForEcho(b)
	if na == "" && nb == "" {
		return 1
	}
	return levenshtein.Match(na, nb, levenshtein.NewParams())
}

func normalizeForEcho(s string) string {
	s = strings.ToLower(s)
	s = collapseWhitespace(s)
	if len(s) > echoNormalizeClamp {
		s = s[:echoNormalizeClamp]
	}
	return s
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteByte(' ')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

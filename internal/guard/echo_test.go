package guard

import "testing"

func TestNormalizeForEcho(t *testing.T) {
	got := normalizeForEcho("  Hello   World  \n\n")
	want := "hello world"
	if got != want {
		t.Fatalf("normalizeForEcho() = %q, want %q", got, want)
	}
}

func TestEchoSimilarity_Identical(t *testing.T) {
	if score := echoSimilarity("hello world", "hello world"); score != 1 {
		t.Fatalf("expected similarity 1 for identical input, got %v", score)
	}
}

func TestEchoSimilarity_CaseAndWhitespaceInsensitive(t *testing.T) {
	if score := echoSimilarity("Hello   World", "hello world"); score != 1 {
		t.Fatalf("expected similarity 1 after normalization, got %v", score)
	}
}

func TestEchoSimilarity_Divergent(t *testing.T) {
	score := echoSimilarity("the quick brown fox", "completely unrelated text")
	if score >= 0.9 {
		t.Fatalf("expected low similarity for divergent strings, got %v", score)
	}
}

func TestEchoSimilarity_BothEmpty(t *testing.T) {
	if score := echoSimilarity("", ""); score != 1 {
		t.Fatalf("expected similarity 1 for two empty strings, got %v", score)
	}
}

package normalize

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestRulesApplyByDescendingPriority(t *testing.T) {
	// The low-priority rule only matches the high-priority rule's output.
	rules := []Rule{
		{Pattern: `^chatgpt$`, Replacement: "GPT-3.5", Priority: 1},
		{Pattern: `chat-gpt`, Replacement: "chatgpt", Priority: 10},
	}
	n, err := NewRuleNormalizer(rules, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleNormalizer() error = %v", err)
	}

	out := n.Normalize("Chat-GPT")
	if out.Output != "GPT-3.5" {
		t.Errorf("Normalize(Chat-GPT) = %q, want GPT-3.5 via chained rules", out.Output)
	}
	if out.Applied != 2 {
		t.Errorf("Applied = %d, want 2", out.Applied)
	}
}

func TestRulesConfidenceScaling(t *testing.T) {
	rules := []Rule{
		{Pattern: `\bgpt4\b`, Replacement: "GPT-4", Priority: 5, Category: "model"},
		{Pattern: `\s{2,}`, Replacement: " ", Priority: 4, Category: "whitespace"},
		{Pattern: `\bllm\b`, Replacement: "large language model", Priority: 3},
		{Pattern: `\bbert\b`, Replacement: "BERT", Priority: 2},
	}
	n, err := NewRuleNormalizer(rules, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleNormalizer() error = %v", err)
	}

	cases := []struct {
		name     string
		in       string
		wantApplied int
		wantConf float64
	}{
		{"no rule fires", "transformer", 0, 0.5},
		{"one rule", "gpt4", 1, 0.8},
		{"two rules", "gpt4  paper", 2, 0.9},
		{"three rules capped", "gpt4  llm", 3, 0.95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := n.Normalize(tc.in)
			if out.Applied != tc.wantApplied {
				t.Errorf("Applied = %d, want %d", out.Applied, tc.wantApplied)
			}
			if out.Confidence != tc.wantConf {
				t.Errorf("Confidence = %f, want %f", out.Confidence, tc.wantConf)
			}
		})
	}
}

func TestRulesCountOnlyMaterialChanges(t *testing.T) {
	rules := []Rule{
		// Matches any string but rewrites it to itself.
		{Pattern: `^(.*)$`, Replacement: "$1", Priority: 1},
	}
	n, err := NewRuleNormalizer(rules, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleNormalizer() error = %v", err)
	}

	out := n.Normalize("unchanged")
	if out.Applied != 0 {
		t.Errorf("Applied = %d, want 0 for a no-op rewrite", out.Applied)
	}
	if out.Confidence != 0.5 {
		t.Errorf("Confidence = %f, want 0.5", out.Confidence)
	}
}

func TestRulesCaseInsensitive(t *testing.T) {
	rules := []Rule{{Pattern: `\btransformers?\b`, Replacement: "Transformer", Priority: 1}}
	n, err := NewRuleNormalizer(rules, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleNormalizer() error = %v", err)
	}

	out := n.Normalize("TRANSFORMERS")
	if out.Output != "Transformer" {
		t.Errorf("Normalize(TRANSFORMERS) = %q, want Transformer", out.Output)
	}
}

func TestRulesRecordCategories(t *testing.T) {
	rules := []Rule{
		{Pattern: `\bv(\d+)\b`, Replacement: "version $1", Priority: 2, Category: "version"},
		{Pattern: `\bml\b`, Replacement: "machine learning", Priority: 1, Category: "acronym"},
	}
	n, err := NewRuleNormalizer(rules, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRuleNormalizer() error = %v", err)
	}

	out := n.Normalize("ml v2")
	if len(out.Categories) != 2 || out.Categories[0] != "version" || out.Categories[1] != "acronym" {
		t.Errorf("Categories = %v, want [version acronym] in priority order", out.Categories)
	}
}

func TestNewRuleNormalizerRejectsBadPattern(t *testing.T) {
	if _, err := NewRuleNormalizer([]Rule{{Pattern: `([`, Replacement: "x"}}, nil); err == nil {
		t.Error("expected error for invalid regex")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - pattern: '\bgpt-?4\b'
    replacement: "GPT-4"
    priority: 10
    category: model
  - pattern: '\s+'
    replacement: " "
    priority: 1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rules))
	}
	if rules[0].Replacement != "GPT-4" || rules[0].Priority != 10 || rules[0].Category != "model" {
		t.Errorf("rule[0] = %+v", rules[0])
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	if _, err := LoadRules("/nonexistent/rules.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

package nlq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/scholar-graph-pipeline/internal/jsonx"
	"github.com/scholar-graph-pipeline/internal/llm"
)

// newVerdictModel serves a fixed chat completion so classifier tests can
// script the model's verdict.
func newVerdictModel(t *testing.T, content string) (llm.Client, func() int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_ = jsonx.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]any{"total_tokens": 18},
		})
	}))
	t.Cleanup(srv.Close)

	client, err := llm.NewFromConfig(&llm.Config{
		Provider: llm.ProviderOpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "test-key",
		BaseURL:  srv.URL,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	return client, func() int { return hits }
}

func heuristicClassifier(t *testing.T, hints ...HintRule) *IntentClassifier {
	t.Helper()
	c, err := NewIntentClassifier(nil, hints, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIntentClassifier failed: %v", err)
	}
	return c
}

func TestClassifyFallbackIntents(t *testing.T) {
	c := heuristicClassifier(t)

	cases := []struct {
		question string
		want     IntentType
	}{
		{"What is the shortest path between BERT and GPT-4?", IntentPathFinding},
		{"How many papers were published on diffusion models?", IntentAggregation},
		{"Compare BERT and RoBERTa", IntentComparison},
		{"Give me an overview of the research landscape", IntentGlobalSummary},
		{"Which models are derived from BERT?", IntentRelationshipQuery},
		{"Tell me about transformers", IntentEntityLookup},
	}
	for _, tc := range cases {
		intent, err := c.Classify(context.Background(), tc.question)
		if err != nil {
			t.Fatalf("Classify(%q) failed: %v", tc.question, err)
		}
		if intent.Type != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.question, intent.Type, tc.want)
		}
	}
}

func TestClassifyEmptyQuestionErrors(t *testing.T) {
	c := heuristicClassifier(t)
	if _, err := c.Classify(context.Background(), "   "); err == nil {
		t.Error("expected error for blank question")
	}
}

func TestFallbackExtractsEntities(t *testing.T) {
	c := heuristicClassifier(t)

	intent, err := c.Classify(context.Background(), `Which papers mention "attention mechanisms" and BERT?`)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(intent.Entities) != 2 || intent.Entities[0] != "attention mechanisms" || intent.Entities[1] != "BERT" {
		t.Errorf("unexpected entities: %v", intent.Entities)
	}

	intent, err = c.Classify(context.Background(), "Tell me about Graph Neural Networks")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(intent.Entities) != 1 || intent.Entities[0] != "Graph Neural Networks" {
		t.Errorf("expected one multi-word entity, got %v", intent.Entities)
	}
}

func TestFallbackHintRuleWins(t *testing.T) {
	c := heuristicClassifier(t, HintRule{
		Pattern: `hot topics|trending`,
		Type:    IntentGlobalSummary,
		Hint:    "Aggregate by recent growth.",
	})

	intent, err := c.Classify(context.Background(), "What are the hot topics right now?")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent.Type != IntentGlobalSummary {
		t.Errorf("expected hint to classify as %s, got %s", IntentGlobalSummary, intent.Type)
	}
	if intent.Confidence != 0.6 {
		t.Errorf("expected hint confidence 0.6, got %v", intent.Confidence)
	}
}

func TestNewIntentClassifierRejectsBadHints(t *testing.T) {
	logger := zaptest.NewLogger(t)
	if _, err := NewIntentClassifier(nil, []HintRule{{Pattern: "("}}, logger); err == nil {
		t.Error("expected error for invalid pattern")
	}
	if _, err := NewIntentClassifier(nil, []HintRule{{Pattern: "ok", Type: "NOPE"}}, logger); err == nil {
		t.Error("expected error for unknown intent type")
	}
}

func TestClassifyUsesModelVerdict(t *testing.T) {
	client, hits := newVerdictModel(t, `{"type":"path_finding","confidence":0.93,"entities":["BERT","GPT-4"],"relations":["CITES"],"is_ambiguous":false}`)
	c, err := NewIntentClassifier(client, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIntentClassifier failed: %v", err)
	}

	intent, err := c.Classify(context.Background(), "How do I get from BERT to GPT-4?")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent.Type != IntentPathFinding {
		t.Errorf("expected PATH_FINDING, got %s", intent.Type)
	}
	if intent.Confidence != 0.93 {
		t.Errorf("expected confidence 0.93, got %v", intent.Confidence)
	}
	if len(intent.Entities) != 2 {
		t.Errorf("expected model entities to be kept, got %v", intent.Entities)
	}
	if hits() != 1 {
		t.Errorf("expected 1 model call, got %d", hits())
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	client, _ := newVerdictModel(t, `{"type":"ENTITY_LOOKUP","confidence":1.7}`)
	c, err := NewIntentClassifier(client, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIntentClassifier failed: %v", err)
	}

	intent, err := c.Classify(context.Background(), "Tell me about BERT")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent.Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", intent.Confidence)
	}
}

func TestClassifyUnparseableVerdictFallsBack(t *testing.T) {
	client, _ := newVerdictModel(t, "It is probably a count of some kind.")
	c, err := NewIntentClassifier(client, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIntentClassifier failed: %v", err)
	}

	intent, err := c.Classify(context.Background(), "How many papers cite BERT?")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent.Type != IntentAggregation {
		t.Errorf("expected heuristic AGGREGATION, got %s", intent.Type)
	}
}

func TestClassifyUnknownTypeFallsBack(t *testing.T) {
	client, _ := newVerdictModel(t, `{"type":"WILDCARD","confidence":0.99}`)
	c, err := NewIntentClassifier(client, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewIntentClassifier failed: %v", err)
	}

	intent, err := c.Classify(context.Background(), "Compare BERT and GPT-4")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent.Type != IntentComparison {
		t.Errorf("expected heuristic COMPARISON, got %s", intent.Type)
	}
	if intent.Confidence != 0.5 {
		t.Errorf("expected heuristic confidence, got %v", intent.Confidence)
	}
}

func TestLoadHints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hints.yaml")
	content := `hints:
  - pattern: "trending"
    type: GLOBAL_SUMMARY
    hint: "Use recent snapshots."
  - pattern: "path between"
    type: PATH_FINDING
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write hints file: %v", err)
	}

	hints, err := LoadHints(path)
	if err != nil {
		t.Fatalf("LoadHints failed: %v", err)
	}
	if len(hints) != 2 {
		t.Fatalf("expected 2 hints, got %d", len(hints))
	}
	if hints[0].Type != IntentGlobalSummary || hints[0].Hint != "Use recent snapshots." {
		t.Errorf("unexpected first hint: %+v", hints[0])
	}

	if _, err := LoadHints(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// Package nlq turns natural-language questions into validated Cypher
// and executes them against the knowledge graph: classify the intent,
// generate a query, validate and retry, execute, synthesize an answer.
package nlq

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/scholar-graph-pipeline/internal/llm"
)

// IntentType classifies what a question asks of the graph.
type IntentType string

const (
	IntentEntityLookup      IntentType = "ENTITY_LOOKUP"
	IntentRelationshipQuery IntentType = "RELATIONSHIP_QUERY"
	IntentPathFinding       IntentType = "PATH_FINDING"
	IntentAggregation       IntentType = "AGGREGATION"
	IntentGlobalSummary     IntentType = "GLOBAL_SUMMARY"
	IntentComparison        IntentType = "COMPARISON"
)

var intentTypes = map[IntentType]bool{
	IntentEntityLookup:      true,
	IntentRelationshipQuery: true,
	IntentPathFinding:       true,
	IntentAggregation:       true,
	IntentGlobalSummary:     true,
	IntentComparison:        true,
}

// Intent is the classified shape of one question.
type Intent struct {
	Type                IntentType `json:"type"`
	Confidence          float64    `json:"confidence"`
	Entities            []string   `json:"entities,omitempty"`
	Relations           []string   `json:"relations,omitempty"`
	IsAmbiguous         bool       `json:"is_ambiguous"`
	ClarificationNeeded string     `json:"clarification_needed,omitempty"`
}

// HintRule maps a question pattern to an intent type, optionally with
// prompt text the generator embeds for matching questions.
type HintRule struct {
	Pattern string     `yaml:"pattern"`
	Type    IntentType `yaml:"type"`
	Hint    string     `yaml:"hint,omitempty"`
}

type compiledHint struct {
	re   *regexp.Regexp
	rule HintRule
}

type hintsFile struct {
	Hints []HintRule `yaml:"hints"`
}

// LoadHints reads hint rules from a YAML file.
func LoadHints(path string) ([]HintRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nlq: read hints file: %w", err)
	}
	var f hintsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("nlq: parse hints file: %w", err)
	}
	return f.Hints, nil
}

// IntentClassifier labels questions with an intent. With a model it
// asks for a JSON verdict; without one (or when the model fails) it
// falls back to pattern heuristics, so classification never errors.
type IntentClassifier struct {
	client llm.Client
	hints  []compiledHint
	logger *zap.Logger
}

// NewIntentClassifier compiles the hint rules.
func NewIntentClassifier(client llm.Client, hints []HintRule, logger *zap.Logger) (*IntentClassifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled := make([]compiledHint, 0, len(hints))
	for _, h := range hints {
		re, err := regexp.Compile("(?i)" + h.Pattern)
		if err != nil {
			return nil, fmt.Errorf("nlq: invalid hint pattern %q: %w", h.Pattern, err)
		}
		if h.Type != "" && !intentTypes[h.Type] {
			return nil, fmt.Errorf("nlq: unknown intent type %q in hints", h.Type)
		}
		compiled = append(compiled, compiledHint{re: re, rule: h})
	}
	return &IntentClassifier{
		client: client,
		hints:  compiled,
		logger: logger.Named("nlq.intent"),
	}, nil
}

const classifySystemPrompt = `You classify questions about an academic knowledge graph of AI research (papers, models, techniques, organizations, people, benchmarks).

Answer with JSON only:
{"type": "<ENTITY_LOOKUP|RELATIONSHIP_QUERY|PATH_FINDING|AGGREGATION|GLOBAL_SUMMARY|COMPARISON>", "confidence": <0..1>, "entities": ["entity names mentioned"], "relations": ["relation kinds implied"], "is_ambiguous": <bool>, "clarification_needed": "<question to the user, only when ambiguous>"}`

// Classify labels one question. Model failures degrade to heuristics.
func (c *IntentClassifier) Classify(ctx context.Context, question string) (*Intent, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("nlq: question cannot be empty")
	}
	if c.client == nil {
		return c.fallback(question), nil
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	if hint := c.matchHint(question); hint != nil && hint.Type != "" {
		b.WriteString("\nHint: questions matching this shape are usually ")
		b.WriteString(string(hint.Type))
		b.WriteString(".")
	}

	raw, err := c.client.Complete(ctx, b.String(), &llm.CompleteOptions{
		System:    classifySystemPrompt,
		MaxTokens: 300,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Intent classification degraded to heuristics", zap.Error(err))
		return c.fallback(question), nil
	}

	var intent Intent
	if err := llm.ParseJSONInto(raw, &intent); err != nil {
		c.logger.Warn("Unparseable intent verdict, using heuristics",
			zap.String("response", truncate(raw, 200)))
		return c.fallback(question), nil
	}
	intent.Type = IntentType(strings.ToUpper(strings.TrimSpace(string(intent.Type))))
	if !intentTypes[intent.Type] {
		fb := c.fallback(question)
		intent.Type = fb.Type
		intent.Confidence = fb.Confidence
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	return &intent, nil
}

// matchHint returns the first hint whose pattern matches.
func (c *IntentClassifier) matchHint(question string) *HintRule {
	for i := range c.hints {
		if c.hints[i].re.MatchString(question) {
			return &c.hints[i].rule
		}
	}
	return nil
}

var (
	pathWords      = regexp.MustCompile(`(?i)\b(path|paths|route|chain|connect\w*\s+.*\bbetween|how\s+(is|are)\s+.*\b(related|connected)\s+to)\b`)
	aggregateWords = regexp.MustCompile(`(?i)\b(how many|count|number of|average|total|most cited|top \d+)\b`)
	compareWords   = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between|better than)\b`)
	summaryWords   = regexp.MustCompile(`(?i)\b(overview|summar\w+|landscape|what does the graph|trend\w*)\b`)
	relationWords  = regexp.MustCompile(`(?i)\b(related|relationship|uses|used by|derived from|developed by|evaluated on|cites|cited by|between)\b`)
)

// fallback labels a question by keyword patterns alone.
func (c *IntentClassifier) fallback(question string) *Intent {
	intent := &Intent{Type: IntentEntityLookup, Confidence: 0.5}

	if hint := c.matchHint(question); hint != nil && hint.Type != "" {
		intent.Type = hint.Type
		intent.Confidence = 0.6
	} else {
		switch {
		case pathWords.MatchString(question):
			intent.Type = IntentPathFinding
		case compareWords.MatchString(question):
			intent.Type = IntentComparison
		case aggregateWords.MatchString(question):
			intent.Type = IntentAggregation
		case summaryWords.MatchString(question):
			intent.Type = IntentGlobalSummary
		case relationWords.MatchString(question):
			intent.Type = IntentRelationshipQuery
		}
	}

	intent.Entities = extractEntities(question)
	return intent
}

var quotedSpan = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

// extractEntities pulls quoted spans and capitalized runs out of a
// question. Leading interrogatives are not entities.
func extractEntities(question string) []string {
	var entities []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		entities = append(entities, s)
	}

	for _, m := range quotedSpan.FindAllStringSubmatch(question, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}

	stop := map[string]bool{
		"what": true, "which": true, "who": true, "whose": true, "how": true,
		"when": true, "where": true, "why": true, "list": true, "show": true,
		"find": true, "compare": true, "is": true, "are": true, "the": true,
		"and": true, "does": true, "do": true, "give": true, "tell": true,
	}

	words := strings.Fields(question)
	var run []string
	flush := func() {
		if len(run) > 0 {
			add(strings.Join(run, " "))
			run = nil
		}
	}
	for _, w := range words {
		trimmed := strings.Trim(w, ".,?!;:()")
		if trimmed == "" {
			flush()
			continue
		}
		first := rune(trimmed[0])
		if (first >= 'A' && first <= 'Z') && !stop[strings.ToLower(trimmed)] {
			run = append(run, trimmed)
			continue
		}
		flush()
	}
	flush()
	return entities
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

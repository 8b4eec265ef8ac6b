package normalize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/llm"
)

// Confirmation is the model's verdict on a proposed canonical name.
type Confirmation struct {
	Confirmed   bool    `json:"confirmed"`
	Suggestion  string  `json:"suggestion,omitempty"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// LLMConfirmer asks a model whether a candidate canonical name is the
// right normalization of an input.
type LLMConfirmer struct {
	client llm.Client
	logger *zap.Logger
}

// NewLLMConfirmer wraps a model client.
func NewLLMConfirmer(client llm.Client, logger *zap.Logger) *LLMConfirmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMConfirmer{
		client: client,
		logger: logger.Named("normalize.confirm"),
	}
}

const confirmSystemPrompt = `You verify entity-name normalizations for an AI research knowledge graph.
Respond with strict JSON only, no prose: {"confirmed": bool, "suggestion": string, "confidence": number, "explanation": string}.
"confirmed" means the candidate is the correct canonical form of the input.
Fill "suggestion" with a better canonical form when you know one, otherwise omit it.`

// Confirm asks the model to judge candidate as the canonical form of
// input. A response that cannot be parsed yields an unconfirmed
// zero-confidence verdict rather than an error.
func (c *LLMConfirmer) Confirm(ctx context.Context, input, candidate, entityType string) (*Confirmation, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input name: %q\n", input)
	fmt.Fprintf(&sb, "Candidate canonical name: %q\n", candidate)
	if entityType != "" {
		fmt.Fprintf(&sb, "Entity type: %s\n", entityType)
	}
	sb.WriteString("Is the candidate the correct canonical form of the input?")

	raw, err := c.client.Complete(ctx, sb.String(), &llm.CompleteOptions{
		System:    confirmSystemPrompt,
		MaxTokens: 300,
	})
	if err != nil {
		return nil, fmt.Errorf("confirmation request failed: %w", err)
	}

	var verdict Confirmation
	if err := llm.ParseJSONInto(raw, &verdict); err != nil {
		c.logger.Warn("Unparseable confirmation response",
			zap.String("input", input),
			zap.String("response", truncate(raw, 200)))
		return &Confirmation{Confirmed: false, Confidence: 0}, nil
	}
	return &verdict, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

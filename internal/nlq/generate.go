package nlq

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/llm"
)

// SchemaSource supplies the graph schema embedded in prompts.
type SchemaSource interface {
	GetSchema(ctx context.Context) (*graph.Schema, error)
}

// Validator checks a candidate query without running it.
type Validator interface {
	Validate(ctx context.Context, cypher string) error
}

// GeneratorConfig tunes query generation.
type GeneratorConfig struct {
	// MaxRetries bounds generate→validate rounds.
	MaxRetries int
	// DefaultLimit is appended to reading queries lacking a LIMIT.
	DefaultLimit int
	// Language of incoming questions, "en" or "ja".
	Language string
}

// DefaultGeneratorConfig returns the standard three-attempt setup.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxRetries:   3,
		DefaultLimit: 25,
		Language:     "en",
	}
}

// Query is a generated Cypher statement.
type Query struct {
	Cypher  string `json:"cypher"`
	IsValid bool   `json:"is_valid"`
}

// GenerateResult reports one generation run.
type GenerateResult struct {
	Success  bool        `json:"success"`
	Query    *Query      `json:"query,omitempty"`
	Error    *QueryError `json:"error,omitempty"`
	Attempts int         `json:"attempts"`
}

// CypherGenerator produces schema-constrained Cypher from questions.
type CypherGenerator struct {
	client    llm.Client
	schema    SchemaSource
	validator Validator
	cfg       GeneratorConfig
	logger    *zap.Logger
}

// NewCypherGenerator assembles a generator. validator may be nil, in
// which case candidates are returned unvalidated.
func NewCypherGenerator(client llm.Client, schema SchemaSource, validator Validator, cfg GeneratorConfig, logger *zap.Logger) *CypherGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultGeneratorConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	return &CypherGenerator{
		client:    client,
		schema:    schema,
		validator: validator,
		cfg:       cfg,
		logger:    logger.Named("nlq.generate"),
	}
}

var intentHints = map[IntentType]string{
	IntentEntityLookup:      "Match the entity by its name property and return its properties.",
	IntentRelationshipQuery: "Match the relationship pattern between the named entities and return the connected nodes.",
	IntentPathFinding:       "Use a variable-length pattern such as (a)-[*1..4]-(b) with an explicit hop bound.",
	IntentAggregation:       "Aggregate with count(), avg() or sum() and group by the dimension the question asks about.",
	IntentGlobalSummary:     "Summarize the graph, for example MATCH (n) RETURN labels(n) AS label, count(*) AS n ORDER BY n DESC.",
	IntentComparison:        "Match each entity separately and return rows that allow a side-by-side comparison.",
}

// Generate runs up to MaxRetries generate→parse→validate rounds,
// feeding each validation failure into the next prompt.
func (g *CypherGenerator) Generate(ctx context.Context, question string, intent *Intent) *GenerateResult {
	if g.client == nil {
		return &GenerateResult{
			Error: newQueryError(CodeLLMUnavailable, "no language model configured",
				"Configure an LLM provider to enable natural-language queries"),
		}
	}

	schema, err := g.schema.GetSchema(ctx)
	if err != nil {
		return &GenerateResult{
			Error: newQueryError(CodeGeneration,
				fmt.Sprintf("failed to fetch graph schema: %v", err),
				"Check store connectivity"),
		}
	}

	var (
		previousError string
		lastErr       = newQueryError(CodeGeneration, "query generation produced nothing")
	)
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return &GenerateResult{Attempts: attempt - 1,
				Error: newQueryError(CodeGeneration, ctx.Err().Error())}
		}

		prompt := g.buildPrompt(question, intent, schema, previousError)
		raw, err := g.client.Complete(ctx, prompt, &llm.CompleteOptions{MaxTokens: 600})
		if err != nil {
			lastErr = newQueryError(CodeLLMUnavailable,
				fmt.Sprintf("language model call failed: %v", err),
				"Retry later or check the model endpoint")
			g.logger.Warn("Generation call failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		cypher, ok := ExtractCypher(raw)
		if !ok {
			previousError = "the response contained no Cypher query"
			lastErr = newQueryError(CodeParse, "model response contained no Cypher query",
				"Rephrase the question more concretely")
			continue
		}
		cypher = g.ensureLimit(cypher)

		if g.validator != nil {
			if err := g.validator.Validate(ctx, cypher); err != nil {
				previousError = err.Error()
				lastErr = newQueryError(CodeValidation,
					fmt.Sprintf("generated query failed validation: %v", err),
					"Rephrase the question or simplify it")
				g.logger.Debug("Candidate rejected by validation",
					zap.Int("attempt", attempt),
					zap.String("cypher", cypher),
					zap.Error(err))
				continue
			}
		}

		return &GenerateResult{
			Success:  true,
			Query:    &Query{Cypher: cypher, IsValid: true},
			Attempts: attempt,
		}
	}

	return &GenerateResult{Attempts: g.cfg.MaxRetries, Error: lastErr}
}

// buildPrompt renders the deterministic generation prompt. Identical
// inputs yield byte-identical prompts.
func (g *CypherGenerator) buildPrompt(question string, intent *Intent, schema *graph.Schema, previousError string) string {
	var b strings.Builder
	b.WriteString("You are a Cypher query generator for an academic knowledge graph.\n\n")
	b.WriteString("Graph schema:\n")
	b.WriteString(schema.FormatCompact())
	b.WriteString("\nRules:\n")
	b.WriteString("- Use only the node labels and relationship types listed in the schema.\n")
	b.WriteString("- Property names must match the schema exactly.\n")
	b.WriteString("- Inline literal values; never use query parameters.\n")
	b.WriteString("- Escape single quotes inside string literals.\n")
	fmt.Fprintf(&b, "- Always include a LIMIT clause (LIMIT %d unless the question implies another bound).\n", g.cfg.DefaultLimit)
	b.WriteString("- When a named entity does not exist the query must return empty results, not fail.\n")
	b.WriteString("- Answer with a single query inside a ```cypher fenced block.\n")

	if intent != nil {
		fmt.Fprintf(&b, "\nIntent: %s\n", intent.Type)
		if len(intent.Entities) > 0 {
			quoted := make([]string, len(intent.Entities))
			for i, e := range intent.Entities {
				quoted[i] = "'" + EscapeSingleQuotes(e) + "'"
			}
			fmt.Fprintf(&b, "Entities: %s\n", strings.Join(quoted, ", "))
		}
		if hint := intentHints[intent.Type]; hint != "" {
			fmt.Fprintf(&b, "Hint: %s\n", hint)
		}
	}
	if g.cfg.Language != "" && g.cfg.Language != "en" {
		fmt.Fprintf(&b, "Question language: %s (keep property values as written in the question)\n", g.cfg.Language)
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	if previousError != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed: %s\nGenerate a corrected query.\n", previousError)
	}
	return b.String()
}

var (
	fencedBlock   = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")
	cypherKeyword = regexp.MustCompile(`(?i)\b(MATCH|RETURN|CREATE|MERGE|WITH|CALL)\b`)
	matchWord     = regexp.MustCompile(`(?i)\bMATCH\b`)
	limitClause   = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	returnClause  = regexp.MustCompile(`(?i)\bRETURN\b`)
	writeClause   = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|SET|REMOVE)\b`)
)

// ExtractCypher pulls a query out of free-form model output: first any
// fenced block whose body looks like Cypher, then a bare block starting
// at MATCH and ending at the first blank line.
func ExtractCypher(response string) (string, bool) {
	for _, m := range fencedBlock.FindAllStringSubmatch(response, -1) {
		body := strings.TrimSpace(m[1])
		if body != "" && cypherKeyword.MatchString(body) {
			return body, true
		}
	}

	lines := strings.Split(response, "\n")
	start := -1
	for i, line := range lines {
		if matchWord.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	var block []string
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			break
		}
		block = append(block, line)
	}
	candidate := strings.TrimSpace(strings.Join(block, "\n"))
	if candidate == "" || !returnClause.MatchString(candidate) {
		return "", false
	}
	// Trim lead-in prose on the first line ("Query: MATCH ...").
	if idx := matchWord.FindStringIndex(candidate); idx != nil && idx[0] > 0 &&
		!strings.Contains(candidate[:idx[0]], "\n") {
		candidate = candidate[idx[0]:]
	}
	return candidate, true
}

// ensureLimit appends the default LIMIT to reading queries without one.
func (g *CypherGenerator) ensureLimit(cypher string) string {
	if limitClause.MatchString(cypher) {
		return cypher
	}
	if !returnClause.MatchString(cypher) || writeClause.MatchString(cypher) {
		return cypher
	}
	return fmt.Sprintf("%s\nLIMIT %d", strings.TrimRight(cypher, " \t\n;"), g.cfg.DefaultLimit)
}

// EscapeSingleQuotes makes s safe inside a single-quoted Cypher string
// literal.
func EscapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

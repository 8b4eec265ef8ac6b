package nlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/scholar-graph-pipeline/internal/cache"
	"github.com/scholar-graph-pipeline/internal/graph"
	"github.com/scholar-graph-pipeline/internal/jsonx"
	"github.com/scholar-graph-pipeline/internal/llm"
)

// ExecutorConfig tunes query execution.
type ExecutorConfig struct {
	// CacheTTL for query results; zero means 60 s.
	CacheTTL time.Duration
}

// Executor runs validated Cypher against the store with an optional
// result cache in front.
type Executor struct {
	tm     *graph.TransactionManager
	cached *cache.CachedQuery
	cfg    ExecutorConfig
	logger *zap.Logger
}

// NewExecutor creates an executor. cacheMgr may be nil to disable
// result caching.
func NewExecutor(tm *graph.TransactionManager, cacheMgr *cache.Manager, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	e := &Executor{
		tm:     tm,
		cfg:    cfg,
		logger: logger.Named("nlq.execute"),
	}
	if cacheMgr != nil {
		e.cached = cache.NewCachedQuery(cacheMgr, "nlq")
	}
	return e
}

// Validate plans the query without running it.
func (e *Executor) Validate(ctx context.Context, cypher string) error {
	_, err := e.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, "EXPLAIN "+cypher, nil)
	}, nil)
	return err
}

// Execute runs the query and returns its result plus whether it came
// from cache.
func (e *Executor) Execute(ctx context.Context, cypher string) (*graph.Result, bool, error) {
	if e.cached == nil {
		res, err := e.run(ctx, cypher)
		return res, false, err
	}

	sum := blake2b.Sum256([]byte(cypher))
	key := fmt.Sprintf("%x", sum[:16])
	data, hit, err := e.cached.Execute(ctx, key, e.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		res, err := e.run(ctx, cypher)
		if err != nil {
			return nil, err
		}
		return jsonx.Marshal(res)
	})
	if err != nil {
		return nil, false, err
	}
	var res graph.Result
	if err := jsonx.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, hit, nil
}

func (e *Executor) run(ctx context.Context, cypher string) (*graph.Result, error) {
	out, err := e.tm.Read(ctx, func(tx *graph.Tx) (any, error) {
		return tx.Run(ctx, cypher, nil)
	}, nil)
	if err != nil {
		return nil, err
	}
	res, ok := out.(*graph.Result)
	if !ok || res == nil {
		return &graph.Result{}, nil
	}
	return res, nil
}

// Answer is the full outcome of one natural-language question.
type Answer struct {
	Question   string           `json:"question"`
	Intent     *Intent          `json:"intent,omitempty"`
	Cypher     string           `json:"cypher,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	RowCount   int              `json:"row_count"`
	Text       string           `json:"text,omitempty"`
	FromCache  bool             `json:"from_cache"`
	DurationMs int64            `json:"duration_ms"`
	Error      *QueryError      `json:"error,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
}

// StreamEvent is one frame of a streamed answer. Type is "chunk" while
// text arrives, then "done" with the full answer, or "error".
type StreamEvent struct {
	Type    string  `json:"type"`
	Content string  `json:"content,omitempty"`
	Answer  *Answer `json:"answer,omitempty"`
}

// Engine ties classification, generation, execution and synthesis into
// one question-in, answer-out pipeline.
type Engine struct {
	classifier *IntentClassifier
	generator  *CypherGenerator
	executor   *Executor
	client     llm.Client
	logger     *zap.Logger
}

// NewEngine assembles the pipeline. client may be nil, which disables
// the prose synthesis step but keeps structured results working.
func NewEngine(classifier *IntentClassifier, generator *CypherGenerator, executor *Executor, client llm.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		classifier: classifier,
		generator:  generator,
		executor:   executor,
		client:     client,
		logger:     logger.Named("nlq"),
	}
}

// Answer resolves a question end to end. Failures are reported inside
// the answer rather than as a Go error so callers always get the
// attempted Cypher and intent for display.
func (e *Engine) Answer(ctx context.Context, question string) *Answer {
	start := time.Now()
	ans := &Answer{Question: question}

	intent, err := e.classifier.Classify(ctx, question)
	if err != nil {
		ans.Error = newQueryError(CodeParse, err.Error())
		ans.DurationMs = time.Since(start).Milliseconds()
		return ans
	}
	ans.Intent = intent

	gen := e.generator.Generate(ctx, question, intent)
	ans.Attempts = gen.Attempts
	if !gen.Success {
		ans.Error = gen.Error
		ans.DurationMs = time.Since(start).Milliseconds()
		return ans
	}
	ans.Cypher = gen.Query.Cypher

	res, fromCache, err := e.executor.Execute(ctx, ans.Cypher)
	if err != nil {
		ans.Error = newQueryError(CodeExecution,
			fmt.Sprintf("query execution failed: %v", err),
			"Try rephrasing the question")
		ans.DurationMs = time.Since(start).Milliseconds()
		return ans
	}
	ans.Columns = res.Columns
	ans.Rows = res.Records
	ans.RowCount = len(res.Records)
	ans.FromCache = fromCache

	if e.client != nil {
		text, err := e.client.Complete(ctx, e.synthesisPrompt(question, ans),
			&llm.CompleteOptions{MaxTokens: 500})
		if err != nil {
			e.logger.Warn("Answer synthesis failed", zap.Error(err))
		} else {
			ans.Text = strings.TrimSpace(text)
		}
	}

	ans.DurationMs = time.Since(start).Milliseconds()
	e.logger.Info("Question answered",
		zap.String("intent", string(intent.Type)),
		zap.Int("rows", ans.RowCount),
		zap.Bool("from_cache", fromCache),
		zap.Int64("duration_ms", ans.DurationMs))
	return ans
}

// AnswerStream resolves a question and streams the synthesized prose as
// it is generated. The channel closes after a final "done" or "error"
// event; "done" carries the complete answer.
func (e *Engine) AnswerStream(ctx context.Context, question string) <-chan StreamEvent {
	out := make(chan StreamEvent, 8)
	go func() {
		defer close(out)
		start := time.Now()
		ans := &Answer{Question: question}

		// Terminal sends select on ctx so an abandoned consumer cannot
		// strand this goroutine.
		send := func(ev StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		fail := func(qe *QueryError) {
			ans.Error = qe
			ans.DurationMs = time.Since(start).Milliseconds()
			send(StreamEvent{Type: "error", Content: qe.Message, Answer: ans})
		}

		intent, err := e.classifier.Classify(ctx, question)
		if err != nil {
			fail(newQueryError(CodeParse, err.Error()))
			return
		}
		ans.Intent = intent

		gen := e.generator.Generate(ctx, question, intent)
		ans.Attempts = gen.Attempts
		if !gen.Success {
			fail(gen.Error)
			return
		}
		ans.Cypher = gen.Query.Cypher

		res, fromCache, err := e.executor.Execute(ctx, ans.Cypher)
		if err != nil {
			fail(newQueryError(CodeExecution,
				fmt.Sprintf("query execution failed: %v", err),
				"Try rephrasing the question"))
			return
		}
		ans.Columns = res.Columns
		ans.Rows = res.Records
		ans.RowCount = len(res.Records)
		ans.FromCache = fromCache

		if e.client != nil {
			var text strings.Builder
			chunks, err := e.client.ChatStream(ctx, &llm.ChatRequest{
				Messages:  []llm.Message{{Role: "user", Content: e.synthesisPrompt(question, ans)}},
				MaxTokens: 500,
			})
			if err != nil {
				e.logger.Warn("Streamed synthesis failed to start", zap.Error(err))
			} else {
				for chunk := range chunks {
					if chunk.Err != nil {
						e.logger.Warn("Stream interrupted", zap.Error(chunk.Err))
						break
					}
					for _, choice := range chunk.Choices {
						if choice.Delta.Content == "" {
							continue
						}
						text.WriteString(choice.Delta.Content)
						select {
						case out <- StreamEvent{Type: "chunk", Content: choice.Delta.Content}:
						case <-ctx.Done():
							return
						}
					}
				}
				ans.Text = strings.TrimSpace(text.String())
			}
		}

		ans.DurationMs = time.Since(start).Milliseconds()
		send(StreamEvent{Type: "done", Answer: ans})
	}()
	return out
}

// synthesisPrompt asks the model to phrase the result rows as prose.
// Rows beyond the first twenty are summarized by count only.
func (e *Engine) synthesisPrompt(question string, ans *Answer) string {
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)

	b.WriteString("Answer the question using only the query results below. ")
	b.WriteString("Be concise and factual; if the results are empty say that nothing was found.\n\n")
	fmt.Fprintf(b, "Question: %s\n\n", question)
	fmt.Fprintf(b, "Columns: %s\n", strings.Join(ans.Columns, ", "))

	shown := ans.Rows
	const maxRows = 20
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	data, err := jsonx.Marshal(shown)
	if err != nil {
		data = []byte("[]")
	}
	fmt.Fprintf(b, "Rows (%d total): %s\n", ans.RowCount, data)
	if len(ans.Rows) > maxRows {
		fmt.Fprintf(b, "Only the first %d rows are shown.\n", maxRows)
	}
	return b.String()
}

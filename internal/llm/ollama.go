package llm

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const (
	defaultOllamaBaseURL    = "http://localhost:11434"
	defaultOllamaModel      = "llama3.2"
	defaultOllamaEmbedModel = "nomic-embed-text"
	defaultOllamaEmbedDim   = 768
)

type ollamaClient struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

func newOllamaClient(cfg *Config, logger *zap.Logger) *ollamaClient {
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultOllamaBaseURL
	}
	if c.Model == "" {
		c.Model = defaultOllamaModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = defaultOllamaEmbedModel
	}
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = defaultOllamaEmbedDim
	}
	return &ollamaClient{
		cfg:        &c,
		httpClient: newHTTPClient(c.RequestTimeout),
		logger:     logger.Named("llm.ollama"),
	}
}

func (c *ollamaClient) Provider() string  { return ProviderOllama }
func (c *ollamaClient) ModelName() string { return c.cfg.Model }

func (c *ollamaClient) buildChatBody(req *ChatRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   stream,
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return body
}

func (c *ollamaClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body := c.buildChatBody(req, false)
	result, err := makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}
	content, err := extractContent(result)
	if err != nil {
		return nil, err
	}
	model, _ := result["model"].(string)
	tokens := 0
	if evalCount, ok := result["eval_count"].(float64); ok {
		tokens += int(evalCount)
	}
	if promptCount, ok := result["prompt_eval_count"].(float64); ok {
		tokens += int(promptCount)
	}
	return &ChatResponse{
		Content:    StripThinkingTags(content),
		Model:      model,
		TokensUsed: tokens,
		Duration:   time.Since(start),
	}, nil
}

// ChatStream reads Ollama's line-delimited JSON stream. Each line is a
// full object, so the SSE reader does not apply here.
func (c *ollamaClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := c.buildChatBody(req, true)
	resp, err := openStream(ctx, c.httpClient, c.cfg.BaseURL+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-done:
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var part struct {
				Model   string `json:"model"`
				Message struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"message"`
				Done       bool   `json:"done"`
				DoneReason string `json:"done_reason"`
			}
			if err := jsonx.Unmarshal(line, &part); err != nil {
				continue
			}
			chunk := StreamChunk{
				Model: part.Model,
				Choices: []StreamChoice{{
					Delta: Delta{Role: part.Message.Role, Content: part.Message.Content},
				}},
			}
			if part.Done {
				reason := part.DoneReason
				if !terminalFinishReasons[reason] {
					reason = "stop"
				}
				chunk.Choices[0].FinishReason = reason
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if part.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (c *ollamaClient) Complete(ctx context.Context, prompt string, opts *CompleteOptions) (string, error) {
	return complete(ctx, c, prompt, opts)
}

func (c *ollamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"model":  c.cfg.EmbeddingModel,
		"prompt": text,
	}
	result, err := makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/api/embeddings", body, nil)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	raw, ok := result["embedding"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			vec[i] = float32(f)
		}
	}
	normalize(vec)
	return vec, nil
}

func (c *ollamaClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding %d/%d failed: %w", i+1, len(texts), err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (c *ollamaClient) EmbeddingDimension() int { return c.cfg.EmbeddingDimension }

// EnsureModel checks that the embedding model is available locally and
// pulls it when missing.
func (c *ollamaClient) EnsureModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return err
	}
	for _, m := range tags.Models {
		if m.Name == c.cfg.EmbeddingModel || m.Name == c.cfg.EmbeddingModel+":latest" {
			return nil
		}
	}

	c.logger.Info("pulling embedding model", zap.String("model", c.cfg.EmbeddingModel))
	_, err = makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/api/pull",
		map[string]any{"name": c.cfg.EmbeddingModel, "stream": false}, nil)
	if err != nil {
		return fmt.Errorf("failed to pull model %s: %w", c.cfg.EmbeddingModel, err)
	}
	return nil
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm < 1e-9 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

var _ Client = (*ollamaClient)(nil)

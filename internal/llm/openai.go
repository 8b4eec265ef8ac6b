package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const (
	defaultOpenAIBaseURL      = "https://api.openai.com/v1"
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultOpenAIEmbedModel   = "text-embedding-3-small"
	defaultOpenAIEmbedDimSize = 1536
)

type openaiClient struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

func newOpenAIClient(cfg *Config, logger *zap.Logger) *openaiClient {
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenAIBaseURL
	}
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = defaultOpenAIEmbedModel
	}
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = defaultOpenAIEmbedDimSize
	}
	return &openaiClient{
		cfg:        &c,
		httpClient: newHTTPClient(c.RequestTimeout),
		logger:     logger.Named("llm.openai"),
	}
}

func (c *openaiClient) Provider() string  { return ProviderOpenAI }
func (c *openaiClient) ModelName() string { return c.cfg.Model }

func (c *openaiClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func (c *openaiClient) buildChatBody(req *ChatRequest) map[string]any {
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
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	return body
}

func (c *openaiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body := c.buildChatBody(req)
	result, err := makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/chat/completions", body, c.headers())
	if err != nil {
		return nil, err
	}
	content, err := extractContent(result)
	if err != nil {
		return nil, err
	}
	model, _ := result["model"].(string)
	return &ChatResponse{
		Content:    StripThinkingTags(content),
		Model:      model,
		TokensUsed: extractUsage(result),
		Duration:   time.Since(start),
	}, nil
}

func (c *openaiClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := c.buildChatBody(req)
	body["stream"] = true
	resp, err := openStream(ctx, c.httpClient, c.cfg.BaseURL+"/chat/completions", body, c.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go streamSSE(ctx, resp, out, decodeOpenAIChunk)
	return out, nil
}

// decodeOpenAIChunk parses one SSE data payload in the OpenAI
// streaming shape. StreamChunk mirrors it directly.
func decodeOpenAIChunk(data []byte) (*StreamChunk, bool) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return nil, true
	}
	var chunk StreamChunk
	if err := jsonx.Unmarshal(data, &chunk); err != nil {
		return nil, false
	}
	return &chunk, terminalFinishReasons[chunk.FinishReason()]
}

func (c *openaiClient) Complete(ctx context.Context, prompt string, opts *CompleteOptions) (string, error) {
	return complete(ctx, c, prompt, opts)
}

func (c *openaiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return vectors[0], nil
}

func (c *openaiClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"model": c.cfg.EmbeddingModel,
		"input": texts,
	}
	result, err := makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/embeddings", body, c.headers())
	if err != nil {
		return nil, err
	}
	data, ok := result["data"].([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected embedding response shape")
	}
	vectors := make([][]float32, len(texts))
	for _, item := range data {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		idx := 0
		if f, ok := entry["index"].(float64); ok {
			idx = int(f)
		}
		raw, ok := entry["embedding"].([]any)
		if !ok || idx < 0 || idx >= len(vectors) {
			continue
		}
		vec := make([]float32, len(raw))
		for i, v := range raw {
			if f, ok := v.(float64); ok {
				vec[i] = float32(f)
			}
		}
		vectors[idx] = vec
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vectors, nil
}

func (c *openaiClient) EmbeddingDimension() int { return c.cfg.EmbeddingDimension }

var _ Client = (*openaiClient)(nil)

package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	anthropicAPIVersion     = "2023-06-01"
	anthropicMaxTokens      = 4096
)

type anthropicClient struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

func newAnthropicClient(cfg *Config, logger *zap.Logger) *anthropicClient {
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultAnthropicBaseURL
	}
	if c.Model == "" {
		c.Model = defaultAnthropicModel
	}
	return &anthropicClient{
		cfg:        &c,
		httpClient: newHTTPClient(c.RequestTimeout),
		logger:     logger.Named("llm.anthropic"),
	}
}

func (c *anthropicClient) Provider() string  { return ProviderAnthropic }
func (c *anthropicClient) ModelName() string { return c.cfg.Model }

func (c *anthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func (c *anthropicClient) buildChatBody(req *ChatRequest) map[string]any {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	return body
}

func (c *anthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body := c.buildChatBody(req)
	result, err := makeRequest(ctx, c.httpClient, c.cfg.BaseURL+"/messages", body, c.headers())
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

func (c *anthropicClient) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := c.buildChatBody(req)
	body["stream"] = true
	resp, err := openStream(ctx, c.httpClient, c.cfg.BaseURL+"/messages", body, c.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go streamSSE(ctx, resp, out, anthropicStreamDecoder())
	return out, nil
}

// anthropicStreamDecoder translates Anthropic stream events into the
// common chunk shape. Message id and model arrive once in
// message_start, so the decoder carries them across events.
func anthropicStreamDecoder() func([]byte) (*StreamChunk, bool) {
	var id, model string
	return func(data []byte) (*StreamChunk, bool) {
		var event struct {
			Type    string `json:"type"`
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
			} `json:"message"`
			Delta struct {
				Type       string `json:"type"`
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		if err := jsonx.Unmarshal(data, &event); err != nil {
			return nil, false
		}
		switch event.Type {
		case "message_start":
			id = event.Message.ID
			model = event.Message.Model
			return &StreamChunk{
				ID:      id,
				Model:   model,
				Choices: []StreamChoice{{Delta: Delta{Role: "assistant"}}},
			}, false
		case "content_block_delta":
			if event.Delta.Text == "" {
				return nil, false
			}
			return &StreamChunk{
				ID:      id,
				Model:   model,
				Choices: []StreamChoice{{Delta: Delta{Content: event.Delta.Text}}},
			}, false
		case "message_delta":
			reason := mapAnthropicStopReason(event.Delta.StopReason)
			if reason == "" {
				return nil, false
			}
			return &StreamChunk{
				ID:      id,
				Model:   model,
				Choices: []StreamChoice{{FinishReason: reason}},
			}, true
		case "message_stop":
			return nil, true
		case "error":
			return &StreamChunk{
				ID:      id,
				Model:   model,
				Choices: []StreamChoice{{FinishReason: "error"}},
			}, true
		}
		return nil, false
	}
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return "stop"
	}
}

func (c *anthropicClient) Complete(ctx context.Context, prompt string, opts *CompleteOptions) (string, error) {
	return complete(ctx, c, prompt, opts)
}

// Anthropic has no embeddings endpoint. Deployments that select it for
// chat pair it with Ollama for vectors.
func (c *anthropicClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("provider %s does not support embeddings", ProviderAnthropic)
}

func (c *anthropicClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("provider %s does not support embeddings", ProviderAnthropic)
}

func (c *anthropicClient) EmbeddingDimension() int { return 0 }

var _ Client = (*anthropicClient)(nil)

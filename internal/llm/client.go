// Package llm provides chat, completion, and embedding clients for
// OpenAI, Anthropic, and local Ollama models behind one interface.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Client is a model client. Implementations are provider-specific but
// expose the same chat, completion, and embedding surface.
type Client interface {
	Provider() string
	ModelName() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Complete(ctx context.Context, prompt string, opts *CompleteOptions) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingDimension() int
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-independent chat call.
type ChatRequest struct {
	Messages    []Message
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the assembled model reply.
type ChatResponse struct {
	Content    string
	Model      string
	TokensUsed int
	Duration   time.Duration
}

// CompleteOptions tunes single-prompt completions.
type CompleteOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
	// Timeout bounds the call; zero means 30 s.
	Timeout time.Duration
}

const defaultCompleteTimeout = 30 * time.Second

// Delta is the incremental content of a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice inside a stream chunk.
type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one streamed fragment. Err is set on transport
// failures, after which the channel closes.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Err     error          `json:"-"`
}

// terminalFinishReasons end a stream.
var terminalFinishReasons = map[string]bool{
	"stop":       true,
	"length":     true,
	"tool_calls": true,
	"error":      true,
}

// FinishReason returns the first non-empty finish reason in the chunk.
func (c *StreamChunk) FinishReason() string {
	for _, choice := range c.Choices {
		if choice.FinishReason != "" {
			return choice.FinishReason
		}
	}
	return ""
}

// Config configures a model client.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint, mainly for tests and
	// self-hosted gateways.
	BaseURL            string
	EmbeddingModel     string
	EmbeddingDimension int
	RequestTimeout     time.Duration
}

// DefaultConfig reads provider selection and credentials from the
// environment. Ollama is the fallback when no API key is set.
func DefaultConfig() *Config {
	cfg := &Config{
		Provider:       strings.TrimSpace(os.Getenv("LLM_PROVIDER")),
		Model:          strings.TrimSpace(os.Getenv("LLM_MODEL")),
		RequestTimeout: 180 * time.Second,
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOllama:
		cfg.BaseURL = getEnvOrDefault("OLLAMA_URL", "http://localhost:11434")
	case "":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Provider = ProviderOpenAI
			cfg.APIKey = key
		} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.Provider = ProviderAnthropic
			cfg.APIKey = key
		} else {
			cfg.Provider = ProviderOllama
			cfg.BaseURL = getEnvOrDefault("OLLAMA_URL", "http://localhost:11434")
		}
	}
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// NewFromConfig builds the provider-specific client.
func NewFromConfig(cfg *Config, logger *zap.Logger) (Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg, logger), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg, logger), nil
	case ProviderOllama:
		return newOllamaClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// makeRequest posts a JSON body and decodes the JSON reply.
func makeRequest(ctx context.Context, client *http.Client, url string, body map[string]any, headers map[string]string) (map[string]any, error) {
	jsonBody, err := jsonx.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result map[string]any
	if err := jsonx.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

// extractContent pulls the text out of a chat response in any of the
// supported provider shapes.
func extractContent(result map[string]any) (string, error) {
	// OpenAI-compatible shape.
	if choices, ok := result["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}
	// Anthropic shape.
	if content, ok := result["content"].([]any); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]any); ok {
			if text, ok := block["text"].(string); ok {
				return text, nil
			}
		}
	}
	// Ollama shape.
	if message, ok := result["message"].(map[string]any); ok {
		if content, ok := message["content"].(string); ok {
			return content, nil
		}
	}
	if content, ok := result["content"].(string); ok {
		return content, nil
	}
	return "", fmt.Errorf("could not extract content from response")
}

// extractUsage pulls token counts where the provider reports them.
func extractUsage(result map[string]any) int {
	usage, ok := result["usage"].(map[string]any)
	if !ok {
		return 0
	}
	if total, ok := usage["total_tokens"].(float64); ok {
		return int(total)
	}
	in, _ := usage["input_tokens"].(float64)
	out, _ := usage["output_tokens"].(float64)
	return int(in + out)
}

// complete is the shared Complete implementation: one user message,
// bounded by the option timeout.
func complete(ctx context.Context, c Client, prompt string, opts *CompleteOptions) (string, error) {
	if opts == nil {
		opts = &CompleteOptions{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultCompleteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.Chat(ctx, &ChatRequest{
		Messages:    []Message{{Role: "user", Content: prompt}},
		System:      opts.System,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

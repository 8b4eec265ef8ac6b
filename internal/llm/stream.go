package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

// openStream issues a streaming POST and returns the live response.
// The reader goroutine owns and closes the body.
func openStream(ctx context.Context, client *http.Client, url string, body map[string]any, headers map[string]string) (*http.Response, error) {
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
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(buf[:n])))
	}
	return resp, nil
}

// streamSSE reads server-sent events from resp and forwards decoded
// chunks until a terminal finish reason, stream end, or context
// cancellation. It closes both the response body and out.
func streamSSE(ctx context.Context, resp *http.Response, out chan<- StreamChunk, decode func([]byte) (*StreamChunk, bool)) {
	defer close(out)
	defer resp.Body.Close()

	// Cancellation unblocks the scanner by closing the body.
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
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		chunk, last := decode(data)
		if chunk != nil {
			select {
			case out <- *chunk:
			case <-ctx.Done():
				return
			}
		}
		if last {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case out <- StreamChunk{Err: err}:
		case <-ctx.Done():
		}
	}
}

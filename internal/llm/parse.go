package llm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

var thinkingTagRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// StripThinkingTags removes reasoning blocks that some models emit
// before their answer.
func StripThinkingTags(text string) string {
	return strings.TrimSpace(thinkingTagRe.ReplaceAllString(text, ""))
}

// ParseJSONFromResponse extracts the first JSON object or array from
// model output, tolerating markdown fences and surrounding prose.
func ParseJSONFromResponse(response string) (map[string]any, error) {
	cleaned := StripThinkingTags(response)
	cleaned = stripCodeFences(cleaned)

	start := strings.IndexAny(cleaned, "{[")
	if start == -1 {
		return nil, fmt.Errorf("no JSON found in response")
	}

	opener := cleaned[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}

	// Trim trailing junk by retrying from the last closer inward.
	for end := len(cleaned); end > start; end-- {
		if cleaned[end-1] != closer {
			continue
		}
		candidate := cleaned[start:end]
		if opener == '[' {
			var arr []any
			if err := jsonx.Unmarshal([]byte(candidate), &arr); err == nil {
				return map[string]any{"items": arr}, nil
			}
			continue
		}
		var obj map[string]any
		if err := jsonx.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("failed to parse JSON from response")
}

// ParseJSONInto extracts the first JSON object from model output and
// decodes it into out.
func ParseJSONInto(response string, out any) error {
	cleaned := StripThinkingTags(response)
	cleaned = stripCodeFences(cleaned)

	start := strings.IndexAny(cleaned, "{[")
	if start == -1 {
		return fmt.Errorf("no JSON found in response")
	}

	opener := cleaned[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}
	for end := len(cleaned); end > start; end-- {
		if cleaned[end-1] != closer {
			continue
		}
		if err := jsonx.Unmarshal([]byte(cleaned[start:end]), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to parse JSON from response")
}

func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, "```"); idx != -1 {
		rest := trimmed[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			// Skip the language hint on the fence line.
			firstLine := strings.TrimSpace(rest[:nl])
			if len(firstLine) <= 10 && !strings.ContainsAny(firstLine, "{}[]") {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return trimmed
}

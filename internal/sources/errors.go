package sources

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned by the open-access client while its
// circuit breaker is open; callers skip enrichment instead of waiting.
var ErrCircuitOpen = errors.New("sources: open-access circuit is open")

// SourceError is a typed failure from an upstream API. Retryable is set
// for rate limiting (429) and server-side (5xx) responses.
type SourceError struct {
	Source     string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Source, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// newStatusError classifies an HTTP status into a SourceError.
func newStatusError(source string, status int, msg string) *SourceError {
	return &SourceError{
		Source:     source,
		StatusCode: status,
		Message:    msg,
		Retryable:  status == 429 || status >= 500,
	}
}

// IsRetryable reports whether err is a transient upstream failure worth
// retrying. Network-level errors (no status) are treated as retryable.
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable || se.StatusCode == 0
	}
	return false
}

package nlq

// Closed error codes surfaced by the query engine.
const (
	CodeParse          = "E-NLQ-001"
	CodeGeneration     = "E-NLQ-002"
	CodeValidation     = "E-NLQ-003"
	CodeExecution      = "E-NLQ-004"
	CodeLLMUnavailable = "E-NLQ-005"
)

// QueryError is the structured failure returned to callers. Code is
// always one of the E-NLQ constants.
type QueryError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *QueryError) Error() string {
	return e.Code + ": " + e.Message
}

func newQueryError(code, message string, suggestions ...string) *QueryError {
	return &QueryError{Code: code, Message: message, Suggestions: suggestions}
}

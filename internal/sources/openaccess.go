package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
	"github.com/scholar-graph-pipeline/internal/ratelimit"
)

// OpenAccessConfig configures the Unpaywall client. Email is required
// by the Unpaywall terms and passed on every request.
type OpenAccessConfig struct {
	BaseURL string
	Email   string
	Timeout time.Duration

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetAfter is how long the circuit stays open before one trial
	// call is allowed through.
	ResetAfter time.Duration
}

// DefaultOpenAccessConfig opens the circuit after 5 consecutive
// failures and retries after 30 seconds.
func DefaultOpenAccessConfig(email string) OpenAccessConfig {
	return OpenAccessConfig{
		BaseURL:          "https://api.unpaywall.org/v2",
		Email:            email,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		ResetAfter:       30 * time.Second,
	}
}

// OpenAccessResult is the subset of an Unpaywall record the pipeline
// consumes.
type OpenAccessResult struct {
	DOI    string `json:"doi"`
	IsOA   bool   `json:"is_oa"`
	PDFURL string `json:"pdf_url,omitempty"`
}

// OpenAccessClient looks up open-access PDF locations by DOI. Calls are
// gated by the shared rate limiter and protected by a circuit breaker
// so a flaky upstream cannot stall the ingestion pipeline.
type OpenAccessClient struct {
	cfg        OpenAccessConfig
	httpClient *http.Client
	limiter    ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewOpenAccessClient creates an Unpaywall client.
func NewOpenAccessClient(cfg OpenAccessConfig, limiter ratelimit.Limiter, logger *zap.Logger) (*OpenAccessClient, error) {
	if cfg.Email == "" {
		return nil, errors.New("sources: open-access client requires a contact email")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOpenAccessConfig(cfg.Email)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = def.ResetAfter
	}

	c := &OpenAccessClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "unpaywall",
		MaxRequests: 1,
		Timeout:     cfg.ResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("open-access circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// IsAvailable reports whether calls would be attempted right now.
func (c *OpenAccessClient) IsAvailable() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// GetByDOI fetches the open-access record for a DOI. A 404 means the
// DOI has no record and yields (nil, nil). While the circuit is open
// the call fails fast with ErrCircuitOpen.
func (c *OpenAccessClient) GetByDOI(ctx context.Context, doi string) (*OpenAccessResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, doi)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	// A typed nil comes back as a non-nil interface; unwrap it.
	result, ok := out.(*OpenAccessResult)
	if !ok || result == nil {
		return nil, nil
	}
	return result, nil
}

func (c *OpenAccessClient) fetch(ctx context.Context, doi string) (*OpenAccessResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("open-access rate limit: %w", err)
		}
	}

	endpoint := fmt.Sprintf("%s/%s?email=%s", c.cfg.BaseURL, url.PathEscape(doi), url.QueryEscape(c.cfg.Email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("open-access request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SourceError{Source: "unpaywall", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceError{Source: "unpaywall", Message: err.Error(), Retryable: true}
	}

	// No record is a neutral outcome, not a breaker-counted failure.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError("unpaywall", resp.StatusCode, truncate(string(body), 200))
	}

	var raw struct {
		DOI            string `json:"doi"`
		IsOA           bool   `json:"is_oa"`
		BestOALocation *struct {
			URLForPDF string `json:"url_for_pdf"`
		} `json:"best_oa_location"`
		OALocations []struct {
			URLForPDF string `json:"url_for_pdf"`
		} `json:"oa_locations"`
	}
	if err := jsonx.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("open-access parse: %w", err)
	}

	result := &OpenAccessResult{DOI: raw.DOI, IsOA: raw.IsOA}
	if raw.BestOALocation != nil && raw.BestOALocation.URLForPDF != "" {
		result.PDFURL = raw.BestOALocation.URLForPDF
	} else {
		for _, loc := range raw.OALocations {
			if loc.URLForPDF != "" {
				result.PDFURL = loc.URLForPDF
				break
			}
		}
	}
	return result, nil
}

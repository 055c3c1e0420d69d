package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scrollward/scrollward/internal/logging"
)

// OracleConfig configures the HTTP sentiment oracle.
type OracleConfig struct {
	// BaseURL is the backend root (the sentiment endpoint is unauthenticated
	// and lives outside the /api prefix).
	BaseURL string

	Timeout time.Duration
}

// DefaultOracleConfig matches the local development backend.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		BaseURL: "http://127.0.0.1:5000",
		Timeout: 10 * time.Second,
	}
}

// HTTPOracle asks the backend's sentiment endpoint for a negativity score.
type HTTPOracle struct {
	cfg    OracleConfig
	client *http.Client
	logger logging.Logger
}

// NewHTTPOracle returns an HTTPOracle. httpClient may be nil.
func NewHTTPOracle(cfg OracleConfig, logger logging.Logger, httpClient *http.Client) *HTTPOracle {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOracleConfig().BaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultOracleConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPOracle{
		cfg:    cfg,
		client: httpClient,
		logger: logger.With(logging.Field{Key: "component", Value: "sentiment"}),
	}
}

// Negativity implements SentimentOracle over POST /analyze_sentiment.
func (o *HTTPOracle) Negativity(ctx context.Context, text string) (float64, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, fmt.Errorf("encode sentiment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/analyze_sentiment", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create sentiment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sentiment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("sentiment request: status %d", resp.StatusCode)
	}

	var out struct {
		NegativityScore float64 `json:"negativity_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode sentiment response: %w", err)
	}
	return out.NegativityScore, nil
}

package darkpattern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scrollward/scrollward/internal/logging"
)

// ElementContext rides along with each escalated element.
type ElementContext struct {
	PageType    string `json:"page_type"`
	ElementRole string `json:"element_role"`
	UserAction  string `json:"user_action"`
}

// ElementPayload is one candidate prepared for the remote classifier.
type ElementPayload struct {
	Text           string         `json:"text"`
	HTML           string         `json:"html"`
	Selector       string         `json:"selector"`
	Pattern        string         `json:"pattern"`
	SuspicionScore float64        `json:"suspicion_score"`
	Role           string         `json:"role"`
	Context        ElementContext `json:"context"`
}

// Screenshot is an optional capture of a known modal/checkout region.
type Screenshot struct {
	Image         []byte `json:"image,omitempty"`
	Label         string `json:"label"`
	HTMLStructure string `json:"html_structure,omitempty"`
}

// FlowEvent is one recorded user interaction preceding the scan.
type FlowEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	URL       string            `json:"url"`
}

// PageContext summarizes the page under scan.
type PageContext struct {
	URL        string `json:"url"`
	PageType   string `json:"page_type"`
	UserIntent string `json:"user_intent"`
	Title      string `json:"title"`
}

// AnalyzeRequest is the classifier request bundle.
type AnalyzeRequest struct {
	Elements    []ElementPayload `json:"elements"`
	Screenshots []Screenshot     `json:"screenshots"`
	FlowData    []FlowEvent      `json:"flow_data"`
	Context     PageContext      `json:"context"`
}

// ClassifierResult is the verdict on one escalated element, index-aligned
// with the request's elements.
type ClassifierResult struct {
	DarkPatternDetected bool    `json:"dark_pattern_detected"`
	PatternType         string  `json:"pattern_type"`
	ConfidenceScore     float64 `json:"confidence_score"`
	Severity            string  `json:"severity"`
	Explanation         string  `json:"explanation"`
}

// Aggregated carries site-level rollups from the classifier.
type Aggregated struct {
	TotalPatternsFound int            `json:"total_patterns_found"`
	PatternTypes       map[string]int `json:"pattern_types"`
}

// AnalyzeResponse is the classifier's answer.
type AnalyzeResponse struct {
	Success    bool               `json:"success"`
	Results    []ClassifierResult `json:"results"`
	SiteScore  float64            `json:"site_score"`
	Aggregated Aggregated         `json:"aggregated"`
}

// Classifier is the remote dark-pattern oracle, treated as a black box.
type Classifier interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error)
}

// ClassifierConfig configures the HTTP classifier.
type ClassifierConfig struct {
	// BaseURL is the backend root; the analyze endpoint is unauthenticated.
	BaseURL string

	Timeout time.Duration
}

// DefaultClassifierConfig matches the local development backend.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		BaseURL: "http://127.0.0.1:5000",
		Timeout: 30 * time.Second,
	}
}

// HTTPClassifier escalates candidate bundles to the backend analyzer.
type HTTPClassifier struct {
	cfg    ClassifierConfig
	client *http.Client
	logger logging.Logger
}

// NewHTTPClassifier returns an HTTPClassifier. httpClient may be nil.
func NewHTTPClassifier(cfg ClassifierConfig, logger logging.Logger, httpClient *http.Client) *HTTPClassifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClassifierConfig().BaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultClassifierConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClassifier{
		cfg:    cfg,
		client: httpClient,
		logger: logger.With(logging.Field{Key: "component", Value: "classifier"}),
	}
}

// Analyze implements Classifier over POST /api/analyze/dark-patterns.
func (c *HTTPClassifier) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/analyze/dark-patterns", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("analyze request: status %d", resp.StatusCode)
	}

	var out AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	return &out, nil
}

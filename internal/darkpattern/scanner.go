package darkpattern

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/storage"
	"github.com/scrollward/scrollward/internal/utils"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Capturer optionally grabs a screenshot of one element on the live page.
// The scan pipeline is fully functional with a nil Capturer.
type Capturer interface {
	Capture(ctx context.Context, pageURL, selector string) ([]byte, error)
}

// Reporter sends confirmed findings to the backend. Implemented by the
// gateway.
type Reporter interface {
	IsAuthenticated(ctx context.Context) bool
	LogDetection(ctx context.Context, d gateway.DetectionLog) gateway.Result
}

// screenshotSelectors are the known modal/checkout regions worth capturing.
var screenshotSelectors = []string{
	".checkout-form",
	".subscription-modal",
	".cookie-banner",
	".pricing-table",
	`[class*="modal"]`,
	`[class*="popup"]`,
}

// Config controls scan cadence and escalation.
type Config struct {
	// Debounce is the minimum interval between scans of the same scanner.
	Debounce time.Duration

	// ConfidenceThreshold gates which classifier results surface.
	ConfidenceThreshold float64

	// MutationThreshold is the minimum fraction of the DOM that must have
	// changed since the last scan of a URL to re-trigger within a session.
	MutationThreshold float64

	// MaxFlowEvents bounds the recorded user-flow ring.
	MaxFlowEvents int
}

// DefaultConfig matches the reference scan cadence.
func DefaultConfig() Config {
	return Config{
		Debounce:            5 * time.Second,
		ConfidenceThreshold: 0.6,
		MutationThreshold:   0.05,
		MaxFlowEvents:       20,
	}
}

// Scanner runs the two-phase dark-pattern pipeline for pages it is handed.
// It is independent of the session/doomscore pipeline and reports through
// the same gateway.
type Scanner struct {
	cfg        Config
	classifier Classifier
	capturer   Capturer
	store      *storage.Store
	reporter   Reporter
	logger     logging.Logger

	mu           sync.Mutex
	lastAnalysis time.Time
	lastDOM      map[string]string
	flow         []FlowEvent

	now func() time.Time
}

// NewScanner wires the scanner. classifier and capturer may both be nil:
// the local heuristic pass then stands alone.
func NewScanner(cfg Config, classifier Classifier, capturer Capturer, store *storage.Store, reporter Reporter, logger logging.Logger) *Scanner {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MutationThreshold <= 0 {
		cfg.MutationThreshold = def.MutationThreshold
	}
	if cfg.MaxFlowEvents <= 0 {
		cfg.MaxFlowEvents = def.MaxFlowEvents
	}
	return &Scanner{
		cfg:        cfg,
		classifier: classifier,
		capturer:   capturer,
		store:      store,
		reporter:   reporter,
		logger:     logger.With(logging.Field{Key: "component", Value: "darkpattern"}),
		lastDOM:    make(map[string]string),
		now:        time.Now,
	}
}

// RecordFlow appends one user interaction to the bounded flow ring sent with
// escalations.
func (s *Scanner) RecordFlow(action string, details map[string]string, pageURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = append(s.flow, FlowEvent{
		Timestamp: s.now(),
		Action:    action,
		Details:   details,
		URL:       pageURL,
	})
	if len(s.flow) > s.cfg.MaxFlowEvents {
		s.flow = s.flow[len(s.flow)-s.cfg.MaxFlowEvents:]
	}
}

// Scan runs the pipeline over one page's HTML. Scans are debounced and, for
// a URL seen before, skipped unless the DOM changed significantly since the
// previous pass. Returned findings have already been persisted and reported.
func (s *Scanner) Scan(ctx context.Context, pageURL string, html []byte) ([]model.Finding, error) {
	s.mu.Lock()
	if s.now().Sub(s.lastAnalysis) < s.cfg.Debounce {
		s.mu.Unlock()
		return nil, nil
	}
	prevDOM, seen := s.lastDOM[pageURL]
	s.mu.Unlock()

	if seen && !significantChange(prevDOM, string(html), s.cfg.MutationThreshold) {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	s.mu.Lock()
	s.lastAnalysis = s.now()
	s.lastDOM[pageURL] = string(html)
	flow := append([]FlowEvent(nil), s.flow...)
	s.mu.Unlock()

	candidates := QuickScan(doc)
	if len(candidates) == 0 {
		return nil, nil
	}
	s.logger.Debug("local pass found candidates",
		logging.Field{Key: "url", Value: pageURL},
		logging.Field{Key: "count", Value: len(candidates)})

	domain, err := utils.Domain(pageURL)
	if err != nil {
		domain = pageURL
	}
	pageType := ClassifyPage(pageURL, doc)

	var findings []model.Finding
	if s.classifier != nil {
		findings, err = s.escalate(ctx, pageURL, domain, pageType, doc, candidates, flow)
		if err != nil {
			s.logger.Warn("classifier unavailable, falling back to local findings",
				logging.Field{Key: "error", Value: err.Error()})
			findings = s.localFindings(domain, pageURL, candidates)
		}
	} else {
		findings = s.localFindings(domain, pageURL, candidates)
	}

	for _, f := range findings {
		if err := s.store.AppendFinding(ctx, f); err != nil {
			s.logger.Warn("persisting finding failed", logging.Field{Key: "error", Value: err.Error()})
		}
		s.report(ctx, f)
	}
	return findings, nil
}

// escalate bundles candidates plus page context (and screenshots, when a
// capturer is wired) for the remote classifier.
func (s *Scanner) escalate(ctx context.Context, pageURL, domain string, pageType PageType, doc *goquery.Document, candidates []Candidate, flow []FlowEvent) ([]model.Finding, error) {
	req := AnalyzeRequest{
		FlowData: flow,
		Context: PageContext{
			URL:        pageURL,
			PageType:   string(pageType),
			UserIntent: InferIntent(pageType),
			Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		},
	}
	for _, c := range candidates {
		req.Elements = append(req.Elements, ElementPayload{
			Text:           c.Text,
			HTML:           c.HTML,
			Selector:       c.Selector,
			Pattern:        c.Pattern,
			SuspicionScore: c.SuspicionScore,
			Role:           c.Role,
			Context: ElementContext{
				PageType:    string(pageType),
				ElementRole: c.Pattern,
				UserAction:  "viewing",
			},
		})
	}
	req.Screenshots = s.captureRegions(ctx, pageURL, doc)

	resp, err := s.classifier.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("classifier reported failure")
	}

	var findings []model.Finding
	for i, result := range resp.Results {
		if i >= len(candidates) {
			break
		}
		if !result.DarkPatternDetected || result.ConfidenceScore <= s.cfg.ConfidenceThreshold {
			continue
		}
		findings = append(findings, model.Finding{
			ID:          uuid.New().String(),
			PatternType: result.PatternType,
			Confidence:  result.ConfidenceScore,
			Severity:    result.Severity,
			Domain:      domain,
			URL:         pageURL,
			Timestamp:   s.now(),
			Elements:    []string{candidates[i].Selector},
		})
	}
	return findings, nil
}

// localFindings surfaces the heuristic candidates directly when escalation
// is unavailable.
func (s *Scanner) localFindings(domain, pageURL string, candidates []Candidate) []model.Finding {
	var findings []model.Finding
	for _, c := range candidates {
		findings = append(findings, model.Finding{
			ID:          uuid.New().String(),
			PatternType: c.Pattern,
			Confidence:  c.SuspicionScore,
			Severity:    "medium",
			Domain:      domain,
			URL:         pageURL,
			Timestamp:   s.now(),
			Elements:    []string{c.Selector},
		})
	}
	return findings
}

// captureRegions grabs screenshots of known modal/checkout regions present
// in the document. Entirely skipped without a capturer.
func (s *Scanner) captureRegions(ctx context.Context, pageURL string, doc *goquery.Document) []Screenshot {
	if s.capturer == nil {
		return nil
	}
	var shots []Screenshot
	for _, selector := range screenshotSelectors {
		region := doc.Find(selector).First()
		if region.Length() == 0 {
			continue
		}
		image, err := s.capturer.Capture(ctx, pageURL, selector)
		if err != nil {
			s.logger.Debug("screenshot capture failed",
				logging.Field{Key: "selector", Value: selector},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		structure, err := goquery.OuterHtml(region)
		if err != nil {
			structure = ""
		}
		if len(structure) > 300 {
			structure = structure[:300]
		}
		shots = append(shots, Screenshot{
			Image:         image,
			Label:         selector,
			HTMLStructure: structure,
		})
	}
	return shots
}

func (s *Scanner) report(ctx context.Context, f model.Finding) {
	if s.reporter == nil || !s.reporter.IsAuthenticated(ctx) {
		return
	}
	res := s.reporter.LogDetection(ctx, gateway.DetectionLog{
		URL:             f.URL,
		PatternType:     f.PatternType,
		ConfidenceScore: f.Confidence,
		PageElements:    f.Elements,
	})
	if !res.Success && !res.Queued {
		s.logger.Warn("detection report failed",
			logging.Field{Key: "pattern", Value: f.PatternType})
	}
}

// significantChange reports whether the fraction of changed characters
// between two DOM snapshots exceeds threshold.
func significantChange(prev, cur string, threshold float64) bool {
	if prev == cur {
		return false
	}
	longest := len(prev)
	if len(cur) > longest {
		longest = len(cur)
	}
	if longest == 0 {
		return false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, cur, false)
	changed := 0
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			changed += len(d.Text)
		}
	}
	return float64(changed)/float64(longest) >= threshold
}

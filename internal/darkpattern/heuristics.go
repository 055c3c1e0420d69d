// Package darkpattern scans page DOM for manipulative UI. A cheap local
// heuristic pass produces candidates; a debounced remote classifier
// optionally confirms them, with graceful fallback to local-only findings.
package darkpattern

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Pattern identifiers produced by the local pass.
const (
	PatternConfirmShaming = "confirm_shaming"
	PatternFalseUrgency   = "false_urgency"
	PatternSneakyOptIn    = "sneaky_opt_in"
)

// Candidate is one locally suspicious element, pre-escalation.
type Candidate struct {
	Selector       string  `json:"selector"`
	Text           string  `json:"text"`
	HTML           string  `json:"html"`
	Pattern        string  `json:"pattern"`
	SuspicionScore float64 `json:"suspicion_score"`
	Role           string  `json:"role"`
}

var confirmShamingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)no,?\s+(i\s+)?don'?t\s+want`),
	regexp.MustCompile(`(?i)no\s+thanks,?\s+i\s+prefer`),
	regexp.MustCompile(`(?i)i\s+hate\s+(saving|money|discounts)`),
}

var urgencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)only\s+\d+\s+left`),
	regexp.MustCompile(`(?i)\d+\s+people\s+viewing`),
	regexp.MustCompile(`(?i)hurry`),
	regexp.MustCompile(`(?i)limited\s+time`),
	regexp.MustCompile(`(?i)expires\s+soon`),
}

var optInLabelPattern = regexp.MustCompile(`(?i)newsletter|marketing|third.party|partners`)

const maxCandidateHTML = 500

// QuickScan runs the local heuristic pass over a parsed document: confirm
// shaming on interactive elements, false urgency on short text nodes and
// pre-checked marketing opt-ins.
func QuickScan(doc *goquery.Document) []Candidate {
	var suspicious []Candidate

	doc.Find(`button, a[role="button"], input[type="button"]`).Each(func(_ int, el *goquery.Selection) {
		text := strings.TrimSpace(el.Text())
		if text == "" {
			text = strings.TrimSpace(el.AttrOr("value", ""))
		}
		for _, pattern := range confirmShamingPatterns {
			if pattern.MatchString(text) {
				suspicious = append(suspicious, newCandidate(el, text, PatternConfirmShaming, 0.8))
				break
			}
		}
	})

	doc.Find("p, span, div").Each(func(_ int, el *goquery.Selection) {
		// Only leaf-ish short text blocks; long containers match everything.
		text := strings.TrimSpace(el.Text())
		if len(text) <= 10 || len(text) >= 200 {
			return
		}
		for _, pattern := range urgencyPatterns {
			if pattern.MatchString(text) {
				suspicious = append(suspicious, newCandidate(el, text, PatternFalseUrgency, 0.7))
				break
			}
		}
	})

	doc.Find(`input[type="checkbox"][checked]`).Each(func(_ int, el *goquery.Selection) {
		label := associatedLabel(doc, el)
		if label != "" && optInLabelPattern.MatchString(label) {
			suspicious = append(suspicious, newCandidate(el, label, PatternSneakyOptIn, 0.9))
		}
	})

	return suspicious
}

func newCandidate(el *goquery.Selection, text, pattern string, score float64) Candidate {
	html, err := goquery.OuterHtml(el)
	if err != nil {
		html = ""
	}
	if len(html) > maxCandidateHTML {
		html = html[:maxCandidateHTML]
	}
	role := el.AttrOr("role", "")
	if role == "" {
		role = goquery.NodeName(el)
	}
	return Candidate{
		Selector:       selectorFor(el),
		Text:           text,
		HTML:           html,
		Pattern:        pattern,
		SuspicionScore: score,
		Role:           role,
	}
}

// selectorFor builds a best-effort CSS selector for an element: its id when
// present, otherwise tag plus up to two class names.
func selectorFor(el *goquery.Selection) string {
	if id := el.AttrOr("id", ""); id != "" {
		return "#" + id
	}
	tag := goquery.NodeName(el)
	if class := el.AttrOr("class", ""); class != "" {
		var classes []string
		for _, c := range strings.Fields(class) {
			classes = append(classes, c)
			if len(classes) == 2 {
				break
			}
		}
		if len(classes) > 0 {
			return tag + "." + strings.Join(classes, ".")
		}
	}
	return tag
}

// associatedLabel resolves the label text for an input: label[for=id] first,
// then a label ancestor.
func associatedLabel(doc *goquery.Document, input *goquery.Selection) string {
	if id := input.AttrOr("id", ""); id != "" {
		label := doc.Find(`label[for="` + id + `"]`)
		if label.Length() > 0 {
			return strings.TrimSpace(label.Text())
		}
	}
	parent := input.Closest("label")
	if parent.Length() > 0 {
		return strings.TrimSpace(parent.Text())
	}
	return ""
}

// Package model holds the shared data types exchanged between the session
// tracker, the scoring engine, the gateway and the durable store.
package model

import "time"

// ScrollEvent is one sampled scroll observation from a page context.
// Position is in page scroll units (CSS pixels), Velocity in units per
// millisecond, Depth in [0,1] relative to the scrollable height.
type ScrollEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Position  float64   `json:"position"`
	Velocity  float64   `json:"velocity"`
	Depth     float64   `json:"depth"`
}

// SessionRecord is the compact persisted form of a closed session.
// Raw scroll events and content samples are discarded on close; only this
// record enters the bounded history.
type SessionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Domain    string        `json:"domain"`
	Duration  time.Duration `json:"duration"`
	Doomscore int           `json:"doomscore"`
}

// InterventionRecord is one entry of the bounded intervention log.
type InterventionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     int       `json:"level"`
	Domain    string    `json:"domain"`
	Accepted  bool      `json:"accepted"`
}

// Finding is a confirmed dark-pattern detection, either escalated through the
// remote classifier or surfaced from the local heuristic pass.
type Finding struct {
	ID          string    `json:"id"`
	PatternType string    `json:"pattern_type"`
	Confidence  float64   `json:"confidence"`
	Severity    string    `json:"severity"`
	Domain      string    `json:"domain"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	Elements    []string  `json:"elements,omitempty"`
}

// QueuedRequest is the unit of the persistent outbound queue.
type QueuedRequest struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Endpoint  string    `json:"endpoint"`
	Body      []byte    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CategorySetting is the per-category slice of user settings.
type CategorySetting struct {
	TimeLimitMinutes int    `json:"time_limit" yaml:"time_limit"`
	Sensitivity      string `json:"sensitivity" yaml:"sensitivity"`
}

// Settings is the locally persisted user configuration. It is written by the
// options surface (out of scope) and by the backend settings sync.
type Settings struct {
	Categories              map[string]CategorySetting `json:"categories"`
	CalmSites               []string                   `json:"calm_sites"`
	InterventionSensitivity string                     `json:"intervention_sensitivity"`
	DarkPatternSensitivity  string                     `json:"dark_pattern_sensitivity"`
	EnableNotifications     bool                       `json:"enable_notifications"`
}

// DefaultSettings mirrors the defaults installed on first run.
func DefaultSettings() Settings {
	return Settings{
		Categories: map[string]CategorySetting{
			"news":       {TimeLimitMinutes: 30, Sensitivity: "medium"},
			"social":     {TimeLimitMinutes: 60, Sensitivity: "medium"},
			"neutral":    {TimeLimitMinutes: 0, Sensitivity: "low"},
			"productive": {TimeLimitMinutes: 0, Sensitivity: "low"},
		},
		CalmSites:               []string{"https://www.calm.com", "https://mynoise.net"},
		InterventionSensitivity: "medium",
		DarkPatternSensitivity:  "medium",
		EnableNotifications:     true,
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/scrollward/scrollward/internal/logging"
)

// DetectionLog is the payload for POST /detection/log.
type DetectionLog struct {
	URL             string   `json:"url"`
	PatternType     string   `json:"pattern_type"`
	ConfidenceScore float64  `json:"confidence_score"`
	PageElements    []string `json:"page_elements"`
}

// DoomscrollLog is the payload for POST /detection/doomscroll.
type DoomscrollLog struct {
	URL                   string `json:"url"`
	ScrollDuration        int    `json:"scroll_duration"`
	InterventionTriggered bool   `json:"intervention_triggered"`
	UserResponse          string `json:"user_response"`
}

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Username          string `json:"username"`
	PasskeyCredential string `json:"passkey_credential"`
	TOTPCode          string `json:"totp_code"`
}

// BackendSettings is the settings document as the backend stores it. The
// time threshold is in seconds; sensitivity is a 0..1 float.
type BackendSettings struct {
	DoomscrollTimeThreshold int      `json:"doomscroll_time_threshold"`
	InterventionStyle       string   `json:"intervention_style"`
	DarkPatternSensitivity  float64  `json:"dark_pattern_sensitivity"`
	EnabledWebsites         []string `json:"enabled_websites"`
}

// Login authenticates against the backend and persists the returned token.
// A successful login triggers a queue flush.
func (g *Gateway) Login(ctx context.Context, req LoginRequest) Result {
	res := g.CallJSON(ctx, http.MethodPost, "/auth/login", req)
	if !res.Success {
		return res
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil || payload.Token == "" {
		res.Success = false
		res.Err = fmt.Errorf("%w: login response carried no token", ErrRequestFailed)
		return res
	}
	if err := g.store.SetToken(ctx, payload.Token); err != nil {
		res.Success = false
		res.Err = fmt.Errorf("persist token: %w", err)
		return res
	}

	g.logger.Info("authenticated", logging.Field{Key: "username", Value: req.Username})
	g.flush()
	return res
}

// Logout tells the backend goodbye and always clears the local token.
func (g *Gateway) Logout(ctx context.Context) Result {
	res := g.CallJSON(ctx, http.MethodPost, "/auth/logout", nil)
	if err := g.store.ClearToken(ctx); err != nil {
		g.logger.Error("clearing token failed", logging.Field{Key: "error", Value: err.Error()})
	}
	return res
}

// ValidateToken checks the stored token against the backend. A 401 clears it
// as a side effect of Call.
func (g *Gateway) ValidateToken(ctx context.Context) bool {
	if !g.IsAuthenticated(ctx) {
		return false
	}
	return g.Call(ctx, http.MethodGet, "/auth/session", nil).Success
}

// GetSettings fetches the backend settings document.
func (g *Gateway) GetSettings(ctx context.Context) Result {
	return g.Call(ctx, http.MethodGet, "/settings", nil)
}

// UpdateSettings pushes a settings document to the backend.
func (g *Gateway) UpdateSettings(ctx context.Context, settings BackendSettings) Result {
	return g.CallJSON(ctx, http.MethodPut, "/settings", settings)
}

// CheckSettingsSync asks whether the backend has a newer settings version.
func (g *Gateway) CheckSettingsSync(ctx context.Context, clientVersion int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/settings/sync?version=%d", clientVersion), nil)
}

// LogDetection reports one dark-pattern detection.
func (g *Gateway) LogDetection(ctx context.Context, d DetectionLog) Result {
	return g.CallJSON(ctx, http.MethodPost, "/detection/log", d)
}

// LogDoomscroll reports one closed doomscroll session.
func (g *Gateway) LogDoomscroll(ctx context.Context, d DoomscrollLog) Result {
	return g.CallJSON(ctx, http.MethodPost, "/detection/doomscroll", d)
}

// RecentDetections fetches the latest dark-pattern detections.
func (g *Gateway) RecentDetections(ctx context.Context, limit int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/detection/recent?limit=%d", limit), nil)
}

// RecentDoomscrolls fetches the latest doomscroll reports.
func (g *Gateway) RecentDoomscrolls(ctx context.Context, limit int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/detection/doomscroll/recent?limit=%d", limit), nil)
}

// AnalyticsSummary fetches the aggregate dashboard numbers.
func (g *Gateway) AnalyticsSummary(ctx context.Context, days int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/analytics/summary?days=%d", days), nil)
}

// PatternBreakdown fetches per-pattern counts.
func (g *Gateway) PatternBreakdown(ctx context.Context, days int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/analytics/patterns?days=%d", days), nil)
}

// ProblematicWebsites fetches the worst-offender domains.
func (g *Gateway) ProblematicWebsites(ctx context.Context, days, limit int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/analytics/websites?days=%d&limit=%d", days, limit), nil)
}

// Timeline fetches the per-day detection timeline.
func (g *Gateway) Timeline(ctx context.Context, days int) Result {
	return g.Call(ctx, http.MethodGet, fmt.Sprintf("/analytics/timeline?days=%d", days), nil)
}

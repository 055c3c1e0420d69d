// Package server is the HTTP + WebSocket surface bridging page contexts to
// the tracking core: event ingestion, session inspection, on-demand page
// scans, bounded history reads, auth passthrough and intervention push.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/scrollward/scrollward/internal/app"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/session"
	"github.com/scrollward/scrollward/internal/utils"
)

const defaultHistoryLimit = 50

// Server is the HTTP + WebSocket API surface.
type Server struct {
	cfg          Config
	orchestrator *app.Orchestrator
	router       chi.Router
	upgrader     websocket.Upgrader
	hub          *Hub
	logger       logging.Logger
}

// NewServer creates a Server with its own Orchestrator and connects the
// intervention push channel to the session tracker.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AppConfig == nil {
		cfg.AppConfig = app.DefaultConfig()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.AppConfig.ListenAddr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}

	orch, err := app.NewOrchestrator(cfg.AppConfig, logger)
	if err != nil {
		return nil, err
	}

	hub := NewHub(logger)
	orch.Tracker().SetNotifier(hub)

	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		router:       chi.NewRouter(),
		hub:          hub,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: tighten for production
				return true
			},
		},
	}

	s.routes()
	return s, nil
}

// Orchestrator returns the underlying orchestrator for advanced use (tests,
// the CLI).
func (s *Server) Orchestrator() *app.Orchestrator {
	return s.orchestrator
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/events/navigation", s.optionsHandler("POST"))
	r.Options("/events/scroll", s.optionsHandler("POST"))
	r.Options("/events/content", s.optionsHandler("POST"))
	r.Options("/events/override", s.optionsHandler("POST"))
	r.Options("/sessions/active", s.optionsHandler("GET"))
	r.Options("/scan/page", s.optionsHandler("POST"))
	r.Options("/history/sessions", s.optionsHandler("GET"))
	r.Options("/history/interventions", s.optionsHandler("GET"))
	r.Options("/history/darkpatterns", s.optionsHandler("GET"))
	r.Options("/auth/login", s.optionsHandler("POST"))
	r.Options("/auth/logout", s.optionsHandler("POST"))

	// Page-context events
	r.Post("/events/navigation", s.handleNavigation)
	r.Post("/events/scroll", s.handleScroll)
	r.Post("/events/content", s.handleContent)
	r.Post("/events/override", s.handleOverride)

	// Session inspection (popup surface)
	r.Get("/sessions/active", s.handleActiveSession)

	// On-demand dark-pattern scan
	r.Post("/scan/page", s.handleScanPage)

	// Bounded local histories
	r.Get("/history/sessions", s.handleHistorySessions)
	r.Get("/history/interventions", s.handleHistoryInterventions)
	r.Get("/history/darkpatterns", s.handleHistoryFindings)

	// Auth passthrough to the backend
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)

	// Intervention push
	r.Get("/ws/interventions", s.handleInterventionsWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: len(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// Close shuts down the orchestrator and underlying resources.
func (s *Server) Close() {
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeGatewayResult maps a gateway outcome onto the HTTP response.
func (s *Server) writeGatewayResult(w http.ResponseWriter, res gateway.Result) {
	switch {
	case res.Queued:
		writeJSON(w, http.StatusAccepted, map[string]bool{"success": true, "queued": true})
	case res.Success:
		status := res.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		if len(res.Data) > 0 {
			writeJSON(w, status, json.RawMessage(res.Data))
		} else {
			writeJSON(w, status, map[string]bool{"success": true})
		}
	case errors.Is(res.Err, gateway.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, res.Err.Error())
	case errors.Is(res.Err, gateway.ErrAuthRejected):
		writeError(w, http.StatusUnauthorized, res.Err.Error())
	case errors.Is(res.Err, gateway.ErrNetworkUnavailable):
		writeError(w, http.StatusBadGateway, res.Err.Error())
	default:
		status := res.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeError(w, status, res.Err.Error())
	}
}

func queryLimit(r *http.Request) int {
	limit := defaultHistoryLimit
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}
	return limit
}

// --- HTTP handlers ---

// Events

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := s.orchestrator.Tracker().OnNavigation(r.Context(), body.URL)
	if errors.Is(err, session.ErrUntrackable) {
		// Non-web pages are silently ignored, same as a page context would.
		writeJSON(w, http.StatusOK, map[string]bool{"tracked": false})
		return
	}
	if err != nil {
		s.logger.Warn("navigation event", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"tracked": true})
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain   string  `json:"domain"`
		URL      string  `json:"url"`
		Position float64 `json:"position"`
		Velocity float64 `json:"velocity"`
		Depth    float64 `json:"depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domain, err := eventDomain(body.Domain, body.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.orchestrator.Tracker().OnScrollSample(r.Context(), domain, model.ScrollEvent{
		Position: body.Position,
		Velocity: body.Velocity,
		Depth:    body.Depth,
	})
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain string `json:"domain"`
		URL    string `json:"url"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domain, err := eventDomain(body.Domain, body.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.orchestrator.Tracker().OnContentSample(r.Context(), domain, body.Text)
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Domain == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	s.orchestrator.Tracker().Override(body.Domain, body.Reason)
	writeJSON(w, http.StatusOK, nil)
}

// eventDomain resolves the session key from an explicit domain or a URL.
func eventDomain(domain, rawURL string) (string, error) {
	if domain != "" {
		return domain, nil
	}
	if rawURL == "" {
		return "", errors.New("missing domain")
	}
	return utils.Domain(rawURL)
}

// Sessions

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "missing domain query parameter")
		return
	}

	view, ok := s.orchestrator.Tracker().ActiveSession(domain)
	if !ok {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Scan

func (s *Server) handleScanPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string `json:"url"`
		HTML string `json:"html"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" || body.HTML == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	findings, err := s.orchestrator.Scanner().Scan(r.Context(), body.URL, []byte(body.HTML))
	if err != nil {
		s.logger.Warn("page scan", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

// History

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.orchestrator.Store().RecentSessions(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryInterventions(w http.ResponseWriter, r *http.Request) {
	records, err := s.orchestrator.Store().RecentInterventions(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryFindings(w http.ResponseWriter, r *http.Request) {
	records, err := s.orchestrator.Store().RecentFindings(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Auth

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body gateway.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res := s.orchestrator.Gateway().Login(r.Context(), body)
	s.writeGatewayResult(w, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	res := s.orchestrator.Gateway().Logout(r.Context())
	s.writeGatewayResult(w, res)
}

// WebSockets

func (s *Server) handleInterventionsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	s.hub.register(conn)
	s.logger.Info("websocket client connected",
		logging.Field{Key: "clients", Value: s.hub.ClientCount()})

	defer func() {
		s.hub.unregister(conn)
		conn.Close()
	}()

	// Reads only serve to detect disconnects; clients never send.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

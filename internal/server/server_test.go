package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scrollward/scrollward/internal/app"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/intervention"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/testutil"
)

// newTestServer builds a Server on an in-memory store with every backend URL
// pointed at the supplied stub, so no request ever leaves the test.
func newTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()

	cfg := app.DefaultConfig()
	cfg.DBPath = ""
	cfg.HistoryCap = 50
	cfg.GatewayCfg = gateway.Config{BaseURL: backendURL + "/api", Timeout: 2 * time.Second}
	cfg.OracleCfg.BaseURL = backendURL
	cfg.OracleCfg.Timeout = 2 * time.Second
	cfg.ClassifierCfg.BaseURL = backendURL
	cfg.ClassifierCfg.Timeout = 2 * time.Second

	srv, err := NewServer(Config{AppConfig: cfg, Logger: &testutil.DummyLogger{}})
	if err != nil {
		t.Fatalf("building server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// stubBackend serves nothing; every gateway, oracle and classifier call 404s
// and the callers fall back to their local paths.
func stubBackend(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return backend
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestNavigationAndActiveSession(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	w := postJSON(t, srv, "/events/navigation", map[string]string{"url": "https://news.example.com/feed"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("navigation status = %d, body %s", w.Code, w.Body)
	}

	w = get(srv, "/sessions/active?domain=news.example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("active session status = %d", w.Code)
	}
	var view struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.Domain != "news.example.com" {
		t.Errorf("view domain = %q", view.Domain)
	}

	if w = get(srv, "/sessions/active?domain=other.example.com"); w.Code != http.StatusNotFound {
		t.Errorf("unknown domain status = %d, want 404", w.Code)
	}
	if w = get(srv, "/sessions/active"); w.Code != http.StatusBadRequest {
		t.Errorf("missing domain status = %d, want 400", w.Code)
	}
}

func TestNavigationUntrackableURL(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	w := postJSON(t, srv, "/events/navigation", map[string]string{"url": "chrome://settings"})
	if w.Code != http.StatusOK {
		t.Fatalf("untrackable status = %d, want 200", w.Code)
	}
	var body struct {
		Tracked bool `json:"tracked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Tracked {
		t.Fatalf("untrackable response = %s, %v", w.Body, err)
	}
}

func TestNavigationRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	req := httptest.NewRequest(http.MethodPost, "/events/navigation", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d, want 400", w.Code)
	}
}

func TestScrollAndContentEvents(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	postJSON(t, srv, "/events/navigation", map[string]string{"url": "https://news.example.com/feed"})

	w := postJSON(t, srv, "/events/scroll", map[string]any{
		"domain": "news.example.com", "position": 1200.0, "velocity": 3.1, "depth": 0.4,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("scroll status = %d", w.Code)
	}

	// The domain may come as a URL instead.
	w = postJSON(t, srv, "/events/content", map[string]string{
		"url":  "https://news.example.com/feed",
		"text": strings.Repeat("yet another disaster unfolds today ", 3),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("content status = %d", w.Code)
	}

	view, ok := srv.Orchestrator().Tracker().ActiveSession("news.example.com")
	if !ok {
		t.Fatal("session missing after events")
	}
	if view.ScrollEvents != 1 {
		t.Errorf("scroll events = %d, want 1", view.ScrollEvents)
	}
	if view.ContentSamples != 1 {
		t.Errorf("content samples = %d, want 1", view.ContentSamples)
	}

	w = postJSON(t, srv, "/events/scroll", map[string]any{"position": 1.0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("scroll without domain or url = %d, want 400", w.Code)
	}
}

func TestOverrideEndpoint(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	postJSON(t, srv, "/events/navigation", map[string]string{"url": "https://news.example.com/"})
	w := postJSON(t, srv, "/events/override", map[string]string{
		"domain": "news.example.com", "reason": "work research",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("override status = %d", w.Code)
	}

	if w = postJSON(t, srv, "/events/override", map[string]string{"reason": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("override without domain = %d, want 400", w.Code)
	}
}

func TestScanPageReturnsAndPersistsFindings(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	w := postJSON(t, srv, "/scan/page", map[string]string{
		"url":  "https://shop.example.com/checkout",
		"html": `<html><body><button id="no">No thanks, I hate saving money</button></body></html>`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("scan status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Findings []model.Finding `json:"findings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding findings: %v", err)
	}
	if len(resp.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(resp.Findings))
	}
	if resp.Findings[0].Domain != "shop.example.com" {
		t.Errorf("finding domain = %q", resp.Findings[0].Domain)
	}

	w = get(srv, "/history/darkpatterns")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var persisted []model.Finding
	if err := json.Unmarshal(w.Body.Bytes(), &persisted); err != nil || len(persisted) != 1 {
		t.Fatalf("persisted findings = %s, %v", w.Body, err)
	}

	if w = postJSON(t, srv, "/scan/page", map[string]string{"url": "https://a.example.com/"}); w.Code != http.StatusBadRequest {
		t.Errorf("scan without html = %d, want 400", w.Code)
	}
}

func TestHistorySessionsHonorsLimit(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := srv.Orchestrator().Store().AppendSessionRecord(ctx, model.SessionRecord{
			Timestamp: time.Now().Add(time.Duration(i) * time.Minute),
			Domain:    fmt.Sprintf("d%d.example.com", i),
		})
		if err != nil {
			t.Fatalf("seeding record %d: %v", i, err)
		}
	}

	w := get(srv, "/history/sessions?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var records []model.SessionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("decoding records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Domain != "d4.example.com" {
		t.Errorf("first record = %q, want the newest", records[0].Domain)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	w := get(srv, "/history/sessions")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}

	req := httptest.NewRequest(http.MethodOptions, "/events/navigation", nil)
	pre := httptest.NewRecorder()
	srv.ServeHTTP(pre, req)
	if pre.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", pre.Code)
	}
	if got := pre.Header().Get("Access-Control-Allow-Methods"); got != "POST" {
		t.Errorf("allow-methods = %q, want POST", got)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"backend-token","user":{"username":"sam"}}`)
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	backend := stubBackend(t, mux)
	srv := newTestServer(t, backend.URL)
	ctx := context.Background()

	w := postJSON(t, srv, "/auth/login", map[string]string{"username": "sam", "totp_code": "123456"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body)
	}
	if !srv.Orchestrator().Gateway().IsAuthenticated(ctx) {
		t.Fatal("gateway not authenticated after login")
	}

	w = postJSON(t, srv, "/auth/logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	if srv.Orchestrator().Gateway().IsAuthenticated(ctx) {
		t.Fatal("token survived logout")
	}
}

func TestInterventionWebSocketPush(t *testing.T) {
	srv := newTestServer(t, stubBackend(t, nil).URL)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/interventions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Registration happens right after the upgrade handshake.
	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.hub.ShowIntervention("doom.example.com", intervention.Pause, []string{"https://www.calm.com"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type      string   `json:"type"`
		Domain    string   `json:"domain"`
		Level     int      `json:"level"`
		LevelName string   `json:"level_name"`
		CalmSites []string `json:"calm_sites"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading intervention push: %v", err)
	}
	if msg.Type != "intervention" || msg.Domain != "doom.example.com" {
		t.Errorf("push = %+v", msg)
	}
	if msg.Level != int(intervention.Pause) || msg.LevelName != intervention.Pause.String() {
		t.Errorf("level fields = %d %q", msg.Level, msg.LevelName)
	}
	if len(msg.CalmSites) != 1 {
		t.Errorf("calm sites = %v", msg.CalmSites)
	}
}

// Package gateway executes authenticated calls against the remote backend
// and handles the online/offline and auth-failure boundary uniformly. Failed
// or offline non-read calls are routed into the persistent queue; reads fail
// outright since a stale queued read has no later effect.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/queue"
	"github.com/scrollward/scrollward/internal/storage"
)

// Config holds gateway construction options.
type Config struct {
	// BaseURL is the backend API root, e.g. "http://127.0.0.1:5000/api".
	BaseURL string

	// Timeout applies per call when no custom http.Client is supplied.
	Timeout time.Duration
}

// DefaultConfig returns development defaults matching the local backend.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:5000/api",
		Timeout: 30 * time.Second,
	}
}

// Result is the structured outcome of one call. Gateway failures are values,
// not raised errors: callers branch on Success/Queued and inspect Err for the
// failure class.
type Result struct {
	Success    bool
	Queued     bool
	StatusCode int
	Data       json.RawMessage
	Err        error
}

// Gateway is the single egress point toward the backend.
type Gateway struct {
	cfg    Config
	client *http.Client
	store  *storage.Store
	queue  *queue.Queue
	logger logging.Logger

	online atomic.Bool

	flushMu sync.Mutex
	onFlush func()
}

// New constructs a Gateway. httpClient may be nil, in which case a default
// client with cfg.Timeout is used. Connectivity starts out assumed-online.
func New(cfg Config, store *storage.Store, q *queue.Queue, logger logging.Logger, httpClient *http.Client) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	g := &Gateway{
		cfg:    cfg,
		client: httpClient,
		store:  store,
		queue:  q,
		logger: logger.With(logging.Field{Key: "component", Value: "gateway"}),
	}
	g.online.Store(true)
	return g
}

// OnFlush registers the hook invoked when queued requests should be replayed:
// after an offline→online transition and after successful authentication.
func (g *Gateway) OnFlush(fn func()) {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()
	g.onFlush = fn
}

func (g *Gateway) flush() {
	g.flushMu.Lock()
	fn := g.onFlush
	g.flushMu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetOnline records the connectivity state. The offline→online transition
// triggers a queue flush.
func (g *Gateway) SetOnline(online bool) {
	was := g.online.Swap(online)
	if !was && online {
		g.logger.Info("back online, flushing offline queue")
		g.flush()
	}
	if was && !online {
		g.logger.Info("gone offline, queueing non-read requests")
	}
}

// Online reports the last known connectivity state.
func (g *Gateway) Online() bool {
	return g.online.Load()
}

// IsAuthenticated reports whether a bearer token is stored.
func (g *Gateway) IsAuthenticated(ctx context.Context) bool {
	token, err := g.store.Token(ctx)
	return err == nil && token != ""
}

// isAuthEndpoint mirrors the precondition carve-out: login and friends must
// work without a stored token.
func isAuthEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "/auth/")
}

// Call executes one request against the backend. body is a pre-encoded JSON
// payload, or nil. The returned Result is always non-nil in spirit: failures
// populate Err rather than panicking or raising.
func (g *Gateway) Call(ctx context.Context, method, endpoint string, body []byte) Result {
	method = strings.ToUpper(method)

	token, err := g.store.Token(ctx)
	if err != nil {
		g.logger.Error("token read failed", logging.Field{Key: "error", Value: err.Error()})
		token = ""
	}
	if token == "" && !isAuthEndpoint(endpoint) {
		return Result{Err: ErrNotAuthenticated}
	}

	// Known offline: queue writes without a network attempt.
	if !g.online.Load() && method != http.MethodGet {
		if err := g.queue.Enqueue(ctx, method, endpoint, body); err != nil {
			g.logger.Error("enqueue failed", logging.Field{Key: "error", Value: err.Error()})
			return Result{Err: fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)}
		}
		return Result{Success: true, Queued: true}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger.Warn("request transport failure",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "endpoint", Value: endpoint},
			logging.Field{Key: "error", Value: err.Error()})

		// Transport failure: queue non-reads before reporting.
		if method != http.MethodGet {
			if qerr := g.queue.Enqueue(ctx, method, endpoint, body); qerr != nil {
				g.logger.Error("enqueue failed", logging.Field{Key: "error", Value: qerr.Error()})
				return Result{Err: ErrNetworkUnavailable}
			}
			return Result{Queued: true, Err: ErrNetworkUnavailable}
		}
		return Result{Err: ErrNetworkUnavailable}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode, Data: data}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if err := g.store.ClearToken(ctx); err != nil {
			g.logger.Error("clearing token failed", logging.Field{Key: "error", Value: err.Error()})
		}
		return Result{StatusCode: resp.StatusCode, Err: ErrAuthRejected}
	}

	return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %s", ErrRequestFailed, serverError(data))}
}

// serverError extracts the backend's error message, falling back to a
// generic one.
func serverError(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "request failed"
}

// CallJSON marshals body before delegating to Call.
func (g *Gateway) CallJSON(ctx context.Context, method, endpoint string, body any) Result {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return Result{Err: fmt.Errorf("encode body: %w", err)}
		}
	}
	return g.Call(ctx, method, endpoint, raw)
}

// Send implements queue.Sender so drains replay entries through the same
// online/offline and auth handling as fresh calls.
func (g *Gateway) Send(ctx context.Context, req model.QueuedRequest) queue.SendResult {
	res := g.Call(ctx, req.Method, req.Endpoint, req.Body)
	return queue.SendResult{Success: res.Success, Queued: res.Queued}
}

// DrainQueue replays the persistent queue through this gateway.
func (g *Gateway) DrainQueue(ctx context.Context) (queue.DrainStats, error) {
	return g.queue.Drain(ctx, g)
}

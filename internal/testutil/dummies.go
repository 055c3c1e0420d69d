// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/intervention"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/storage"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// ─── Store ─────────────────────────────────────────────────────────────

// OpenStore opens an in-memory store for tests. Callers should defer Close.
func OpenStore(t testing.TB) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{HistoryCap: 1000}, &DummyLogger{})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	return store
}

// ─── Oracles ───────────────────────────────────────────────────────────

// DummyOracle implements score.SentimentOracle with a fixed negativity.
type DummyOracle struct {
	Negativity64 float64
	Err          error

	mu    sync.Mutex
	Texts []string
}

func (o *DummyOracle) Negativity(_ context.Context, text string) (float64, error) {
	o.mu.Lock()
	o.Texts = append(o.Texts, text)
	o.mu.Unlock()
	if o.Err != nil {
		return 0, o.Err
	}
	return o.Negativity64, nil
}

// ─── Reporter ──────────────────────────────────────────────────────────

// DummyReporter implements the session and darkpattern Reporter interfaces
// with in-memory recording.
type DummyReporter struct {
	Authenticated bool

	mu          sync.Mutex
	Doomscrolls []gateway.DoomscrollLog
	Detections  []gateway.DetectionLog
}

func (r *DummyReporter) IsAuthenticated(context.Context) bool { return r.Authenticated }

func (r *DummyReporter) LogDoomscroll(_ context.Context, d gateway.DoomscrollLog) gateway.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Doomscrolls = append(r.Doomscrolls, d)
	return gateway.Result{Success: true}
}

func (r *DummyReporter) LogDetection(_ context.Context, d gateway.DetectionLog) gateway.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Detections = append(r.Detections, d)
	return gateway.Result{Success: true}
}

func (r *DummyReporter) DoomscrollCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Doomscrolls)
}

// ─── Notifier ──────────────────────────────────────────────────────────

// ShownIntervention is one recorded Notifier call.
type ShownIntervention struct {
	Domain    string
	Level     intervention.Level
	CalmSites []string
}

// DummyNotifier implements session.Notifier with in-memory recording.
type DummyNotifier struct {
	mu    sync.Mutex
	Shown []ShownIntervention
}

func (n *DummyNotifier) ShowIntervention(domain string, level intervention.Level, calmSites []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Shown = append(n.Shown, ShownIntervention{Domain: domain, Level: level, CalmSites: calmSites})
}

func (n *DummyNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Shown)
}

func (n *DummyNotifier) Last() (ShownIntervention, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Shown) == 0 {
		return ShownIntervention{}, false
	}
	return n.Shown[len(n.Shown)-1], true
}

// Package app wires the durable store, the offline queue, the backend
// gateway, the scoring engine, the session tracker and the dark-pattern
// scanner into one runnable unit, and owns the periodic jobs.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/robfig/cron/v3"

	"github.com/scrollward/scrollward/internal/darkpattern"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/queue"
	"github.com/scrollward/scrollward/internal/sampler"
	"github.com/scrollward/scrollward/internal/score"
	"github.com/scrollward/scrollward/internal/session"
	"github.com/scrollward/scrollward/internal/storage"
)

// jobTimeout bounds each periodic job run.
const jobTimeout = time.Minute

// Orchestrator ties together config, storage and the processing pipeline.
type Orchestrator struct {
	cfg    *Config
	logger logging.Logger

	store   *storage.Store
	queue   *queue.Queue
	gateway *gateway.Gateway
	engine  *score.Engine
	tracker *session.Tracker
	scanner *darkpattern.Scanner

	cron *cron.Cron
}

// NewOrchestrator builds the full pipeline from cfg. The caller must Close
// the returned orchestrator.
func NewOrchestrator(cfg *Config, logger logging.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	store, err := storage.Open(storage.Config{Path: cfg.DBPath, HistoryCap: cfg.HistoryCap}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	q := queue.New(store, logger)
	gw := gateway.New(cfg.GatewayCfg, store, q, logger, nil)

	oracle := score.NewHTTPOracle(cfg.OracleCfg, logger, nil)
	engine := score.NewEngine(oracle, logger)

	classifier := darkpattern.NewHTTPClassifier(cfg.ClassifierCfg, logger, nil)
	scanner := darkpattern.NewScanner(cfg.ScannerCfg, classifier, nil, store, gw, logger)

	tracker := session.NewTracker(store, engine, gw, nil, logger)

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		queue:   q,
		gateway: gw,
		engine:  engine,
		tracker: tracker,
		scanner: scanner,
		cron:    cron.New(),
	}

	gw.OnFlush(func() {
		go o.drainQueue()
	})

	if err := o.ensureFirstRun(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return o, nil
}

// Accessors for the HTTP surface and tests.

func (o *Orchestrator) Store() *storage.Store         { return o.store }
func (o *Orchestrator) Gateway() *gateway.Gateway     { return o.gateway }
func (o *Orchestrator) Tracker() *session.Tracker     { return o.tracker }
func (o *Orchestrator) Scanner() *darkpattern.Scanner { return o.scanner }

// Start registers and starts the periodic jobs: settings sync plus queue
// drain every five minutes, the daily reset at 04:00 and the weekly summary
// on Monday mornings.
func (o *Orchestrator) Start() error {
	if _, err := o.cron.AddFunc("@every 5m", o.periodicSync); err != nil {
		return fmt.Errorf("scheduling periodic sync: %w", err)
	}
	if _, err := o.cron.AddFunc("0 4 * * *", o.dailyReset); err != nil {
		return fmt.Errorf("scheduling daily reset: %w", err)
	}
	if _, err := o.cron.AddFunc("0 9 * * 1", o.weeklySummary); err != nil {
		return fmt.Errorf("scheduling weekly summary: %w", err)
	}
	o.cron.Start()
	o.logger.Info("periodic jobs started")
	return nil
}

// Close stops the jobs, finalizes open sessions and releases the store.
func (o *Orchestrator) Close() {
	ctx := o.cron.Stop()
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	o.tracker.CloseAll(closeCtx)

	if err := o.store.Close(); err != nil {
		o.logger.Warn("closing store", logging.Field{Key: "error", Value: err.Error()})
	}
}

// WatchPage runs the headless sampler against one page until ctx ends. Used
// by the sample CLI command.
func (o *Orchestrator) WatchPage(ctx context.Context, rawURL string) error {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancel()

	var capturer darkpattern.Capturer
	if o.cfg.EnableCapture {
		capturer = darkpattern.NewChromeCapturer(o.cfg.CaptureCfg, allocCtx, o.logger)
	}
	scanner := darkpattern.NewScanner(o.cfg.ScannerCfg,
		darkpattern.NewHTTPClassifier(o.cfg.ClassifierCfg, o.logger, nil),
		capturer, o.store, o.gateway, o.logger)

	smp := sampler.New(o.cfg.SamplerCfg, allocCtx, o.tracker, scanner, o.logger)
	defer o.tracker.CloseAll(context.Background())

	return smp.Watch(ctx, rawURL)
}

// ensureFirstRun seeds install time, default settings and the learning phase
// on the very first start.
func (o *Orchestrator) ensureFirstRun(ctx context.Context) error {
	_, err := o.store.Get(ctx, storage.KeyInstallTime)
	if err == nil {
		return nil
	}
	if err != storage.ErrNotFound {
		return fmt.Errorf("reading install time: %w", err)
	}

	if err := o.store.Set(ctx, storage.KeyInstallTime, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("recording install time: %w", err)
	}
	if err := o.store.SetSettings(ctx, model.DefaultSettings()); err != nil {
		return fmt.Errorf("seeding default settings: %w", err)
	}
	if err := o.store.SetLearningPhase(ctx, true); err != nil {
		return fmt.Errorf("starting learning phase: %w", err)
	}
	o.logger.Info("first run, learning phase started",
		logging.Field{Key: "learning_days", Value: o.cfg.LearningDays})
	return nil
}

func (o *Orchestrator) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := o.gateway.DrainQueue(ctx)
	if err != nil {
		o.logger.Warn("queue drain failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	if stats.Processed > 0 {
		o.logger.Info("queue drained",
			logging.Field{Key: "processed", Value: stats.Processed},
			logging.Field{Key: "succeeded", Value: stats.Succeeded},
			logging.Field{Key: "failed", Value: stats.Failed})
	}
}

// periodicSync pulls the backend settings document and replays the offline
// queue. Skipped entirely while unauthenticated.
func (o *Orchestrator) periodicSync() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if !o.gateway.IsAuthenticated(ctx) {
		return
	}

	res := o.gateway.GetSettings(ctx)
	if res.Success {
		var payload struct {
			Settings gateway.BackendSettings `json:"settings"`
		}
		if err := json.Unmarshal(res.Data, &payload); err != nil {
			o.logger.Warn("settings sync: bad payload", logging.Field{Key: "error", Value: err.Error()})
		} else if err := o.applyBackendSettings(ctx, payload.Settings); err != nil {
			o.logger.Warn("settings sync: apply failed", logging.Field{Key: "error", Value: err.Error()})
		}
	} else if res.Err != nil {
		o.logger.Warn("settings sync failed", logging.Field{Key: "error", Value: res.Err.Error()})
	}

	o.drainQueue()
}

// applyBackendSettings folds the backend document into the local settings:
// the time threshold (seconds) becomes per-category minute limits, the
// intervention style and the sensitivity float become the local tiers.
func (o *Orchestrator) applyBackendSettings(ctx context.Context, bs gateway.BackendSettings) error {
	local, err := o.store.Settings(ctx)
	if err != nil {
		local = model.DefaultSettings()
	}

	if bs.DoomscrollTimeThreshold > 0 {
		minutes := bs.DoomscrollTimeThreshold / 60
		if minutes < 1 {
			minutes = 1
		}
		for _, category := range []string{"news", "social"} {
			cs := local.Categories[category]
			cs.TimeLimitMinutes = minutes
			local.Categories[category] = cs
		}
	}

	switch bs.InterventionStyle {
	case "gentle":
		local.InterventionSensitivity = "low"
	case "moderate":
		local.InterventionSensitivity = "medium"
	case "strict":
		local.InterventionSensitivity = "high"
	}

	switch {
	case bs.DarkPatternSensitivity >= 0.8:
		local.DarkPatternSensitivity = "high"
	case bs.DarkPatternSensitivity >= 0.5:
		local.DarkPatternSensitivity = "medium"
	case bs.DarkPatternSensitivity > 0:
		local.DarkPatternSensitivity = "low"
	}

	if err := o.store.SetSettings(ctx, local); err != nil {
		return err
	}
	o.logger.Info("settings synced from backend",
		logging.Field{Key: "intervention_sensitivity", Value: local.InterventionSensitivity})
	return nil
}

// dailyReset ends the learning phase once the configured number of days has
// passed since install.
func (o *Orchestrator) dailyReset() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	learning, err := o.store.LearningPhase(ctx)
	if err != nil || !learning {
		return
	}

	raw, err := o.store.Get(ctx, storage.KeyInstallTime)
	if err != nil {
		o.logger.Warn("daily reset: install time missing", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	installed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		o.logger.Warn("daily reset: bad install time", logging.Field{Key: "value", Value: raw})
		return
	}

	if time.Since(installed) < time.Duration(o.cfg.LearningDays)*24*time.Hour {
		return
	}
	if err := o.store.SetLearningPhase(ctx, false); err != nil {
		o.logger.Warn("daily reset: ending learning phase failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	o.logger.Info("learning phase ended, interventions active")
}

// weeklySummary logs the last seven days of tracked browsing.
func (o *Orchestrator) weeklySummary() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -7)
	sessions, err := o.store.SessionsSince(ctx, cutoff)
	if err != nil {
		o.logger.Warn("weekly summary: sessions read failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	interventions, err := o.store.InterventionsSince(ctx, cutoff)
	if err != nil {
		o.logger.Warn("weekly summary: interventions read failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	var total time.Duration
	var scoreSum int
	for _, s := range sessions {
		total += s.Duration
		scoreSum += s.Doomscore
	}
	avgScore := 0
	if len(sessions) > 0 {
		avgScore = scoreSum / len(sessions)
	}

	o.logger.Info("weekly summary",
		logging.Field{Key: "sessions", Value: len(sessions)},
		logging.Field{Key: "minutes", Value: int(total.Minutes())},
		logging.Field{Key: "avg_doomscore", Value: avgScore},
		logging.Field{Key: "interventions", Value: len(interventions)})
}

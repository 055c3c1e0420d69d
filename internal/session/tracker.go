// Package session owns the per-domain session lifecycle: it routes incoming
// scroll and content samples to the right live session, invokes scoring,
// applies the intervention trigger rule and flushes closed sessions into the
// bounded history and backend telemetry.
package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scrollward/scrollward/internal/gateway"
	"github.com/scrollward/scrollward/internal/intervention"
	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/score"
	"github.com/scrollward/scrollward/internal/storage"
	"github.com/scrollward/scrollward/internal/utils"
)

// MaxSampleLength caps one content sample; longer text is truncated.
const MaxSampleLength = 2000

// MinSampleLength is the floor under which extracted text is not worth
// sampling. Enforced at the edges (server, sampler), checked here again.
const MinSampleLength = 50

// ErrUntrackable is returned for URLs outside http(s) pages.
var ErrUntrackable = errors.New("session: url is not trackable")

// Notifier delivers an intervention display request to the page-UI
// collaborator. Presentation is entirely out of scope here.
type Notifier interface {
	ShowIntervention(domain string, level intervention.Level, calmSites []string)
}

// Reporter sends closed-session telemetry to the backend. Implemented by the
// gateway.
type Reporter interface {
	IsAuthenticated(ctx context.Context) bool
	LogDoomscroll(ctx context.Context, d gateway.DoomscrollLog) gateway.Result
}

// Session is one live tracked engagement with a domain, from first visit to
// navigation-away. Raw samples are discarded when the session closes; only
// the compact record survives.
type Session struct {
	ID                    string
	Domain                string
	URL                   string
	StartTime             time.Time
	EndTime               time.Time
	ScrollEvents          []model.ScrollEvent
	ContentSamples        []string
	Doomscore             int
	LastInterventionLevel intervention.Level
	UserResponse          string
}

// View is a copy-safe snapshot of a live session for the popup surface.
type View struct {
	ID             string    `json:"id"`
	Domain         string    `json:"domain"`
	URL            string    `json:"url"`
	StartTime      time.Time `json:"start_time"`
	Doomscore      int       `json:"doomscore"`
	LastLevel      int       `json:"last_intervention_level"`
	ScrollEvents   int       `json:"scroll_events"`
	ContentSamples int       `json:"content_samples"`
}

// Tracker holds the domain-keyed live sessions. Sessions are keyed by domain,
/// not tab: multiple tabs on one domain share a session. Handlers never hold
// the lock across a suspending call; they re-validate session identity after
// every oracle or storage round trip before mutating.
type Tracker struct {
	store    *storage.Store
	engine   *score.Engine
	reporter Reporter
	notifier Notifier
	logger   logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewTracker wires the tracker to its collaborators. notifier may be nil
// when no page-UI channel is connected yet.
func NewTracker(store *storage.Store, engine *score.Engine, reporter Reporter, notifier Notifier, logger logging.Logger) *Tracker {
	return &Tracker{
		store:    store,
		engine:   engine,
		reporter: reporter,
		notifier: notifier,
		logger:   logger.With(logging.Field{Key: "component", Value: "session"}),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetNotifier swaps the display channel (e.g. when a page context connects).
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifier = n
}

// OnNavigation handles the active tab moving to rawURL. Sessions open for
// other domains are closed first; a session for this domain is created if
// none exists, otherwise it simply continues.
func (t *Tracker) OnNavigation(ctx context.Context, rawURL string) error {
	if !utils.Trackable(rawURL) {
		return ErrUntrackable
	}
	domain, err := utils.Domain(rawURL)
	if err != nil {
		return err
	}

	t.mu.Lock()
	var closing []*Session
	for d, s := range t.sessions {
		if d != domain {
			closing = append(closing, s)
			delete(t.sessions, d)
		}
	}
	if _, ok := t.sessions[domain]; !ok {
		t.sessions[domain] = &Session{
			ID:        uuid.New().String(),
			Domain:    domain,
			URL:       rawURL,
			StartTime: t.now(),
		}
		t.logger.Debug("session opened", logging.Field{Key: "domain", Value: domain})
	}
	t.mu.Unlock()

	for _, s := range closing {
		t.finalize(ctx, s)
	}
	return nil
}

// OnScrollSample appends a scroll event to the domain's open session. Scroll
// alone never recomputes the doomscore; it only re-runs the trigger check
// against the existing score so a band transition implied by recent events
// is caught.
func (t *Tracker) OnScrollSample(ctx context.Context, domain string, ev model.ScrollEvent) {
	if ev.Position < 0 {
		t.logger.Debug("dropping scroll event with negative position",
			logging.Field{Key: "domain", Value: domain})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}

	t.mu.Lock()
	s, ok := t.sessions[domain]
	if !ok {
		t.mu.Unlock()
		return
	}
	s.ScrollEvents = append(s.ScrollEvents, ev)
	t.mu.Unlock()

	t.checkIntervention(ctx, domain)
}

// OnContentSample appends a sampled text block, recomputes the doomscore and
// runs the trigger check. The scoring round trip suspends; the session is
// re-validated by identity before the fresh score is applied, and a stale
// result for a session closed meanwhile is dropped.
func (t *Tracker) OnContentSample(ctx context.Context, domain, text string) {
	if len(text) < MinSampleLength {
		return
	}
	if len(text) > MaxSampleLength {
		text = text[:MaxSampleLength]
	}

	t.mu.Lock()
	s, ok := t.sessions[domain]
	if !ok {
		t.mu.Unlock()
		return
	}
	s.ContentSamples = append(s.ContentSamples, text)
	id := s.ID
	elapsed := t.now().Sub(s.StartTime)
	samples := append([]string(nil), s.ContentSamples...)
	events := append([]model.ScrollEvent(nil), s.ScrollEvents...)
	t.mu.Unlock()

	doomscore := t.engine.Compute(ctx, elapsed, samples, events)

	t.mu.Lock()
	s, ok = t.sessions[domain]
	if !ok || s.ID != id {
		t.mu.Unlock()
		t.logger.Debug("dropping stale score for closed session",
			logging.Field{Key: "domain", Value: domain})
		return
	}
	s.Doomscore = doomscore
	t.mu.Unlock()

	t.checkIntervention(ctx, domain)
}

// checkIntervention applies the trigger rule to the session's current score.
// Settings and the learning-phase flag are read fresh each check; the session
// is re-validated after those reads.
func (t *Tracker) checkIntervention(ctx context.Context, domain string) {
	learning, err := t.store.LearningPhase(ctx)
	if err != nil {
		t.logger.Warn("learning phase read failed", logging.Field{Key: "error", Value: err.Error()})
	}
	settings, err := t.store.Settings(ctx)
	if err != nil {
		t.logger.Warn("settings read failed", logging.Field{Key: "error", Value: err.Error()})
		settings = model.DefaultSettings()
	}
	sens := intervention.Sensitivity(settings.InterventionSensitivity)

	t.mu.Lock()
	s, ok := t.sessions[domain]
	if !ok {
		t.mu.Unlock()
		return
	}
	level, trigger := intervention.Decide(s.Doomscore, sens, s.LastInterventionLevel, learning)
	if trigger {
		s.LastInterventionLevel = level
	}
	t.mu.Unlock()

	if !trigger {
		return
	}

	t.logger.Info("intervention triggered",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "level", Value: level.String()})

	if t.notifier != nil {
		t.notifier.ShowIntervention(domain, level, settings.CalmSites)
	}
	if err := t.store.AppendIntervention(ctx, model.InterventionRecord{
		Timestamp: t.now(),
		Level:     int(level),
		Domain:    domain,
	}); err != nil {
		t.logger.Warn("intervention log failed", logging.Field{Key: "error", Value: err.Error()})
	}
}

// Override resets the open session's doomscore and last level to zero. A
// telemetry report already queued for the session is not cancelled.
func (t *Tracker) Override(domain, reason string) {
	t.mu.Lock()
	if s, ok := t.sessions[domain]; ok {
		s.Doomscore = 0
		s.LastInterventionLevel = intervention.None
		s.UserResponse = reason
	}
	t.mu.Unlock()

	t.logger.Info("user override",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "reason", Value: reason})
}

// CloseSession closes and persists the domain's open session, if any.
func (t *Tracker) CloseSession(ctx context.Context, domain string) {
	t.mu.Lock()
	s, ok := t.sessions[domain]
	if ok {
		delete(t.sessions, domain)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.finalize(ctx, s)
}

// CloseAll closes every open session. Used at shutdown.
func (t *Tracker) CloseAll(ctx context.Context) {
	t.mu.Lock()
	var all []*Session
	for d, s := range t.sessions {
		all = append(all, s)
		delete(t.sessions, d)
	}
	t.mu.Unlock()

	for _, s := range all {
		t.finalize(ctx, s)
	}
}

// ActiveSession returns a snapshot view of the domain's open session.
func (t *Tracker) ActiveSession(domain string) (View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[domain]
	if !ok {
		return View{}, false
	}
	return View{
		ID:             s.ID,
		Domain:         s.Domain,
		URL:            s.URL,
		StartTime:      s.StartTime,
		Doomscore:      s.Doomscore,
		LastLevel:      int(s.LastInterventionLevel),
		ScrollEvents:   len(s.ScrollEvents),
		ContentSamples: len(s.ContentSamples),
	}, true
}

// finalize runs the final score computation, persists the compact record,
// reports telemetry when authenticated and discards the raw samples. The
// session is already detached from the live map, so an in-flight sample for
// this domain cannot resurrect it.
func (t *Tracker) finalize(ctx context.Context, s *Session) {
	s.EndTime = t.now()
	timeSpent := s.EndTime.Sub(s.StartTime)
	s.Doomscore = t.engine.Compute(ctx, timeSpent, s.ContentSamples, s.ScrollEvents)

	if err := t.store.AppendSessionRecord(ctx, model.SessionRecord{
		Timestamp: s.StartTime,
		Domain:    s.Domain,
		Duration:  timeSpent,
		Doomscore: s.Doomscore,
	}); err != nil {
		t.logger.Error("persisting session record failed",
			logging.Field{Key: "domain", Value: s.Domain},
			logging.Field{Key: "error", Value: err.Error()})
	}

	t.logger.Info("session closed",
		logging.Field{Key: "domain", Value: s.Domain},
		logging.Field{Key: "duration", Value: timeSpent.String()},
		logging.Field{Key: "doomscore", Value: s.Doomscore})

	if t.reporter == nil || !t.reporter.IsAuthenticated(ctx) {
		return
	}
	res := t.reporter.LogDoomscroll(ctx, gateway.DoomscrollLog{
		URL:                   s.URL,
		ScrollDuration:        int(math.Round(timeSpent.Seconds())),
		InterventionTriggered: s.LastInterventionLevel > intervention.None,
		UserResponse:          s.UserResponse,
	})
	if !res.Success && !res.Queued {
		t.logger.Warn("doomscroll telemetry failed",
			logging.Field{Key: "domain", Value: s.Domain},
			logging.Field{Key: "error", Value: errString(res.Err)})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

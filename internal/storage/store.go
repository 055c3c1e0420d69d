// Package storage implements the durable local key-value state shared by all
// components: auth token, settings, bounded session/intervention/dark-pattern
// histories and the offline request queue. Everything lives in a single
// SQLite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

// Well-known kv keys.
const (
	KeyAuthToken       = "auth_token"
	KeySettings        = "settings"
	KeySettingsVersion = "settings_version"
	KeyLearningPhase   = "learning_phase"
	KeyBackendURL      = "backend_url"
	KeyInstallTime     = "install_time"
)

// ErrNotFound is returned by Get for keys with no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Config controls where the store lives and how large the bounded histories
// may grow.
type Config struct {
	// Path is the database file location. Empty means in-memory (tests).
	Path string

	// HistoryCap bounds sessions, interventions, dark_patterns and the
	// request queue. Oldest rows are evicted first.
	HistoryCap int
}

// DefaultConfig returns a Config with the production history bound.
func DefaultConfig() Config {
	return Config{HistoryCap: 1000}
}

// Store wraps the SQLite database behind typed accessors.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger logging.Logger
}

// Open opens (or creates) the database at cfg.Path and applies the schema.
func Open(cfg Config, logger logging.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("storage: nil logger provided")
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultConfig().HistoryCap
	}

	dsn := ":memory:"
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure state directory: %w", err)
		}
		dsn = cfg.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("store opened", logging.Field{Key: "path", Value: dsn})
	return &Store{db: db, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── kv ────────────────────────────────────────────────────────────────

// Get returns the raw value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// Set stores the raw value for key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// ─── token ─────────────────────────────────────────────────────────────

// Token returns the stored bearer token, or "" when not authenticated.
func (s *Store) Token(ctx context.Context) (string, error) {
	v, err := s.Get(ctx, KeyAuthToken)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SetToken persists the bearer token.
func (s *Store) SetToken(ctx context.Context, token string) error {
	return s.Set(ctx, KeyAuthToken, token)
}

// ClearToken drops the stored bearer token.
func (s *Store) ClearToken(ctx context.Context) error {
	return s.Delete(ctx, KeyAuthToken)
}

// ─── settings / flags ──────────────────────────────────────────────────

// Settings returns the stored settings, or the defaults when none are stored.
func (s *Store) Settings(ctx context.Context) (model.Settings, error) {
	raw, err := s.Get(ctx, KeySettings)
	if errors.Is(err, ErrNotFound) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	var out model.Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// SetSettings persists the settings as JSON.
func (s *Store) SetSettings(ctx context.Context, settings model.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.Set(ctx, KeySettings, string(raw))
}

// LearningPhase reports whether interventions are globally suppressed.
// An absent flag means the learning phase is over.
func (s *Store) LearningPhase(ctx context.Context) (bool, error) {
	v, err := s.Get(ctx, KeyLearningPhase)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1" || v == "true", nil
}

// SetLearningPhase toggles the global intervention bypass.
func (s *Store) SetLearningPhase(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return s.Set(ctx, KeyLearningPhase, v)
}

// ─── bounded histories ─────────────────────────────────────────────────

// AppendSessionRecord appends a closed-session record and evicts the oldest
// rows beyond the history cap.
func (s *Store) AppendSessionRecord(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (timestamp, domain, duration_ms, doomscore) VALUES (?, ?, ?, ?)
	`, rec.Timestamp.UnixMilli(), rec.Domain, rec.Duration.Milliseconds(), rec.Doomscore)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	return s.trim(ctx, "sessions")
}

// RecentSessions returns up to limit records, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, domain, duration_ms, doomscore FROM sessions ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var ts, dur int64
		var rec model.SessionRecord
		if err := rows.Scan(&ts, &rec.Domain, &dur, &rec.Doomscore); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionsSince returns all records with timestamp after cutoff, oldest first.
func (s *Store) SessionsSince(ctx context.Context, cutoff time.Time) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, domain, duration_ms, doomscore FROM sessions WHERE timestamp > ? ORDER BY seq
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query sessions since: %w", err)
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var ts, dur int64
		var rec model.SessionRecord
		if err := rows.Scan(&ts, &rec.Domain, &dur, &rec.Doomscore); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendIntervention appends an intervention log entry, bounded FIFO.
func (s *Store) AppendIntervention(ctx context.Context, rec model.InterventionRecord) error {
	accepted := 0
	if rec.Accepted {
		accepted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interventions (timestamp, level, domain, accepted) VALUES (?, ?, ?, ?)
	`, rec.Timestamp.UnixMilli(), rec.Level, rec.Domain, accepted)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return s.trim(ctx, "interventions")
}

// RecentInterventions returns up to limit entries, newest first.
func (s *Store) RecentInterventions(ctx context.Context, limit int) ([]model.InterventionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, domain, accepted FROM interventions ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer rows.Close()

	var out []model.InterventionRecord
	for rows.Next() {
		var ts int64
		var accepted int
		var rec model.InterventionRecord
		if err := rows.Scan(&ts, &rec.Level, &rec.Domain, &accepted); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Accepted = accepted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InterventionsSince returns entries with timestamp after cutoff, oldest first.
func (s *Store) InterventionsSince(ctx context.Context, cutoff time.Time) ([]model.InterventionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, domain, accepted FROM interventions WHERE timestamp > ? ORDER BY seq
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query interventions since: %w", err)
	}
	defer rows.Close()

	var out []model.InterventionRecord
	for rows.Next() {
		var ts int64
		var accepted int
		var rec model.InterventionRecord
		if err := rows.Scan(&ts, &rec.Level, &rec.Domain, &accepted); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Accepted = accepted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendFinding appends a dark-pattern finding, bounded FIFO.
func (s *Store) AppendFinding(ctx context.Context, f model.Finding) error {
	elements, err := json.Marshal(f.Elements)
	if err != nil {
		elements = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dark_patterns (id, pattern_type, confidence, severity, domain, url, timestamp, elements)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.PatternType, f.Confidence, f.Severity, f.Domain, f.URL, f.Timestamp.UnixMilli(), string(elements))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return s.trim(ctx, "dark_patterns")
}

// RecentFindings returns up to limit findings, newest first.
func (s *Store) RecentFindings(ctx context.Context, limit int) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_type, confidence, severity, domain, url, timestamp, elements
		FROM dark_patterns ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var ts int64
		var elements string
		var f model.Finding
		if err := rows.Scan(&f.ID, &f.PatternType, &f.Confidence, &f.Severity, &f.Domain, &f.URL, &ts, &elements); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Timestamp = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(elements), &f.Elements); err != nil {
			f.Elements = nil
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// trim evicts the oldest rows of table beyond the history cap.
func (s *Store) trim(ctx context.Context, table string) error {
	// table names come from constants above, never user input
	q := fmt.Sprintf(`
		DELETE FROM %s WHERE seq NOT IN (SELECT seq FROM %s ORDER BY seq DESC LIMIT ?)
	`, table, table)
	if _, err := s.db.ExecContext(ctx, q, s.cfg.HistoryCap); err != nil {
		return fmt.Errorf("trim %s: %w", table, err)
	}
	return nil
}

// ─── request queue ─────────────────────────────────────────────────────

// QueueAppend appends a request to the offline queue and evicts the oldest
// entries beyond the cap. Enforcement is eviction, never rejection.
func (s *Store) QueueAppend(ctx context.Context, req model.QueuedRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_queue (id, method, endpoint, body, timestamp) VALUES (?, ?, ?, ?, ?)
	`, req.ID, req.Method, req.Endpoint, req.Body, req.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert queued request: %w", err)
	}
	return s.trim(ctx, "request_queue")
}

// QueueSnapshot returns every queued request in enqueue (FIFO) order.
func (s *Store) QueueSnapshot(ctx context.Context) ([]model.QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, endpoint, body, timestamp FROM request_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query request queue: %w", err)
	}
	defer rows.Close()

	var out []model.QueuedRequest
	for rows.Next() {
		var ts int64
		var req model.QueuedRequest
		if err := rows.Scan(&req.ID, &req.Method, &req.Endpoint, &req.Body, &ts); err != nil {
			return nil, fmt.Errorf("scan queued request: %w", err)
		}
		req.Timestamp = time.UnixMilli(ts)
		out = append(out, req)
	}
	return out, rows.Err()
}

// QueueReplace atomically swaps the queue contents for the given entries,
// preserving their order.
func (s *Store) QueueReplace(ctx context.Context, reqs []model.QueuedRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rb := tx.Rollback(); rb != nil && !errors.Is(rb, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", logging.Field{Key: "err", Value: rb})
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_queue`); err != nil {
		return fmt.Errorf("clear request queue: %w", err)
	}
	for _, req := range reqs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_queue (id, method, endpoint, body, timestamp) VALUES (?, ?, ?, ?, ?)
		`, req.ID, req.Method, req.Endpoint, req.Body, req.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert queued request: %w", err)
		}
	}
	return tx.Commit()
}

// QueueLen returns the number of queued requests.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count request queue: %w", err)
	}
	return n, nil
}

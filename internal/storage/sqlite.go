// Package storage persists alert rules, alerts and report artifacts in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements the rule, alert and report repositories
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the database at path
func Open(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			definition TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			state TEXT NOT NULL,
			first_fired_at INTEGER NOT NULL,
			last_fired_at INTEGER NOT NULL,
			resolved_at INTEGER,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON alerts(rule_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state);
		CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			period TEXT NOT NULL,
			format TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			generated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reports_generated_at ON reports(generated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRule inserts or replaces a rule, keeping its original position
func (s *SQLiteStore) SaveRule(ctx context.Context, rule model.AlertRule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, position, definition, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM alert_rules), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		rule.ID,
		string(definition),
		toUnix(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	return nil
}

// LoadRules returns every rule in insertion order
func (s *SQLiteStore) LoadRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM alert_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule model.AlertRule
		if err := json.Unmarshal([]byte(definition), &rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// SaveAlert inserts or replaces an alert
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	var resolvedAt sql.NullInt64
	if alert.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: toUnix(*alert.ResolvedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, state, first_fired_at, last_fired_at, resolved_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_fired_at = excluded.last_fired_at,
			resolved_at = excluded.resolved_at,
			data = excluded.data`,
		alert.ID,
		alert.RuleID,
		string(alert.State),
		toUnix(alert.FirstFiredAt),
		toUnix(alert.LastFiredAt),
		resolvedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// LoadAlerts returns every stored alert ordered by first firing
func (s *SQLiteStore) LoadAlerts(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM alerts ORDER BY first_fired_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		var a model.Alert
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// DeleteResolvedAlerts removes alerts resolved before the cutoff
func (s *SQLiteStore) DeleteResolvedAlerts(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE state = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(model.AlertStateResolved), toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveReport stores a report artifact
func (s *SQLiteStore) SaveReport(ctx context.Context, r model.ReportArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, type, period, format, window_start, window_end, generated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		string(r.Type),
		string(r.Period),
		string(r.Format),
		toUnix(r.WindowStart),
		toUnix(r.WindowEnd),
		toUnix(r.GeneratedAt),
		r.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

const reportColumns = `id, type, period, format, window_start, window_end, generated_at, payload`

// GetReport returns a report artifact by id
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (model.ReportArtifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReportArtifact{}, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	return r, err
}

// ListReports returns the newest reports first, at most limit when positive
func (s *SQLiteStore) ListReports(ctx context.Context, limit int) ([]model.ReportArtifact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports ORDER BY generated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []model.ReportArtifact
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reports, nil
}

// DeleteReportsBefore removes reports generated before the cutoff
func (s *SQLiteStore) DeleteReportsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE generated_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete reports: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (model.ReportArtifact, error) {
	var (
		r                             model.ReportArtifact
		typ, period, format           string
		windowStart, windowEnd, genAt int64
	)
	err := row.Scan(&r.ID, &typ, &period, &format, &windowStart, &windowEnd, &genAt, &r.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan report: %w", err)
	}
	r.Type = model.ReportType(typ)
	r.Period = model.ReportPeriod(period)
	r.Format = model.ReportFormat(format)
	r.WindowStart = fromUnix(windowStart)
	r.WindowEnd = fromUnix(windowEnd)
	r.GeneratedAt = fromUnix(genAt)
	return r, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

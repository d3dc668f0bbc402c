// Package store provides SQLite-based alert history for oopstime.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Alert is one high mistake rate alert.
type Alert struct {
	ID             string    `json:"id"`
	FiredAt        time.Time `json:"fired_at"`
	Mistakes       int       `json:"mistakes"`
	ThresholdCount int       `json:"threshold_count"`
	WindowSize     int       `json:"window_size"`
	Threshold      float64   `json:"threshold"`
	Notified       bool      `json:"notified"`
	NotifyError    string    `json:"notify_error,omitempty"`
}

// SettingsSnapshot is a saved copy of the tunables.
type SettingsSnapshot struct {
	ID         int64     `json:"id"`
	SavedAt    time.Time `json:"saved_at"`
	Threshold  float64   `json:"threshold"`
	Count      int       `json:"count"`
	Interval   int       `json:"interval"`
	AfterAllow bool      `json:"afterallow"`
	Reason     string    `json:"reason,omitempty"`
}

// Store represents the SQLite alert store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordAlert inserts a. An empty ID is replaced by a new UUID and a zero
// FiredAt by the current time; the stored alert is returned.
func (s *Store) RecordAlert(ctx context.Context, a Alert) (Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.FiredAt.IsZero() {
		a.FiredAt = time.Now()
	}

	var notifyErr sql.NullString
	if a.NotifyError != "" {
		notifyErr = sql.NullString{String: a.NotifyError, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, fired_at_ns, mistakes, threshold_count, window_size, threshold, notified, notify_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FiredAt.UnixNano(), a.Mistakes, a.ThresholdCount, a.WindowSize, a.Threshold, a.Notified, notifyErr,
	)
	if err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

// GetAlert returns the alert with the given ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fired_at_ns, mistakes, threshold_count, window_size, threshold, notified, notify_error
		FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fired_at_ns, mistakes, threshold_count, window_size, threshold, notified, notify_error
		FROM alerts ORDER BY fired_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// CountSince returns how many alerts fired at or after t.
func (s *Store) CountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM alerts WHERE fired_at_ns >= ?", t.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

// PruneBefore deletes alerts older than t and returns how many were removed.
func (s *Store) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alerts WHERE fired_at_ns < ?", t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return res.RowsAffected()
}

// RecordSettings stores a snapshot of saved settings.
func (s *Store) RecordSettings(ctx context.Context, snap SettingsSnapshot) (int64, error) {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settings_snapshots (saved_at_ns, threshold, count, interval, afterallow, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SavedAt.UnixNano(), snap.Threshold, snap.Count, snap.Interval, snap.AfterAllow, snap.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert settings snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// LatestSettings returns the most recent settings snapshot.
func (s *Store) LatestSettings(ctx context.Context) (*SettingsSnapshot, error) {
	var snap SettingsSnapshot
	var savedAt int64
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, saved_at_ns, threshold, count, interval, afterallow, reason
		FROM settings_snapshots ORDER BY saved_at_ns DESC, id DESC LIMIT 1`,
	).Scan(&snap.ID, &savedAt, &snap.Threshold, &snap.Count, &snap.Interval, &snap.AfterAllow, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings snapshot: %w", err)
	}
	snap.SavedAt = time.Unix(0, savedAt)
	snap.Reason = reason.String
	return &snap, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(sc scanner) (*Alert, error) {
	var a Alert
	var firedAt int64
	var notifyErr sql.NullString
	if err := sc.Scan(&a.ID, &firedAt, &a.Mistakes, &a.ThresholdCount, &a.WindowSize,
		&a.Threshold, &a.Notified, &notifyErr); err != nil {
		return nil, err
	}
	a.FiredAt = time.Unix(0, firedAt)
	a.NotifyError = notifyErr.String
	return &a, nil
}

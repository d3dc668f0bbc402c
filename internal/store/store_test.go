package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "alerts.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("ValidateSchema: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		status, err := GetMigrationStatus(s.db)
		if err != nil {
			t.Fatalf("GetMigrationStatus: %v", err)
		}
		if status.CurrentVersion != status.LatestVersion || len(status.Pending) != 0 {
			t.Errorf("unexpected status %+v", status)
		}
		s.Close()
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)
	if err := RollbackMigration(s.db); err != nil {
		t.Fatalf("RollbackMigration: %v", err)
	}
	if err := ValidateSchema(s.db); err == nil {
		t.Error("expected settings_snapshots to be gone")
	}
	if err := MigrateDB(s.db); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("ValidateSchema after re-migrate: %v", err)
	}
}

func TestRecordAndGetAlert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	firedAt := time.Unix(1700000000, 123)
	stored, err := s.RecordAlert(ctx, Alert{
		FiredAt:        firedAt,
		Mistakes:       12,
		ThresholdCount: 10,
		WindowSize:     100,
		Threshold:      0.1,
		Notified:       false,
		NotifyError:    "no notification daemon",
	})
	if err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if _, err := uuid.Parse(stored.ID); err != nil {
		t.Errorf("expected a UUID id, got %q", stored.ID)
	}

	got, err := s.GetAlert(ctx, stored.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !got.FiredAt.Equal(firedAt) {
		t.Errorf("FiredAt = %v, want %v", got.FiredAt, firedAt)
	}
	if got.Mistakes != 12 || got.ThresholdCount != 10 || got.WindowSize != 100 {
		t.Errorf("unexpected counts %+v", got)
	}
	if got.Notified || got.NotifyError != "no notification daemon" {
		t.Errorf("unexpected notify fields %+v", got)
	}

	if _, err := s.GetAlert(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		if _, err := s.RecordAlert(ctx, Alert{
			FiredAt:  base.Add(time.Duration(i) * time.Minute),
			Mistakes: i,
			Notified: true,
		}); err != nil {
			t.Fatalf("RecordAlert %d: %v", i, err)
		}
	}

	alerts, err := s.RecentAlerts(ctx, 3)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	for i, want := range []int{4, 3, 2} {
		if alerts[i].Mistakes != want {
			t.Errorf("alerts[%d].Mistakes = %d, want %d", i, alerts[i].Mistakes, want)
		}
	}

	n, err := s.CountSince(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 3 {
		t.Errorf("CountSince = %d, want 3", n)
	}

	removed, err := s.PruneBefore(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 2 {
		t.Errorf("PruneBefore removed %d, want 2", removed)
	}
}

func TestSettingsSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestSettings(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty table, got %v", err)
	}

	for i, count := range []int{100, 40} {
		_, err := s.RecordSettings(ctx, SettingsSnapshot{
			SavedAt:    time.Unix(int64(1000+i), 0),
			Threshold:  0.1,
			Count:      count,
			Interval:   5,
			AfterAllow: i == 0,
			Reason:     "save",
		})
		if err != nil {
			t.Fatalf("RecordSettings: %v", err)
		}
	}

	latest, err := s.LatestSettings(ctx)
	if err != nil {
		t.Fatalf("LatestSettings: %v", err)
	}
	if latest.Count != 40 || latest.AfterAllow || latest.Reason != "save" {
		t.Errorf("unexpected latest snapshot %+v", latest)
	}
}

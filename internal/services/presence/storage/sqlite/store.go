// Package sqlite provides a SQLite-backed assignment journal.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/tpflaum/Guardian/internal/platform/storage/sqlitemigrate"
	"github.com/tpflaum/Guardian/internal/services/presence/storage"
	"github.com/tpflaum/Guardian/internal/services/presence/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store appends presence journal events to SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite journal store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append inserts one journal event.
func (s *Store) Append(ctx context.Context, event storage.JournalEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	kind := strings.TrimSpace(string(event.Kind))
	requesterID := strings.TrimSpace(event.RequesterSessionID)
	if kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if requesterID == "" {
		return fmt.Errorf("requester session id is required")
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var lat, lng sql.NullFloat64
	if event.Lat != nil {
		lat = sql.NullFloat64{Float64: *event.Lat, Valid: true}
	}
	if event.Lng != nil {
		lng = sql.NullFloat64{Float64: *event.Lng, Valid: true}
	}
	var guardianID sql.NullString
	if strings.TrimSpace(event.GuardianSessionID) != "" {
		guardianID = sql.NullString{String: strings.TrimSpace(event.GuardianSessionID), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO journal_events (
		   kind,
		   requester_session_id,
		   guardian_session_id,
		   lat,
		   lng,
		   occurred_at
		 ) VALUES (?, ?, ?, ?, ?, ?)`,
		kind,
		requesterID,
		guardianID,
		lat,
		lng,
		toMillis(occurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert journal event: %w", err)
	}
	return nil
}

// EventsForRequester lists events for one requester session in append order.
func (s *Store) EventsForRequester(ctx context.Context, requesterSessionID string) ([]storage.JournalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	requesterID := strings.TrimSpace(requesterSessionID)
	if requesterID == "" {
		return nil, fmt.Errorf("requester session id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT kind, requester_session_id, guardian_session_id, lat, lng, occurred_at
		   FROM journal_events
		  WHERE requester_session_id = ?
		  ORDER BY id ASC`,
		requesterID,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal events: %w", err)
	}
	defer rows.Close()

	var events []storage.JournalEvent
	for rows.Next() {
		var (
			kind       string
			requester  string
			guardianID sql.NullString
			lat        sql.NullFloat64
			lng        sql.NullFloat64
			occurredAt int64
		)
		if err := rows.Scan(&kind, &requester, &guardianID, &lat, &lng, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		event := storage.JournalEvent{
			Kind:               storage.JournalEventKind(kind),
			RequesterSessionID: requester,
			OccurredAt:         fromMillis(occurredAt),
		}
		if guardianID.Valid {
			event.GuardianSessionID = guardianID.String
		}
		if lat.Valid {
			value := lat.Float64
			event.Lat = &value
		}
		if lng.Valid {
			value := lng.Float64
			event.Lng = &value
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal events: %w", err)
	}
	return events, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/rtt-pathway-engine/internal/domain"
)

// EventStore implements domain.EventRecorder on PostgreSQL via database/sql.
// The audit log is append-only; events are never updated or deleted.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store on an existing connection.
// The schema is expected to exist already (created via migrations).
func NewEventStore(db *sql.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &EventStore{db: db}, nil
}

// NewEventStoreFromURL opens a connection from a URL and wraps it.
func NewEventStoreFromURL(databaseURL string) (*EventStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewEventStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// RecordEvent appends one audit record.
func (s *EventStore) RecordEvent(ctx context.Context, event *domain.TriageEvent) error {
	query := `
		INSERT INTO triage_events (
			id, referral_id, from_status, to_status,
			from_triage, to_triage, reason, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ReferralID,
		string(event.FromStatus),
		string(event.ToStatus),
		string(event.FromTriage),
		string(event.ToTriage),
		event.Reason,
		event.Actor,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// EventsForReferral returns a referral's audit trail, oldest first.
func (s *EventStore) EventsForReferral(ctx context.Context, referralID string) ([]*domain.TriageEvent, error) {
	query := `
		SELECT id, referral_id, from_status, to_status,
			from_triage, to_triage, reason, actor, created_at
		FROM triage_events
		WHERE referral_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, referralID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var result []*domain.TriageEvent
	for rows.Next() {
		event := &domain.TriageEvent{}
		var fromStatus, toStatus, fromTriage, toTriage string

		err := rows.Scan(
			&event.ID, &event.ReferralID, &fromStatus, &toStatus,
			&fromTriage, &toTriage, &event.Reason, &event.Actor, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		event.FromStatus = domain.Status(fromStatus)
		event.ToStatus = domain.Status(toStatus)
		event.FromTriage = domain.TriageStatus(fromTriage)
		event.ToTriage = domain.TriageStatus(toTriage)
		result = append(result, event)
	}

	return result, rows.Err()
}

// CountForReferral returns the number of recorded events for a referral.
func (s *EventStore) CountForReferral(ctx context.Context, referralID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM triage_events WHERE referral_id = $1", referralID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Close closes the store and releases resources.
func (s *EventStore) Close() error {
	return s.db.Close()
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rtt-pathway-engine/internal/domain"
)

// SQLiteStore implements domain.ReferralStore on an embedded SQLite file.
// It backs single-box and development deployments where running PostgreSQL
// is not worth the operational cost.
//
// The whole aggregate is stored as one JSON document per row plus the
// columns the store itself needs for lookups. All filtering and sorting
// happens in the query engine, never in SQL.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database file and schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createReferralSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createReferralSchema creates the database tables and indexes.
func createReferralSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		ubrn TEXT NOT NULL UNIQUE,
		specialty TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created DATETIME NOT NULL,
		document TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_specialty ON referrals(specialty);
	CREATE INDEX IF NOT EXISTS idx_referrals_status ON referrals(status);
	CREATE INDEX IF NOT EXISTS idx_referrals_created ON referrals(created);

	CREATE TABLE IF NOT EXISTS triage_events (
		id TEXT PRIMARY KEY,
		referral_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		from_triage TEXT DEFAULT '',
		to_triage TEXT DEFAULT '',
		reason TEXT DEFAULT '',
		actor TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_referral ON triage_events(referral_id);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateReferral stores a brand-new referral.
func (s *SQLiteStore) CreateReferral(ctx context.Context, referral *domain.Referral) error {
	if err := referral.Validate(); err != nil {
		return err
	}

	document, err := json.Marshal(referral)
	if err != nil {
		return fmt.Errorf("failed to encode referral: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO referrals (id, ubrn, specialty, status, created, document)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		referral.ID, referral.UBRN, referral.Specialty,
		string(referral.Status), referral.Created, string(document),
	)
	if err != nil {
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

// GetReferral fetches a single referral by ID.
func (s *SQLiteStore) GetReferral(ctx context.Context, id string) (*domain.Referral, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM referrals WHERE id = ?", id,
	).Scan(&document)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("referral %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}

	referral := &domain.Referral{}
	if err := json.Unmarshal([]byte(document), referral); err != nil {
		return nil, fmt.Errorf("failed to decode referral: %w", err)
	}
	return referral, nil
}

// LoadReferrals bulk-fetches referrals, optionally filtered by specialty.
func (s *SQLiteStore) LoadReferrals(ctx context.Context, specialties []string) ([]*domain.Referral, error) {
	query := "SELECT document FROM referrals ORDER BY created ASC"
	args := []interface{}{}
	if len(specialties) > 0 {
		query = "SELECT document FROM referrals WHERE specialty IN (?" +
			repeatPlaceholder(len(specialties)-1) + ") ORDER BY created ASC"
		for _, sp := range specialties {
			args = append(args, sp)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load referrals: %w", err)
	}
	defer rows.Close()

	var result []*domain.Referral
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		referral := &domain.Referral{}
		if err := json.Unmarshal([]byte(document), referral); err != nil {
			return nil, fmt.Errorf("failed to decode referral: %w", err)
		}
		result = append(result, referral)
	}

	return result, rows.Err()
}

// PersistTransition commits a validated transition by replacing the row.
func (s *SQLiteStore) PersistTransition(ctx context.Context, referral *domain.Referral) error {
	document, err := json.Marshal(referral)
	if err != nil {
		return fmt.Errorf("failed to encode referral: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE referrals SET specialty = ?, status = ?, document = ? WHERE id = ?`,
		referral.Specialty, string(referral.Status), string(document), referral.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("referral %s: %w", referral.ID, domain.ErrNotFound)
	}
	return nil
}

// PersistTags replaces the stored tag set by rewriting the document.
func (s *SQLiteStore) PersistTags(ctx context.Context, referralID string, tags []string) error {
	referral, err := s.GetReferral(ctx, referralID)
	if err != nil {
		return err
	}
	referral.Tags = append([]string(nil), tags...)
	return s.PersistTransition(ctx, referral)
}

// RecordEvent appends one audit record, satisfying domain.EventRecorder so
// embedded deployments get the audit trail without a second database.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *domain.TriageEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triage_events (
			id, referral_id, from_status, to_status,
			from_triage, to_triage, reason, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ReferralID,
		string(event.FromStatus), string(event.ToStatus),
		string(event.FromTriage), string(event.ToTriage),
		event.Reason, event.Actor, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// EventsForReferral returns a referral's audit trail, oldest first.
func (s *SQLiteStore) EventsForReferral(ctx context.Context, referralID string) ([]*domain.TriageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, referral_id, from_status, to_status,
			from_triage, to_triage, reason, actor, created_at
		 FROM triage_events WHERE referral_id = ? ORDER BY created_at ASC`,
		referralID,
	)
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

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

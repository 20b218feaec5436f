// Package repository provides the persistence implementations behind the
// domain store interfaces: a PostgreSQL referral store on pgx, an embedded
// SQLite store for single-box deployments, and a database/sql event log.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// ReferralRepository handles referral persistence on PostgreSQL.
//
// Query-relevant fields live in scalar columns; the nested aggregate parts
// (patient, RTT snapshot, care pathway, allocation) are stored as JSONB so
// the schema tracks the domain model without a column per leaf.
type ReferralRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReferralRepository creates a new referral repository.
func NewReferralRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReferralRepository {
	return &ReferralRepository{
		db:  db,
		log: logger,
	}
}

const referralColumns = `
	id, ubrn, patient, created, updated_at, status, triage_status,
	priority, specialty, service, location,
	reason, history, diagnosis, medications, notes,
	parent_referral_id, child_referral_ids, rtt, care_pathway,
	tags, display_order, allocation, rejection_reason`

// CreateReferral inserts a new referral, including sub-referrals spawned
// from a parent.
func (r *ReferralRepository) CreateReferral(ctx context.Context, referral *domain.Referral) error {
	if err := referral.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO referrals (` + referralColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)`

	args, err := referralArgs(referral)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"referral_id": referral.ID,
			"ubrn":        referral.UBRN,
			"error":       err,
		}).Error("Failed to create referral")
		return fmt.Errorf("creating referral: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"referral_id": referral.ID,
		"ubrn":        referral.UBRN,
		"specialty":   referral.Specialty,
	}).Info("Referral created")

	return nil
}

// GetReferral retrieves a referral by its ID.
func (r *ReferralRepository) GetReferral(ctx context.Context, id string) (*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id = $1`

	referral, err := scanReferral(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("referral %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"referral_id": id,
			"error":       err,
		}).Error("Failed to get referral")
		return nil, fmt.Errorf("getting referral: %w", err)
	}

	return referral, nil
}

// LoadReferrals bulk-fetches referrals, optionally filtered by specialty.
// Base order is creation time; manual display order is applied by the
// query engine, not the store.
func (r *ReferralRepository) LoadReferrals(ctx context.Context, specialties []string) ([]*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals ORDER BY created ASC`
	args := []interface{}{}
	if len(specialties) > 0 {
		query = `SELECT ` + referralColumns + ` FROM referrals WHERE specialty = ANY($1) ORDER BY created ASC`
		args = append(args, specialties)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"specialties": specialties,
			"error":       err,
		}).Error("Failed to load referrals")
		return nil, fmt.Errorf("loading referrals: %w", err)
	}
	defer rows.Close()

	var referrals []*domain.Referral
	for rows.Next() {
		referral, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning referral row: %w", err)
		}
		referrals = append(referrals, referral)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating referral rows: %w", err)
	}

	return referrals, nil
}

// PersistTransition commits a validated transition by replacing the stored
// row. The UBRN and creation time are immutable and never updated.
func (r *ReferralRepository) PersistTransition(ctx context.Context, referral *domain.Referral) error {
	query := `
		UPDATE referrals
		SET patient = $2, updated_at = $3, status = $4, triage_status = $5,
			priority = $6, specialty = $7, service = $8, location = $9,
			reason = $10, history = $11, diagnosis = $12, medications = $13,
			notes = $14, parent_referral_id = $15, child_referral_ids = $16,
			rtt = $17, care_pathway = $18, tags = $19, display_order = $20,
			allocation = $21, rejection_reason = $22
		WHERE id = $1`

	patient, rtt, carePathway, allocation, children, tags, err := encodeNested(referral)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(ctx, query,
		referral.ID,
		patient,
		referral.UpdatedAt,
		string(referral.Status),
		string(referral.TriageStatus),
		string(referral.Priority),
		referral.Specialty,
		referral.Service,
		referral.Location,
		referral.Reason,
		referral.History,
		referral.Diagnosis,
		referral.Medications,
		referral.Notes,
		referral.ParentReferralID,
		children,
		rtt,
		carePathway,
		tags,
		referral.DisplayOrder,
		allocation,
		referral.RejectionReason,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"referral_id": referral.ID,
			"status":      referral.Status,
			"error":       err,
		}).Error("Failed to persist transition")
		return fmt.Errorf("persisting transition: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("referral %s: %w", referral.ID, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"referral_id":   referral.ID,
		"status":        referral.Status,
		"triage_status": referral.TriageStatus,
	}).Info("Transition persisted")

	return nil
}

// PersistTags replaces the stored tag set for a referral.
func (r *ReferralRepository) PersistTags(ctx context.Context, referralID string, tags []string) error {
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	result, err := r.db.Exec(ctx,
		`UPDATE referrals SET tags = $2, updated_at = NOW() WHERE id = $1`,
		referralID, encoded,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"referral_id": referralID,
			"error":       err,
		}).Error("Failed to persist tags")
		return fmt.Errorf("persisting tags: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("referral %s: %w", referralID, domain.ErrNotFound)
	}

	return nil
}

// Delete removes a referral.
func (r *ReferralRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM referrals WHERE id = $1`, id)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"referral_id": id,
			"error":       err,
		}).Error("Failed to delete referral")
		return fmt.Errorf("deleting referral: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("referral %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// referralArgs flattens a referral into the insert parameter list, in
// referralColumns order.
func referralArgs(referral *domain.Referral) ([]interface{}, error) {
	patient, rtt, carePathway, allocation, children, tags, err := encodeNested(referral)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		referral.ID,
		referral.UBRN,
		patient,
		referral.Created,
		referral.UpdatedAt,
		string(referral.Status),
		string(referral.TriageStatus),
		string(referral.Priority),
		referral.Specialty,
		referral.Service,
		referral.Location,
		referral.Reason,
		referral.History,
		referral.Diagnosis,
		referral.Medications,
		referral.Notes,
		referral.ParentReferralID,
		children,
		rtt,
		carePathway,
		tags,
		referral.DisplayOrder,
		allocation,
		referral.RejectionReason,
	}, nil
}

// encodeNested serializes the JSONB aggregate parts. Nil parts encode as
// SQL NULL so reads round-trip to nil pointers.
func encodeNested(referral *domain.Referral) (patient, rtt, carePathway, allocation, children, tags []byte, err error) {
	patient, err = json.Marshal(referral.Patient)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding patient: %w", err)
	}
	if referral.RTT != nil {
		rtt, err = json.Marshal(referral.RTT)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding rtt pathway: %w", err)
		}
	}
	if referral.CarePathway != nil {
		carePathway, err = json.Marshal(referral.CarePathway)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding care pathway: %w", err)
		}
	}
	if referral.Allocation != nil {
		allocation, err = json.Marshal(referral.Allocation)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding allocation: %w", err)
		}
	}
	if len(referral.ChildReferralIDs) > 0 {
		children, err = json.Marshal(referral.ChildReferralIDs)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding child ids: %w", err)
		}
	}
	if len(referral.Tags) > 0 {
		tags, err = json.Marshal(referral.Tags)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("encoding tags: %w", err)
		}
	}
	return patient, rtt, carePathway, allocation, children, tags, nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanReferral rebuilds the aggregate from one row, in referralColumns order.
func scanReferral(row rowScanner) (*domain.Referral, error) {
	var (
		referral     domain.Referral
		status       string
		triageStatus string
		priority     string
		created      time.Time
		updatedAt    time.Time
		patient      []byte
		rtt          []byte
		carePathway  []byte
		allocation   []byte
		children     []byte
		tags         []byte
	)

	err := row.Scan(
		&referral.ID,
		&referral.UBRN,
		&patient,
		&created,
		&updatedAt,
		&status,
		&triageStatus,
		&priority,
		&referral.Specialty,
		&referral.Service,
		&referral.Location,
		&referral.Reason,
		&referral.History,
		&referral.Diagnosis,
		&referral.Medications,
		&referral.Notes,
		&referral.ParentReferralID,
		&children,
		&rtt,
		&carePathway,
		&tags,
		&referral.DisplayOrder,
		&allocation,
		&referral.RejectionReason,
	)
	if err != nil {
		return nil, err
	}

	referral.Created = created
	referral.UpdatedAt = updatedAt
	referral.Status = domain.Status(status)
	referral.TriageStatus = domain.TriageStatus(triageStatus)
	referral.Priority = domain.Priority(priority)

	if err := json.Unmarshal(patient, &referral.Patient); err != nil {
		return nil, fmt.Errorf("decoding patient: %w", err)
	}
	if len(rtt) > 0 {
		referral.RTT = &domain.RTTPathway{}
		if err := json.Unmarshal(rtt, referral.RTT); err != nil {
			return nil, fmt.Errorf("decoding rtt pathway: %w", err)
		}
	}
	if len(carePathway) > 0 {
		referral.CarePathway = &domain.CarePathway{}
		if err := json.Unmarshal(carePathway, referral.CarePathway); err != nil {
			return nil, fmt.Errorf("decoding care pathway: %w", err)
		}
	}
	if len(allocation) > 0 {
		referral.Allocation = &domain.AllocationDetail{}
		if err := json.Unmarshal(allocation, referral.Allocation); err != nil {
			return nil, fmt.Errorf("decoding allocation: %w", err)
		}
	}
	if len(children) > 0 {
		if err := json.Unmarshal(children, &referral.ChildReferralIDs); err != nil {
			return nil, fmt.Errorf("decoding child ids: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &referral.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}

	return &referral, nil
}

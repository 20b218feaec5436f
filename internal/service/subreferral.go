package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// SubReferralService maintains the parent/child links between referrals.
// The links form a forest: every referral has at most one parent, no
// referral is its own ancestor, and nesting is capped at one level (a child
// cannot itself gain children).
type SubReferralService struct {
	logger *logrus.Logger
}

// NewSubReferralService creates a new sub-referral service.
func NewSubReferralService(logger *logrus.Logger) *SubReferralService {
	return &SubReferralService{logger: logger}
}

// ChildPayload is the clinical content of a new sub-referral. The child
// shares the parent's patient but carries its own payload and lifecycle.
type ChildPayload struct {
	Specialty   string          `json:"specialty"`
	Service     string          `json:"service,omitempty"`
	Priority    domain.Priority `json:"priority,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	History     string          `json:"history,omitempty"`
	Diagnosis   string          `json:"diagnosis,omitempty"`
	Medications string          `json:"medications,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// CreateChild builds a sub-referral under the given parent. It returns the
// new child plus an updated copy of the parent carrying the back-reference;
// neither input is mutated. The child starts its own state machine (status
// new) and its own RTT clock (clock start = now, never inherited).
//
// Preconditions: the parent is accepted, has no existing children, and is
// not itself a child. Discharging the parent later does not cascade to the
// child.
func (s *SubReferralService) CreateChild(parent *domain.Referral, payload ChildPayload, now time.Time) (*domain.Referral, *domain.Referral, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if parent.Status != domain.StatusAccepted {
		return nil, nil, &domain.HierarchyViolationError{
			ParentID: parent.ID,
			Detail:   "sub-referrals require an accepted parent",
		}
	}
	if parent.IsChild() {
		return nil, nil, &domain.HierarchyViolationError{
			ParentID: parent.ID,
			Detail:   "parent is itself a sub-referral; nesting is capped at one level",
		}
	}
	if len(parent.ChildReferralIDs) > 0 {
		return nil, nil, &domain.HierarchyViolationError{
			ParentID: parent.ID,
			Detail:   "parent already has a sub-referral",
		}
	}
	if payload.Specialty == "" {
		return nil, nil, domain.NewValidationError("specialty", "sub-referral requires a specialty", nil)
	}

	priority := payload.Priority
	if priority == "" {
		priority = parent.Priority
	}
	if !priority.IsValid() {
		return nil, nil, domain.NewValidationError("priority", "unknown priority", string(payload.Priority))
	}

	childID := uuid.NewString()
	child := &domain.Referral{
		ID:               childID,
		UBRN:             deriveChildUBRN(parent.UBRN, childID),
		Patient:          parent.Patient,
		Created:          now,
		UpdatedAt:        now,
		Status:           domain.StatusNew,
		Priority:         priority,
		Specialty:        payload.Specialty,
		Service:          payload.Service,
		Location:         parent.Location,
		Reason:           payload.Reason,
		History:          payload.History,
		Diagnosis:        payload.Diagnosis,
		Medications:      payload.Medications,
		Notes:            payload.Notes,
		ParentReferralID: parent.ID,
	}
	RecomputePathway(child, now)

	updatedParent := parent.Clone()
	updatedParent.ChildReferralIDs = append(updatedParent.ChildReferralIDs, child.ID)
	updatedParent.UpdatedAt = now

	s.logger.WithFields(logrus.Fields{
		"parent_id": parent.ID,
		"child_id":  child.ID,
		"specialty": child.Specialty,
	}).Info("Sub-referral created")

	return child, updatedParent, nil
}

// IsAncestor walks the parent chain of a snapshot set and reports whether
// ancestorID appears above referralID. CreateChild already prevents deep
// nesting for locally created referrals; this check guards snapshots loaded
// from elsewhere before a link is accepted.
func IsAncestor(snapshots map[string]*domain.Referral, ancestorID, referralID string) bool {
	seen := make(map[string]bool)
	current := referralID
	for {
		ref, ok := snapshots[current]
		if !ok || ref.ParentReferralID == "" {
			return false
		}
		if ref.ParentReferralID == ancestorID {
			return true
		}
		if seen[ref.ParentReferralID] {
			// Malformed snapshot with a pre-existing cycle; stop walking.
			return false
		}
		seen[ref.ParentReferralID] = true
		current = ref.ParentReferralID
	}
}

// ValidateLink checks that attaching childID under parentID keeps the
// snapshot set a forest.
func ValidateLink(snapshots map[string]*domain.Referral, parentID, childID string) error {
	if parentID == childID {
		return &domain.HierarchyViolationError{ParentID: parentID, ChildID: childID, Cycle: true,
			Detail: "referral cannot be its own parent"}
	}
	if _, ok := snapshots[parentID]; !ok {
		return &domain.HierarchyViolationError{ParentID: parentID, ChildID: childID,
			Detail: "parent referral does not exist"}
	}
	if IsAncestor(snapshots, childID, parentID) {
		return &domain.HierarchyViolationError{ParentID: parentID, ChildID: childID, Cycle: true,
			Detail: "link would make the referral its own ancestor"}
	}
	return nil
}

// deriveChildUBRN produces a stable booking reference for a sub-referral.
// Real UBRNs are issued by the booking system; until persisted the child
// carries a derived reference so it is traceable to its parent.
func deriveChildUBRN(parentUBRN, childID string) string {
	suffix := childID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return parentUBRN + "-" + suffix
}

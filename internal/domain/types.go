// Package domain contains core business entities and types for referral triage
// and Referral-to-Treatment (RTT) pathway tracking.
//
// The RTT clock follows the NHS 18-week (126-day) referral-to-treatment
// standard: the clock starts when a referral is received and stops on
// treatment or discharge, with clock pauses extending the target date.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the top-level lifecycle state of a referral.
type Status string

const (
	StatusNew        Status = "new"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusDischarged Status = "discharged"
)

// TriageStatus represents the clinical workup position of an accepted
// referral. It is defined if and only if the referral status is accepted.
type TriageStatus string

const (
	TriagePreAssessment TriageStatus = "pre-assessment"
	TriageAssessed      TriageStatus = "assessed"
	TriagePreAdmission  TriageStatus = "pre-admission-assessment"
	TriageWaitingList   TriageStatus = "waiting-list"
	TriageReferOn       TriageStatus = "refer-to-another-specialty"
)

// Priority represents the clinical urgency of a referral or care pathway.
type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// BreachRisk classifies how close a referral is to exceeding its RTT target.
type BreachRisk string

const (
	BreachRiskBreached BreachRisk = "breached"
	BreachRiskHigh     BreachRisk = "high"
	BreachRiskMedium   BreachRisk = "medium"
	BreachRiskLow      BreachRisk = "low"
)

// PathwayStatus represents the state of an RTT pathway clock.
type PathwayStatus string

const (
	PathwayActive       PathwayStatus = "active"
	PathwayPaused       PathwayStatus = "paused"
	PathwayCompleted    PathwayStatus = "completed"
	PathwayDiscontinued PathwayStatus = "discontinued"
)

// AppointmentBucket is a derived grouping of waiting-list referrals by
// appointment state. It is never stored; it is computed from the triage
// status and the referral age at query time.
type AppointmentBucket string

const (
	BucketOverdue   AppointmentBucket = "overdue"
	BucketDue       AppointmentBucket = "due"
	BucketScheduled AppointmentBucket = "scheduled"
	BucketBooked    AppointmentBucket = "booked"
	BucketCompleted AppointmentBucket = "completed"
)

// SuggestionType categorizes triage action suggestions.
type SuggestionType string

const (
	SuggestionReview        SuggestionType = "review"
	SuggestionTriageStatus  SuggestionType = "triage-status"
	SuggestionAppointment   SuggestionType = "appointment"
	SuggestionWaitingList   SuggestionType = "waiting-list"
	SuggestionTagging       SuggestionType = "tagging"
	SuggestionDocumentation SuggestionType = "documentation"
	SuggestionFollowUp      SuggestionType = "follow-up"
)

// Validation errors for clinical data integrity
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidStatus       = errors.New("invalid referral status")
	ErrInvalidTriageStatus = errors.New("invalid triage status")
	ErrInvalidPriority     = errors.New("invalid priority")
	ErrInvalidBreachRisk   = errors.New("invalid breach risk")
)

// RTTTargetDays is the NHS referral-to-treatment standard: 18 weeks.
const RTTTargetDays = 126

// Breach-risk thresholds in whole days remaining.
const (
	BreachHighThresholdDays   = 28
	BreachMediumThresholdDays = 56
)

// IsValid validates the referral status against the closed state set.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusAccepted, StatusRejected, StatusDischarged:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is absorbing: no further
// transitions are permitted from it.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusDischarged
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid validates the triage status against the closed state set.
func (ts TriageStatus) IsValid() bool {
	switch ts {
	case TriagePreAssessment, TriageAssessed, TriagePreAdmission, TriageWaitingList, TriageReferOn:
		return true
	default:
		return false
	}
}

// String returns the string representation of the triage status.
func (ts TriageStatus) String() string {
	return string(ts)
}

// IsValid validates the priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityEmergency:
		return true
	default:
		return false
	}
}

// Rank returns the total order used for sorting: emergency > urgent > routine.
// Unknown priorities rank below routine.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 3
	case PriorityUrgent:
		return 2
	case PriorityRoutine:
		return 1
	default:
		return 0
	}
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// IsValid validates the breach risk classification.
func (br BreachRisk) IsValid() bool {
	switch br {
	case BreachRiskBreached, BreachRiskHigh, BreachRiskMedium, BreachRiskLow:
		return true
	default:
		return false
	}
}

// String returns the string representation of the breach risk.
func (br BreachRisk) String() string {
	return string(br)
}

// BreachRiskFor classifies days remaining against the fixed thresholds.
// It is a pure function: <=0 breached, 1..28 high, 29..56 medium, >56 low.
func BreachRiskFor(daysRemaining int) BreachRisk {
	switch {
	case daysRemaining <= 0:
		return BreachRiskBreached
	case daysRemaining <= BreachHighThresholdDays:
		return BreachRiskHigh
	case daysRemaining <= BreachMediumThresholdDays:
		return BreachRiskMedium
	default:
		return BreachRiskLow
	}
}

// IsValid validates the pathway status.
func (ps PathwayStatus) IsValid() bool {
	switch ps {
	case PathwayActive, PathwayPaused, PathwayCompleted, PathwayDiscontinued:
		return true
	default:
		return false
	}
}

// Rank returns the total order used for sorting care pathway status:
// active > paused > completed > discontinued.
func (ps PathwayStatus) Rank() int {
	switch ps {
	case PathwayActive:
		return 4
	case PathwayPaused:
		return 3
	case PathwayCompleted:
		return 2
	case PathwayDiscontinued:
		return 1
	default:
		return 0
	}
}

// String returns the string representation of the pathway status.
func (ps PathwayStatus) String() string {
	return string(ps)
}

// IsValid validates the suggestion type.
func (st SuggestionType) IsValid() bool {
	switch st {
	case SuggestionReview, SuggestionTriageStatus, SuggestionAppointment,
		SuggestionWaitingList, SuggestionTagging, SuggestionDocumentation, SuggestionFollowUp:
		return true
	default:
		return false
	}
}

// String returns the string representation of the suggestion type.
func (st SuggestionType) String() string {
	return string(st)
}

// LogFields returns structured logging fields for audit trails.
// Clinical transitions must be traceable, so callers attach these fields
// to every transition log entry.
func (s Status) LogFields() map[string]any {
	return map[string]any{
		"status":      string(s),
		"is_valid":    s.IsValid(),
		"is_terminal": s.IsTerminal(),
	}
}

// LogFields returns structured logging fields for breach classification.
func (br BreachRisk) LogFields() map[string]any {
	return map[string]any{
		"breach_risk":     string(br),
		"is_valid":        br.IsValid(),
		"requires_action": br == BreachRiskBreached || br == BreachRiskHigh,
	}
}

// AppointmentBucketFor derives the appointment bucket for a referral at the
// given evaluation time. Referrals outside the relevant triage states have
// no bucket and return ("", false).
func AppointmentBucketFor(triage TriageStatus, created time.Time, now time.Time) (AppointmentBucket, bool) {
	switch triage {
	case TriagePreAdmission:
		return BucketBooked, true
	case TriageAssessed:
		return BucketCompleted, true
	case TriageWaitingList:
		ageDays := int(now.Sub(created).Hours() / 24)
		switch {
		case ageDays > 60:
			return BucketOverdue, true
		case ageDays > 30:
			return BucketDue, true
		default:
			return BucketScheduled, true
		}
	default:
		return "", false
	}
}

// ParseStatus converts a raw string into a validated Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("parsing status %q: %w", raw, ErrInvalidStatus)
	}
	return s, nil
}

// ParseTriageStatus converts a raw string into a validated TriageStatus.
func ParseTriageStatus(raw string) (TriageStatus, error) {
	ts := TriageStatus(raw)
	if !ts.IsValid() {
		return "", fmt.Errorf("parsing triage status %q: %w", raw, ErrInvalidTriageStatus)
	}
	return ts, nil
}

// ParsePriority converts a raw string into a validated Priority.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(raw)
	if !p.IsValid() {
		return "", fmt.Errorf("parsing priority %q: %w", raw, ErrInvalidPriority)
	}
	return p, nil
}

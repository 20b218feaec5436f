package domain

import (
	"errors"
	"fmt"
	"time"
)

// Patient identifies the subject of a referral. Parent and child referrals
// always share the same patient.
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	NHSNumber   string    `json:"nhs_number,omitempty"`
	DateOfBirth time.Time `json:"date_of_birth,omitempty"`
}

// PausePeriod is one entry in an RTT pathway's pause history. An open pause
// has a nil EndDate and freezes the days-remaining computation at StartDate.
type PausePeriod struct {
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Reason    string     `json:"reason"`
}

// IsOpen reports whether the pause has not yet been resumed.
func (p PausePeriod) IsOpen() bool {
	return p.EndDate == nil
}

// RTTPathway is the denormalized snapshot of the pathway clock's output.
// It is derived data: TargetDate, DaysRemaining and BreachRisk are a pure
// function of ClockStart, PauseHistory and the evaluation time, and must be
// recomputed on read or on transition rather than trusted from storage.
type RTTPathway struct {
	ClockStart    time.Time     `json:"clock_start"`
	TargetDate    time.Time     `json:"target_date"`
	DaysRemaining int           `json:"days_remaining"`
	BreachRisk    BreachRisk    `json:"breach_risk"`
	Status        PathwayStatus `json:"status"`
	PauseHistory  []PausePeriod `json:"pause_history,omitempty"`
}

// Clone returns a deep copy of the pathway snapshot.
func (rtt *RTTPathway) Clone() *RTTPathway {
	if rtt == nil {
		return nil
	}
	cp := *rtt
	if rtt.PauseHistory != nil {
		cp.PauseHistory = make([]PausePeriod, len(rtt.PauseHistory))
		copy(cp.PauseHistory, rtt.PauseHistory)
		for i, p := range rtt.PauseHistory {
			if p.EndDate != nil {
				end := *p.EndDate
				cp.PauseHistory[i].EndDate = &end
			}
		}
	}
	return &cp
}

// OpenPause returns the currently open pause, if any. At most one pause may
// be open at a time.
func (rtt *RTTPathway) OpenPause() *PausePeriod {
	for i := range rtt.PauseHistory {
		if rtt.PauseHistory[i].IsOpen() {
			return &rtt.PauseHistory[i]
		}
	}
	return nil
}

// CarePathway is an optional named clinical pathway (for example a cancer
// two-week-wait) attached to a referral. It carries its own priority and
// status, independent of the RTT clock.
type CarePathway struct {
	Name     string        `json:"name"`
	Priority Priority      `json:"priority"`
	Status   PathwayStatus `json:"status"`
}

// AllocationDetail records the team or professional a referral was allocated
// to on acceptance. Allocation is a side-channel attribute: its absence never
// blocks a transition.
type AllocationDetail struct {
	TeamID         string `json:"team_id,omitempty"`
	ProfessionalID string `json:"professional_id,omitempty"`
}

// Referral is the central aggregate: a clinical referral moving through
// triage with its RTT pathway snapshot and sub-referral links.
type Referral struct {
	ID   string `json:"id" validate:"required"`
	UBRN string `json:"ubrn" validate:"required"` // unique booking reference, immutable

	Patient Patient `json:"patient"`

	Created   time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated_at"`

	Status       Status       `json:"status"`
	TriageStatus TriageStatus `json:"triage_status,omitempty"` // set iff status = accepted

	Priority  Priority `json:"priority"`
	Specialty string   `json:"specialty"`
	Service   string   `json:"service,omitempty"`
	Location  string   `json:"location,omitempty"`

	// Clinical payload, consumed but never mutated by the suggestion engine.
	Reason      string `json:"reason,omitempty"`
	History     string `json:"history,omitempty"`
	Diagnosis   string `json:"diagnosis,omitempty"`
	Medications string `json:"medications,omitempty"`
	Notes       string `json:"notes,omitempty"`

	ParentReferralID string   `json:"parent_referral_id,omitempty"`
	ChildReferralIDs []string `json:"child_referral_ids,omitempty"`

	RTT         *RTTPathway  `json:"rtt,omitempty"`
	CarePathway *CarePathway `json:"care_pathway,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// DisplayOrder is set only by manual reordering; nil by default.
	DisplayOrder *int `json:"display_order,omitempty"`

	Allocation      *AllocationDetail `json:"allocation,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
}

// Clone returns a deep copy of the referral. Transition validation and
// persistence rollback both rely on the copy sharing nothing mutable with
// the original.
func (r *Referral) Clone() *Referral {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RTT = r.RTT.Clone()
	if r.CarePathway != nil {
		cpw := *r.CarePathway
		cp.CarePathway = &cpw
	}
	if r.Allocation != nil {
		alloc := *r.Allocation
		cp.Allocation = &alloc
	}
	if r.ChildReferralIDs != nil {
		cp.ChildReferralIDs = append([]string(nil), r.ChildReferralIDs...)
	}
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.DisplayOrder != nil {
		order := *r.DisplayOrder
		cp.DisplayOrder = &order
	}
	return &cp
}

// HasTag reports whether the referral carries the given tag.
func (r *Referral) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag, enforcing uniqueness. Returns true if added.
func (r *Referral) AddTag(tag string) bool {
	if tag == "" || r.HasTag(tag) {
		return false
	}
	r.Tags = append(r.Tags, tag)
	return true
}

// IsChild reports whether this referral was spawned from a parent.
func (r *Referral) IsChild() bool {
	return r.ParentReferralID != ""
}

// Validate ensures the referral satisfies the structural invariants before
// it enters the triage pipeline.
func (r *Referral) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("referral validation: %w", errors.New("ID is required"))
	}
	if r.UBRN == "" {
		return fmt.Errorf("referral validation: %w", errors.New("UBRN is required"))
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("referral validation: %w", ErrInvalidStatus)
	}
	// triageStatus is defined if and only if the referral is accepted
	if r.Status == StatusAccepted {
		if r.TriageStatus != "" && !r.TriageStatus.IsValid() {
			return fmt.Errorf("referral validation: %w", ErrInvalidTriageStatus)
		}
	} else if r.TriageStatus != "" {
		return fmt.Errorf("referral validation: triage status %q set on %s referral", r.TriageStatus, r.Status)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("referral validation: %w", ErrInvalidPriority)
	}
	if r.RTT != nil && r.RTT.TargetDate.Before(r.RTT.ClockStart) {
		return fmt.Errorf("referral validation: %w", errors.New("RTT target date precedes clock start"))
	}
	return nil
}

// AgeDays returns the whole days elapsed since the referral was created.
func (r *Referral) AgeDays(now time.Time) int {
	return int(now.Sub(r.Created).Hours() / 24)
}

// TriageEvent is one append-only audit record of a referral transition.
type TriageEvent struct {
	ID         string       `json:"id"`
	ReferralID string       `json:"referral_id"`
	FromStatus Status       `json:"from_status"`
	ToStatus   Status       `json:"to_status"`
	FromTriage TriageStatus `json:"from_triage,omitempty"`
	ToTriage   TriageStatus `json:"to_triage,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Actor      string       `json:"actor,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Suggestion is a single triage action recommendation. Suggestions are
// immutable once generated and are never persisted as part of the referral
// aggregate.
type Suggestion struct {
	ID          string         `json:"id"`
	Type        SuggestionType `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"` // in [0,1]
	Reasoning   string         `json:"reasoning"`
	Priority    Priority       `json:"priority"`
	Actionable  bool           `json:"actionable"`

	// Type-specific payload.
	SuggestedTriageStatus TriageStatus `json:"suggested_triage_status,omitempty"`
	SuggestedTags         []string     `json:"suggested_tags,omitempty"`
	SuggestedSpecialty    string       `json:"suggested_specialty,omitempty"`
}

// BulkSuggestion is a recommendation derived from shared characteristics of
// a batch of referrals, independent of any single referral's state machine
// position.
type BulkSuggestion struct {
	ID                     string         `json:"id"`
	Type                   SuggestionType `json:"type"`
	Title                  string         `json:"title"`
	Description            string         `json:"description"`
	Confidence             float64        `json:"confidence"`
	Reasoning              string         `json:"reasoning"`
	AffectedReferralIDs    []string       `json:"affected_referral_ids"`
	AffectedReferralsCount int            `json:"affected_referrals_count"`
}

// SuggestionResponse is the result of one asynchronous analysis request.
// RequestToken identifies the request it answers; consumers discard any
// response whose token is not the latest issued for the context.
type SuggestionResponse struct {
	RequestToken      uint64       `json:"request_token"`
	ReferralID        string       `json:"referral_id,omitempty"`
	Suggestions       []Suggestion `json:"suggestions"`
	OverallConfidence float64      `json:"overall_confidence"`
	GeneratedAt       time.Time    `json:"generated_at"`
}

// SortDirection orders query results ascending or descending.
type SortDirection string

const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// SortSpec names the sort field (dotted paths supported, e.g. "patient.name")
// and direction for a waiting-list query.
type SortSpec struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// IntRange bounds an inclusive integer filter. A nil bound is unset.
type IntRange struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// IsUnset reports whether both bounds are absent.
func (ir IntRange) IsUnset() bool {
	return ir.Min == nil && ir.Max == nil
}

// Contains reports whether v falls inside the (possibly half-open) range.
func (ir IntRange) Contains(v int) bool {
	if ir.Min != nil && v < *ir.Min {
		return false
	}
	if ir.Max != nil && v > *ir.Max {
		return false
	}
	return true
}

// PriorityAll is the unset sentinel for the priority filter.
const PriorityAll = "all"

// WaitingListFilterState is a pure value object describing one query
// session's filters. Each field at its zero/sentinel value disables the
// corresponding predicate.
type WaitingListFilterState struct {
	Priority          string            `json:"priority,omitempty"` // "all" or "" = unset
	LocationContains  string            `json:"location_contains,omitempty"`
	Tags              []string          `json:"tags,omitempty"` // non-empty-intersection test
	AppointmentBucket AppointmentBucket `json:"appointment_bucket,omitempty"`
	ReferralAgeDays   IntRange          `json:"referral_age_days,omitempty"`
	BreachRisks       []BreachRisk      `json:"breach_risks,omitempty"`
	RTTDaysRemaining  IntRange          `json:"rtt_days_remaining,omitempty"`
}

// IsEmpty reports whether every predicate is at its unset sentinel.
func (f WaitingListFilterState) IsEmpty() bool {
	return (f.Priority == "" || f.Priority == PriorityAll) &&
		f.LocationContains == "" &&
		len(f.Tags) == 0 &&
		f.AppointmentBucket == "" &&
		f.ReferralAgeDays.IsUnset() &&
		len(f.BreachRisks) == 0 &&
		f.RTTDaysRemaining.IsUnset()
}

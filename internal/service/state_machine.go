package service

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// EventType identifies a referral transition event.
type EventType string

const (
	EventAccept    EventType = "accept"
	EventReject    EventType = "reject"
	EventSetTriage EventType = "set-triage"
	EventDischarge EventType = "discharge"
	EventReferOn   EventType = "refer-on"
)

// Event carries one transition request. Now is the evaluation time used for
// pathway recomputation; a zero value means the wall clock.
type Event struct {
	Type         EventType
	TriageStatus domain.TriageStatus // target, for EventSetTriage
	Reason       string              // required for EventReject
	Allocation   *domain.AllocationDetail
	Notes        string
	Now          time.Time
}

// StateMachine validates and applies referral transitions against an
// explicit transition table. It is the system of record for a referral's
// position: every status or triage change goes through Transition.
type StateMachine struct {
	logger *logrus.Logger

	// statusEvents maps each status to the event types permitted from it.
	// Rejected and discharged are absorbing and have no entries.
	statusEvents map[domain.Status]map[EventType]bool

	// triageMoves maps each triage status to its reachable successors.
	triageMoves map[domain.TriageStatus]map[domain.TriageStatus]bool
}

// NewStateMachine creates a state machine with the triage transition table.
func NewStateMachine(logger *logrus.Logger) *StateMachine {
	sm := &StateMachine{
		logger:       logger,
		statusEvents: make(map[domain.Status]map[EventType]bool),
		triageMoves:  make(map[domain.TriageStatus]map[domain.TriageStatus]bool),
	}
	sm.initializeTable()
	return sm
}

// initializeTable declares every legal transition. Anything absent from the
// table is rejected, which keeps the machine exhaustively checkable.
func (sm *StateMachine) initializeTable() {
	sm.statusEvents[domain.StatusNew] = map[EventType]bool{
		EventAccept: true,
		EventReject: true,
	}
	sm.statusEvents[domain.StatusAccepted] = map[EventType]bool{
		EventSetTriage: true,
		EventDischarge: true,
		EventReferOn:   true,
	}

	workup := []domain.TriageStatus{
		domain.TriagePreAssessment,
		domain.TriageAssessed,
		domain.TriagePreAdmission,
	}
	// Workup states move freely among themselves; waiting-list is reachable
	// only from workup; waiting-list may return to workup when a patient is
	// pulled back for reassessment.
	for _, from := range workup {
		sm.triageMoves[from] = map[domain.TriageStatus]bool{
			domain.TriageWaitingList: true,
		}
		for _, to := range workup {
			if from != to {
				sm.triageMoves[from][to] = true
			}
		}
	}
	sm.triageMoves[domain.TriageWaitingList] = map[domain.TriageStatus]bool{
		domain.TriagePreAssessment: true,
		domain.TriageAssessed:      true,
		domain.TriagePreAdmission:  true,
	}
	// refer-to-another-specialty is terminal for this referral: no entries.
	sm.triageMoves[domain.TriageReferOn] = map[domain.TriageStatus]bool{}
}

// Transition applies an event to a referral and returns the resulting
// referral. The input is never mutated: on error it is returned unchanged,
// on success a transformed deep copy is returned with its pathway snapshot
// recomputed in the same unit as the state change.
func (sm *StateMachine) Transition(referral *domain.Referral, event Event) (*domain.Referral, error) {
	now := event.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := sm.validate(referral, event); err != nil {
		return referral, err
	}

	next := referral.Clone()
	wasWaitingList := referral.TriageStatus == domain.TriageWaitingList

	switch event.Type {
	case EventAccept:
		next.Status = domain.StatusAccepted
		next.TriageStatus = domain.TriagePreAssessment
		if event.Allocation != nil {
			next.Allocation = event.Allocation
		}
	case EventReject:
		next.Status = domain.StatusRejected
		next.TriageStatus = ""
		next.RejectionReason = event.Reason
	case EventSetTriage:
		next.TriageStatus = event.TriageStatus
	case EventDischarge:
		next.Status = domain.StatusDischarged
		next.TriageStatus = ""
	case EventReferOn:
		next.TriageStatus = domain.TriageReferOn
	}
	if event.Notes != "" {
		next.Notes = event.Notes
	}
	next.UpdatedAt = now

	// Entering or leaving waiting-list, and discharge, change what the clock
	// means for this referral; the snapshot must never be observed out of
	// step with the status.
	isWaitingList := next.TriageStatus == domain.TriageWaitingList
	if wasWaitingList != isWaitingList || next.Status == domain.StatusDischarged {
		RecomputePathway(next, now)
	}

	sm.logger.WithFields(logrus.Fields{
		"referral_id": referral.ID,
		"event":       string(event.Type),
		"from_status": referral.Status.String(),
		"to_status":   next.Status.String(),
		"from_triage": referral.TriageStatus.String(),
		"to_triage":   next.TriageStatus.String(),
	}).Info("Referral transition applied")

	return next, nil
}

// validate rejects the event before any mutation happens.
func (sm *StateMachine) validate(referral *domain.Referral, event Event) error {
	if referral.Status.IsTerminal() {
		return invalidTransition(referral, event, "referral is in a terminal state")
	}
	if referral.TriageStatus == domain.TriageReferOn {
		return invalidTransition(referral, event, "referral was referred to another specialty")
	}
	return sm.check(referral, event)
}

// check enforces the transition table and event preconditions.
func (sm *StateMachine) check(referral *domain.Referral, event Event) error {
	allowed, known := sm.statusEvents[referral.Status]
	if !known || !allowed[event.Type] {
		return invalidTransition(referral, event, "event not permitted from current status")
	}

	switch event.Type {
	case EventReject:
		if event.Reason == "" {
			return domain.NewValidationError("reason", "rejection requires a non-empty reason", nil)
		}
	case EventAccept:
		if referral.Specialty == "" {
			return domain.NewValidationError("specialty", "acceptance requires a specialty", nil)
		}
	case EventSetTriage:
		if !event.TriageStatus.IsValid() {
			return domain.NewValidationError("triage_status", "unknown triage status", string(event.TriageStatus))
		}
		if event.TriageStatus == domain.TriageWaitingList && referral.Status != domain.StatusAccepted {
			return invalidTransition(referral, event, "waiting-list requires an accepted referral")
		}
		moves, ok := sm.triageMoves[referral.TriageStatus]
		if !ok || !moves[event.TriageStatus] {
			return invalidTransition(referral, event, "triage move not in transition table")
		}
	}
	return nil
}

// invalidTransition builds the typed rejection for a disallowed event.
func invalidTransition(referral *domain.Referral, event Event, detail string) error {
	toStatus := referral.Status
	toTriage := event.TriageStatus
	switch event.Type {
	case EventAccept:
		toStatus = domain.StatusAccepted
	case EventReject:
		toStatus = domain.StatusRejected
	case EventDischarge:
		toStatus = domain.StatusDischarged
	case EventReferOn:
		toTriage = domain.TriageReferOn
	}
	return &domain.InvalidTransitionError{
		ReferralID: referral.ID,
		From:       referral.Status,
		FromTriage: referral.TriageStatus,
		To:         toStatus,
		ToTriage:   toTriage,
		Detail:     detail,
	}
}

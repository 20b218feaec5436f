package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// TriageService orchestrates the triage workflow: it validates transitions
// through the state machine, commits them through the store, records audit
// events, and fires external notifications.
//
// Transition and pathway recomputation are one unit; a transition is only
// observable after its persist succeeded. On persistence failure the caller
// gets its original, untouched referral back; the rollback is structural,
// because the state machine never mutates its input.
type TriageService struct {
	logger       *logrus.Logger
	machine      *StateMachine
	subReferrals *SubReferralService
	store        domain.ReferralStore
	events       domain.EventRecorder // optional
	notifier     domain.Notifier      // optional
}

// NewTriageService creates the orchestrator. events and notifier may be nil
// when the deployment has no audit log or booking-system integration.
func NewTriageService(logger *logrus.Logger, store domain.ReferralStore, events domain.EventRecorder, notifier domain.Notifier) *TriageService {
	return &TriageService{
		logger:       logger,
		machine:      NewStateMachine(logger),
		subReferrals: NewSubReferralService(logger),
		store:        store,
		events:       events,
		notifier:     notifier,
	}
}

// LoadWaitingList bulk-fetches referral snapshots, recomputing each cached
// pathway on read so derived fields are never stale.
func (t *TriageService) LoadWaitingList(ctx context.Context, specialties []string) ([]*domain.Referral, error) {
	referrals, err := t.store.LoadReferrals(ctx, specialties)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load referrals", Err: err}
	}
	now := time.Now().UTC()
	for _, r := range referrals {
		RecomputePathway(r, now)
	}
	return referrals, nil
}

// Accept moves a new referral into triage, optionally recording a team or
// professional allocation. Missing allocation never blocks acceptance.
func (t *TriageService) Accept(ctx context.Context, referral *domain.Referral, allocation *domain.AllocationDetail, actor string) (*domain.Referral, error) {
	next, err := t.apply(ctx, referral, Event{Type: EventAccept, Allocation: allocation}, "", actor)
	if err != nil {
		return next, err
	}
	return next, t.notify(ctx, next.ID, "accept", "")
}

// Reject declines a new referral. The reason is mandatory; its omission is
// a validation error, never silently accepted.
func (t *TriageService) Reject(ctx context.Context, referral *domain.Referral, reason, actor string) (*domain.Referral, error) {
	next, err := t.apply(ctx, referral, Event{Type: EventReject, Reason: reason}, reason, actor)
	if err != nil {
		return next, err
	}
	return next, t.notify(ctx, next.ID, "reject", reason)
}

// SetTriageStatus moves an accepted referral between triage states.
func (t *TriageService) SetTriageStatus(ctx context.Context, referral *domain.Referral, target domain.TriageStatus, actor string) (*domain.Referral, error) {
	return t.apply(ctx, referral, Event{Type: EventSetTriage, TriageStatus: target}, "", actor)
}

// Discharge terminates a referral and forces its pathway to completed.
func (t *TriageService) Discharge(ctx context.Context, referral *domain.Referral, actor string) (*domain.Referral, error) {
	return t.apply(ctx, referral, Event{Type: EventDischarge}, "", actor)
}

// ReferToSpecialty closes the referral for its current specialty and, when a
// payload is supplied, spawns the sub-referral in the target specialty.
func (t *TriageService) ReferToSpecialty(ctx context.Context, referral *domain.Referral, payload *ChildPayload, actor string) (*domain.Referral, *domain.Referral, error) {
	var child *domain.Referral
	parent := referral

	// The sub-referral is created against the still-accepted parent before
	// the refer-on transition closes it.
	if payload != nil {
		var err error
		child, parent, err = t.CreateSubReferral(ctx, referral, *payload)
		if err != nil {
			return referral, nil, err
		}
	}

	next, err := t.apply(ctx, parent, Event{Type: EventReferOn}, "", actor)
	if err != nil {
		return referral, child, err
	}
	return next, child, nil
}

// CreateSubReferral spawns a child referral under an accepted parent and
// persists both sides of the link.
func (t *TriageService) CreateSubReferral(ctx context.Context, parent *domain.Referral, payload ChildPayload) (*domain.Referral, *domain.Referral, error) {
	child, updatedParent, err := t.subReferrals.CreateChild(parent, payload, time.Now().UTC())
	if err != nil {
		return nil, parent, err
	}
	if err := t.store.CreateReferral(ctx, child); err != nil {
		return nil, parent, &domain.PersistenceError{Op: "create sub-referral", ReferralID: child.ID, Err: err}
	}
	if err := t.store.PersistTransition(ctx, updatedParent); err != nil {
		// The child row exists but the caller's parent is unchanged; surface
		// the failure so the link can be retried.
		return child, parent, &domain.PersistenceError{Op: "link sub-referral", ReferralID: parent.ID, Err: err}
	}
	return child, updatedParent, nil
}

// SaveTags replaces the referral's tag set, enforcing uniqueness, and
// persists it. On failure the caller's referral is returned unchanged.
func (t *TriageService) SaveTags(ctx context.Context, referral *domain.Referral, tags []string) (*domain.Referral, error) {
	next := referral.Clone()
	next.Tags = nil
	for _, tag := range tags {
		next.AddTag(tag)
	}
	next.UpdatedAt = time.Now().UTC()

	if err := t.store.PersistTags(ctx, next.ID, next.Tags); err != nil {
		return referral, &domain.PersistenceError{Op: "persist tags", ReferralID: referral.ID, Err: err}
	}
	return next, nil
}

// PausePathway opens an RTT clock pause on the referral.
func (t *TriageService) PausePathway(ctx context.Context, referral *domain.Referral, reason string) (*domain.Referral, error) {
	now := time.Now().UTC()
	next := referral.Clone()
	if next.RTT == nil {
		RecomputePathway(next, now)
	}
	if err := OpenPause(next.RTT, now, reason); err != nil {
		return referral, err
	}
	RecomputePathway(next, now)
	next.UpdatedAt = now

	if err := t.store.PersistTransition(ctx, next); err != nil {
		return referral, &domain.PersistenceError{Op: "pause pathway", ReferralID: referral.ID, Err: err}
	}
	return next, nil
}

// ResumePathway closes the open RTT clock pause.
func (t *TriageService) ResumePathway(ctx context.Context, referral *domain.Referral) (*domain.Referral, error) {
	now := time.Now().UTC()
	next := referral.Clone()
	if next.RTT == nil {
		return referral, domain.NewValidationError("rtt", "referral has no pathway to resume", nil)
	}
	if err := ClosePause(next.RTT, now); err != nil {
		return referral, err
	}
	RecomputePathway(next, now)
	next.UpdatedAt = now

	if err := t.store.PersistTransition(ctx, next); err != nil {
		return referral, &domain.PersistenceError{Op: "resume pathway", ReferralID: referral.ID, Err: err}
	}
	return next, nil
}

// DiscontinuePathway records the explicit administrative decision to stop
// the RTT pathway. The pure clock never emits this status itself.
func (t *TriageService) DiscontinuePathway(ctx context.Context, referral *domain.Referral, reason string) (*domain.Referral, error) {
	if reason == "" {
		return referral, domain.NewValidationError("reason", "discontinuing a pathway requires a reason", nil)
	}
	now := time.Now().UTC()
	next := referral.Clone()
	if next.RTT == nil {
		RecomputePathway(next, now)
	}
	next.RTT.Status = domain.PathwayDiscontinued
	next.UpdatedAt = now

	if err := t.store.PersistTransition(ctx, next); err != nil {
		return referral, &domain.PersistenceError{Op: "discontinue pathway", ReferralID: referral.ID, Err: err}
	}
	return next, nil
}

// apply runs one transition end to end: machine validation, persistence,
// audit. Any error before the persist succeeds returns the caller's
// original referral untouched.
func (t *TriageService) apply(ctx context.Context, referral *domain.Referral, event Event, reason, actor string) (*domain.Referral, error) {
	next, err := t.machine.Transition(referral, event)
	if err != nil {
		return referral, err
	}

	if err := t.store.PersistTransition(ctx, next); err != nil {
		t.logger.WithFields(logrus.Fields{
			"referral_id": referral.ID,
			"event":       string(event.Type),
		}).WithError(err).Error("Transition persist failed, rolling back")
		return referral, &domain.PersistenceError{Op: "persist transition", ReferralID: referral.ID, Err: err}
	}

	t.recordEvent(ctx, referral, next, reason, actor)
	return next, nil
}

// recordEvent appends the audit record. Audit failures are logged, never
// veto a committed transition.
func (t *TriageService) recordEvent(ctx context.Context, before, after *domain.Referral, reason, actor string) {
	if t.events == nil {
		return
	}
	event := &domain.TriageEvent{
		ID:         uuid.NewString(),
		ReferralID: after.ID,
		FromStatus: before.Status,
		ToStatus:   after.Status,
		FromTriage: before.TriageStatus,
		ToTriage:   after.TriageStatus,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.events.RecordEvent(ctx, event); err != nil {
		t.logger.WithError(err).WithField("referral_id", after.ID).Warn("Failed to record triage event")
	}
}

// notify fires the external booking-system notification. The transition is
// already committed; a failure is wrapped so the caller can surface it, and
// is never retried here.
func (t *TriageService) notify(ctx context.Context, referralID, action, reason string) error {
	if t.notifier == nil {
		return nil
	}
	var err error
	if action == "accept" {
		err = t.notifier.NotifyAccepted(ctx, referralID)
	} else {
		err = t.notifier.NotifyRejected(ctx, referralID, reason)
	}
	if err != nil {
		return &domain.NotificationError{ReferralID: referralID, Action: action, Err: err}
	}
	return nil
}

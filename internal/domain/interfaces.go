package domain

import (
	"context"
)

// ReferralStore is the persistence collaborator. Implementations must treat
// each call as atomic: a failed persist leaves the stored referral untouched
// so the engine can roll back its in-memory copy without divergence.
type ReferralStore interface {
	// LoadReferrals bulk-fetches referral snapshots, optionally filtered by
	// specialty. A nil or empty filter returns everything.
	LoadReferrals(ctx context.Context, specialties []string) ([]*Referral, error)

	// GetReferral fetches a single referral by ID.
	GetReferral(ctx context.Context, id string) (*Referral, error)

	// CreateReferral stores a brand-new referral (including sub-referrals).
	CreateReferral(ctx context.Context, referral *Referral) error

	// PersistTransition commits a validated local transition.
	PersistTransition(ctx context.Context, referral *Referral) error

	// PersistTags replaces the stored tag set for a referral.
	PersistTags(ctx context.Context, referralID string, tags []string) error
}

// EventRecorder appends triage transitions to the audit log. Recording
// failures are logged but never veto a committed transition.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *TriageEvent) error
	EventsForReferral(ctx context.Context, referralID string) ([]*TriageEvent, error)
}

// Notifier informs the external booking system of accept/reject decisions.
// Fire-and-forget from the engine's perspective: failures surface to the
// caller but the engine never retries automatically.
type Notifier interface {
	NotifyAccepted(ctx context.Context, referralID string) error
	NotifyRejected(ctx context.Context, referralID string, reason string) error
}

// SuggestionProvider performs the (potentially remote) suggestion analysis.
// The deterministic in-process engine is the default implementation; a
// future LLM-backed service satisfies the same contract.
type SuggestionProvider interface {
	Analyze(ctx context.Context, referral *Referral) ([]Suggestion, error)
	AnalyzeBatch(ctx context.Context, referrals []*Referral) ([]BulkSuggestion, error)
}

// SuggestionCache stores analysis responses keyed by referral content so
// identical snapshots skip re-analysis.
type SuggestionCache interface {
	Get(ctx context.Context, key string) (*SuggestionResponse, bool, error)
	Set(ctx context.Context, key string, response *SuggestionResponse) error
}

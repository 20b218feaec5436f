package service

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// Days-remaining value used when sorting referrals without an RTT snapshot;
// missing pathways sort as lowest urgency.
const missingRTTDaysRemaining = 999

// WaitingListEngine composes filter predicates, a stable comparator-based
// sorter and an optional manual reorder sequence over an in-memory
// collection of referral snapshots.
//
// The engine never mutates a caller-supplied collection: Query returns new
// slices, and Reorder, the only mutation entry point, replaces the
// engine's own held base order. Manual order survives a later sort exactly
// where the active sort field does not discriminate between two items,
// which is why the sort stage must be stable.
type WaitingListEngine struct {
	logger *logrus.Logger
	base   []*domain.Referral
	now    func() time.Time
}

// NewWaitingListEngine creates an empty query engine.
func NewWaitingListEngine(logger *logrus.Logger) *WaitingListEngine {
	return &WaitingListEngine{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the evaluation clock. Tests pin it for deterministic
// age and breach computations.
func (e *WaitingListEngine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// SetReferrals loads the base collection. The slice is copied; the caller
// keeps ownership of its own slice.
func (e *WaitingListEngine) SetReferrals(referrals []*domain.Referral) {
	e.base = append([]*domain.Referral(nil), referrals...)
}

// Referrals returns a copy of the current base order.
func (e *WaitingListEngine) Referrals() []*domain.Referral {
	return append([]*domain.Referral(nil), e.base...)
}

// Reorder replaces the base collection order with the given ID sequence and
// stamps DisplayOrder on each referral. Every ID must identify a held
// referral and every held referral must appear exactly once.
func (e *WaitingListEngine) Reorder(sequence []string) error {
	if len(sequence) != len(e.base) {
		return domain.NewValidationError("sequence", "reorder sequence must list every referral exactly once", len(sequence))
	}
	byID := make(map[string]*domain.Referral, len(e.base))
	for _, r := range e.base {
		byID[r.ID] = r
	}
	reordered := make([]*domain.Referral, 0, len(sequence))
	seen := make(map[string]bool, len(sequence))
	for i, id := range sequence {
		r, ok := byID[id]
		if !ok {
			return domain.NewValidationError("sequence", "unknown referral id in reorder sequence", id)
		}
		if seen[id] {
			return domain.NewValidationError("sequence", "duplicate referral id in reorder sequence", id)
		}
		seen[id] = true
		order := i
		r.DisplayOrder = &order
		reordered = append(reordered, r)
	}
	e.base = reordered

	e.logger.WithField("count", len(reordered)).Debug("Waiting list manually reordered")
	return nil
}

// Query filters and sorts the held collection. The result is a new slice;
// equal sort keys preserve the base order.
func (e *WaitingListEngine) Query(filter domain.WaitingListFilterState, spec domain.SortSpec) ([]*domain.Referral, error) {
	now := e.now()
	filtered := ApplyFilters(e.base, filter, now)
	if spec.Field == "" {
		return filtered, nil
	}
	return SortReferrals(filtered, spec)
}

// ClearFilters returns the filter state with every predicate unset.
// Applying it is the identity over any collection.
func ClearFilters() domain.WaitingListFilterState {
	return domain.WaitingListFilterState{}
}

// ApplyFilters evaluates the conjunction of all set predicates against each
// referral, preserving input order. The input slice is not modified. A
// predicate at its unset sentinel matches everything.
func ApplyFilters(referrals []*domain.Referral, filter domain.WaitingListFilterState, now time.Time) []*domain.Referral {
	out := make([]*domain.Referral, 0, len(referrals))
	for _, r := range referrals {
		if matchesFilter(r, filter, now) {
			out = append(out, r)
		}
	}
	return out
}

func matchesFilter(r *domain.Referral, f domain.WaitingListFilterState, now time.Time) bool {
	if f.Priority != "" && f.Priority != domain.PriorityAll {
		if string(r.Priority) != f.Priority {
			return false
		}
	}
	if f.LocationContains != "" {
		if !strings.Contains(strings.ToLower(r.Location), strings.ToLower(f.LocationContains)) {
			return false
		}
	}
	if len(f.Tags) > 0 && !hasAnyTag(r, f.Tags) {
		return false
	}
	if f.AppointmentBucket != "" {
		bucket, ok := domain.AppointmentBucketFor(r.TriageStatus, r.Created, now)
		if !ok || bucket != f.AppointmentBucket {
			return false
		}
	}
	if !f.ReferralAgeDays.IsUnset() && !f.ReferralAgeDays.Contains(r.AgeDays(now)) {
		return false
	}
	if len(f.BreachRisks) > 0 {
		if r.RTT == nil {
			return false
		}
		// Breach risk is derived from days remaining on read, never trusted
		// from the stored snapshot.
		risk := domain.BreachRiskFor(r.RTT.DaysRemaining)
		if !riskIn(f.BreachRisks, risk) {
			return false
		}
	}
	if !f.RTTDaysRemaining.IsUnset() {
		if r.RTT == nil || !f.RTTDaysRemaining.Contains(r.RTT.DaysRemaining) {
			return false
		}
	}
	return true
}

func hasAnyTag(r *domain.Referral, tags []string) bool {
	for _, t := range tags {
		if r.HasTag(t) {
			return true
		}
	}
	return false
}

func riskIn(risks []domain.BreachRisk, risk domain.BreachRisk) bool {
	for _, br := range risks {
		if br == risk {
			return true
		}
	}
	return false
}

// SortReferrals returns a new slice sorted by the given spec. The sort is
// stable: equal keys preserve input order. An unknown sort field is a
// caller error; a malformed nested path below a known head sorts as lowest
// without raising.
func SortReferrals(referrals []*domain.Referral, spec domain.SortSpec) ([]*domain.Referral, error) {
	if err := validateSortField(spec.Field); err != nil {
		return nil, err
	}
	if spec.Direction != "" && spec.Direction != domain.SortAscending && spec.Direction != domain.SortDescending {
		return nil, domain.NewValidationError("direction", "unknown sort direction", string(spec.Direction))
	}

	out := append([]*domain.Referral(nil), referrals...)
	desc := spec.Direction == domain.SortDescending
	sort.SliceStable(out, func(i, j int) bool {
		ki := sortKeyFor(out[i], spec.Field)
		kj := sortKeyFor(out[j], spec.Field)
		if desc {
			return kj.less(ki)
		}
		return ki.less(kj)
	})
	return out, nil
}

// sortKey is a comparable value extracted from a referral for one sort
// field. Undefined keys (missing nested values) compare below everything.
type sortKey struct {
	defined bool
	numeric bool
	num     float64
	str     string
}

func (k sortKey) less(other sortKey) bool {
	if k.defined != other.defined {
		return !k.defined // undefined sorts as lowest
	}
	if !k.defined {
		return false
	}
	if k.numeric {
		return k.num < other.num
	}
	return k.str < other.str
}

func numKey(v float64) sortKey    { return sortKey{defined: true, numeric: true, num: v} }
func strKey(v string) sortKey     { return sortKey{defined: true, str: v} }
func timeKey(t time.Time) sortKey { return numKey(float64(t.UnixNano())) }
func undefinedKey() sortKey       { return sortKey{} }

// sortFieldHeads lists the valid first segments of a sort field path.
var sortFieldHeads = map[string]bool{
	"ubrn": true, "created": true, "updatedAt": true, "status": true,
	"triageStatus": true, "priority": true, "specialty": true,
	"service": true, "location": true, "rtt": true,
	"patient": true, "carePathway": true,
}

// validateSortField rejects unknown fields before any comparison happens.
func validateSortField(field string) error {
	head := field
	if idx := strings.IndexByte(field, '.'); idx >= 0 {
		head = field[:idx]
	}
	if !sortFieldHeads[head] {
		return domain.NewValidationError("field", "unknown sort field", field)
	}
	return nil
}

// sortKeyFor extracts the comparison key for a validated field path.
// Three fields carry bespoke total orders instead of lexical comparison:
// priority ranks (emergency > urgent > routine), care pathway status ranks
// (active > paused > completed > discontinued), and rtt maps to days
// remaining with missing pathways treated as 999.
func sortKeyFor(r *domain.Referral, field string) sortKey {
	switch field {
	case "priority":
		return numKey(float64(r.Priority.Rank()))
	case "rtt":
		if r.RTT == nil {
			return numKey(missingRTTDaysRemaining)
		}
		return numKey(float64(r.RTT.DaysRemaining))
	case "ubrn":
		return strKey(r.UBRN)
	case "created":
		return timeKey(r.Created)
	case "updatedAt":
		return timeKey(r.UpdatedAt)
	case "status":
		return strKey(string(r.Status))
	case "triageStatus":
		return strKey(string(r.TriageStatus))
	case "specialty":
		return strKey(r.Specialty)
	case "service":
		return strKey(r.Service)
	case "location":
		return strKey(r.Location)
	}

	head, rest, _ := strings.Cut(field, ".")
	switch head {
	case "patient":
		switch rest {
		case "name":
			return strKey(r.Patient.Name)
		case "id":
			return strKey(r.Patient.ID)
		case "nhsNumber":
			return strKey(r.Patient.NHSNumber)
		case "dateOfBirth":
			return timeKey(r.Patient.DateOfBirth)
		}
		return undefinedKey()
	case "carePathway":
		if r.CarePathway == nil {
			return undefinedKey()
		}
		switch rest {
		case "priority":
			return numKey(float64(r.CarePathway.Priority.Rank()))
		case "status":
			return numKey(float64(r.CarePathway.Status.Rank()))
		case "name":
			return strKey(r.CarePathway.Name)
		}
		return undefinedKey()
	}
	return undefinedKey()
}

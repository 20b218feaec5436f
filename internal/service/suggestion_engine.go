package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

// SuggestionEngine is a stateless analyzer that scores referral snapshots
// against clinical keyword patterns and the current state machine position,
// producing ranked, confidence-weighted action suggestions.
//
// The engine is deterministic pattern matching, not a trained model: every
// rule has a fixed base confidence, boosted when urgent indicators appear in
// the clinical free text. It reads snapshots and never mutates state; a
// caller applies accepted suggestions through the state machine.
type SuggestionEngine struct {
	logger *logrus.Logger
	rules  []suggestionRule
}

// suggestionRule is one deterministic suggestion evaluator.
type suggestionRule struct {
	Name      string
	Type      domain.SuggestionType
	Evaluator func(rc *ruleContext) *domain.Suggestion
}

// ruleContext carries the derived per-referral signals shared by all rules.
type ruleContext struct {
	referral    *domain.Referral
	text        string // lowercased concatenated clinical free text
	urgentHits  []string
	routineHits []string
	complexHits []string
}

// Clinical keyword sets. Matching is case-insensitive substring search over
// the combined reason/history/diagnosis/medications/notes text.
var (
	urgentKeywords = []string{
		"urgent", "severe", "acute", "emergency", "rapidly worsening",
		"deteriorating", "chest pain", "bleeding", "suspected cancer",
		"two week wait", "red flag", "collapse", "sepsis",
	}
	routineKeywords = []string{
		"routine", "stable", "mild", "chronic", "longstanding", "annual review",
	}
	complexKeywords = []string{
		"multiple comorbid", "comorbidities", "complex", "polypharmacy",
		"previous surgery", "recurrent", "frailty",
	}
	// specialtyIndicators maps presenting-complaint keywords to the
	// specialty usually expected to see them.
	specialtyIndicators = map[string]string{
		"chest pain":   "Cardiology",
		"palpitations": "Cardiology",
		"fracture":     "Orthopaedics",
		"joint pain":   "Rheumatology",
		"rash":         "Dermatology",
		"skin lesion":  "Dermatology",
		"seizure":      "Neurology",
		"headache":     "Neurology",
		"breast lump":  "Breast Surgery",
	}
)

// Fixed base confidences per rule, and the boosted values applied when
// urgent indicators are present in the free text.
const (
	confReviewBase        = 0.80
	confReviewBoosted     = 0.95
	confTriageAdvance     = 0.70
	confWaitingList       = 0.75
	confWaitingListUrgent = 0.85
	confAppointment       = 0.85
	confTagging           = 0.65
	confDocumentation     = 0.60
	confFollowUp          = 0.55
	confSpecialtyHint     = 0.72
)

// NewSuggestionEngine creates the engine with its full rule registry.
func NewSuggestionEngine(logger *logrus.Logger) *SuggestionEngine {
	e := &SuggestionEngine{logger: logger}
	e.initializeRules()
	return e
}

// initializeRules registers every suggestion rule. Order is irrelevant; the
// final list is ranked by confidence.
func (e *SuggestionEngine) initializeRules() {
	e.addRule("priority-review", domain.SuggestionReview, e.evaluateReview)
	e.addRule("triage-advance", domain.SuggestionTriageStatus, e.evaluateTriageAdvance)
	e.addRule("overdue-appointment", domain.SuggestionAppointment, e.evaluateAppointment)
	e.addRule("waiting-list-entry", domain.SuggestionWaitingList, e.evaluateWaitingList)
	e.addRule("clinical-tagging", domain.SuggestionTagging, e.evaluateTagging)
	e.addRule("documentation-gaps", domain.SuggestionDocumentation, e.evaluateDocumentation)
	e.addRule("routine-follow-up", domain.SuggestionFollowUp, e.evaluateFollowUp)
	e.addRule("specialty-indicator", domain.SuggestionReview, e.evaluateSpecialtyHint)

	e.logger.WithField("rule_count", len(e.rules)).Debug("Initialized suggestion rules")
}

func (e *SuggestionEngine) addRule(name string, st domain.SuggestionType, eval func(rc *ruleContext) *domain.Suggestion) {
	e.rules = append(e.rules, suggestionRule{Name: name, Type: st, Evaluator: eval})
}

// Analyze scores a single referral and returns zero or more suggestions,
// sorted non-increasing by confidence. Every confidence lies in [0,1].
func (e *SuggestionEngine) Analyze(referral *domain.Referral) []domain.Suggestion {
	rc := newRuleContext(referral)

	suggestions := make([]domain.Suggestion, 0, len(e.rules))
	for _, rule := range e.rules {
		if s := rule.Evaluator(rc); s != nil {
			s.ID = uuid.NewString()
			s.Type = rule.Type
			suggestions = append(suggestions, *s)
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})

	e.logger.WithFields(logrus.Fields{
		"referral_id": referral.ID,
		"suggestions": len(suggestions),
		"urgent_hits": len(rc.urgentHits),
	}).Debug("Referral analysis completed")

	return suggestions
}

// OverallConfidence is the arithmetic mean of the individual suggestion
// confidences, defined as 0 for an empty list.
func OverallConfidence(suggestions []domain.Suggestion) float64 {
	if len(suggestions) == 0 {
		return 0
	}
	var sum float64
	for _, s := range suggestions {
		sum += s.Confidence
	}
	return sum / float64(len(suggestions))
}

// AnalyzeBatch groups referrals by shared characteristics and emits
// suggestions scoped to each group. Batch suggestions are independent of
// any single referral's detailed state machine position.
func (e *SuggestionEngine) AnalyzeBatch(referrals []*domain.Referral) []domain.BulkSuggestion {
	out := make([]domain.BulkSuggestion, 0, 4)

	if bs := e.commonTagCandidate(referrals); bs != nil {
		out = append(out, *bs)
	}
	if bs := e.priorityOutliers(referrals); bs != nil {
		out = append(out, *bs)
	}
	if bs := e.schedulingCluster(referrals); bs != nil {
		out = append(out, *bs)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	e.logger.WithFields(logrus.Fields{
		"batch_size":  len(referrals),
		"suggestions": len(out),
	}).Debug("Batch analysis completed")

	return out
}

func newRuleContext(referral *domain.Referral) *ruleContext {
	text := strings.ToLower(strings.Join([]string{
		referral.Reason, referral.History, referral.Diagnosis,
		referral.Medications, referral.Notes,
	}, " "))

	return &ruleContext{
		referral:    referral,
		text:        text,
		urgentHits:  keywordHits(text, urgentKeywords),
		routineHits: keywordHits(text, routineKeywords),
		complexHits: keywordHits(text, complexKeywords),
	}
}

func keywordHits(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func (rc *ruleContext) urgent() bool { return len(rc.urgentHits) > 0 }

// evaluateReview flags referrals whose free text signals more urgency than
// the recorded priority. Base confidence 0.80, boosted to 0.95 when urgent
// indicators are present.
func (e *SuggestionEngine) evaluateReview(rc *ruleContext) *domain.Suggestion {
	r := rc.referral
	if r.Status != domain.StatusNew && !(rc.urgent() && r.Priority == domain.PriorityRoutine) {
		return nil
	}

	confidence := confReviewBase
	reasoning := "New referral awaiting a triage decision"
	priority := r.Priority
	if rc.urgent() {
		confidence = confReviewBoosted
		reasoning = fmt.Sprintf("Urgent indicators in clinical text: %s", strings.Join(rc.urgentHits, ", "))
		priority = domain.PriorityUrgent
	}

	return &domain.Suggestion{
		Title:       "Review referral priority",
		Description: "Clinical review recommended before triage decision",
		Confidence:  confidence,
		Reasoning:   reasoning,
		Priority:    priority,
		Actionable:  true,
	}
}

// evaluateTriageAdvance proposes the next workup step. The suggestion is
// actionable only for accepted referrals; for new or rejected referrals the
// same suggestion is advisory-only.
func (e *SuggestionEngine) evaluateTriageAdvance(rc *ruleContext) *domain.Suggestion {
	r := rc.referral
	var target domain.TriageStatus
	switch {
	case r.Status == domain.StatusNew:
		target = domain.TriagePreAssessment
	case r.Status == domain.StatusAccepted && r.TriageStatus == domain.TriagePreAssessment:
		target = domain.TriageAssessed
	default:
		return nil
	}

	return &domain.Suggestion{
		Title:                 fmt.Sprintf("Move to %s", target),
		Description:           "Advance the referral to the next triage stage",
		Confidence:            confTriageAdvance,
		Reasoning:             fmt.Sprintf("Referral is at %s/%s", r.Status, r.TriageStatus),
		Priority:              r.Priority,
		Actionable:            r.Status == domain.StatusAccepted,
		SuggestedTriageStatus: target,
	}
}

// evaluateAppointment flags waiting-list referrals past the 60-day mark.
func (e *SuggestionEngine) evaluateAppointment(rc *ruleContext) *domain.Suggestion {
	r := rc.referral
	if r.TriageStatus != domain.TriageWaitingList || r.RTT == nil {
		return nil
	}
	if r.RTT.BreachRisk != domain.BreachRiskBreached && r.RTT.BreachRisk != domain.BreachRiskHigh {
		return nil
	}

	return &domain.Suggestion{
		Title:       "Schedule appointment",
		Description: "Referral is approaching or past its RTT target",
		Confidence:  confAppointment,
		Reasoning:   fmt.Sprintf("%d days remaining against the 18-week target", r.RTT.DaysRemaining),
		Priority:    domain.PriorityUrgent,
		Actionable:  true,
	}
}

// evaluateWaitingList proposes listing assessed referrals.
func (e *SuggestionEngine) evaluateWaitingList(rc *ruleContext) *domain.Suggestion {
	r := rc.referral
	if r.Status != domain.StatusAccepted {
		return nil
	}
	if r.TriageStatus != domain.TriageAssessed && r.TriageStatus != domain.TriagePreAdmission {
		return nil
	}

	confidence := confWaitingList
	if rc.urgent() {
		confidence = confWaitingListUrgent
	}
	return &domain.Suggestion{
		Title:                 "Add to waiting list",
		Description:           "Assessment complete; referral can join the waiting list",
		Confidence:            confidence,
		Reasoning:             fmt.Sprintf("Triage status is %s", r.TriageStatus),
		Priority:              r.Priority,
		Actionable:            true,
		SuggestedTriageStatus: domain.TriageWaitingList,
	}
}

// evaluateTagging proposes tags derived from the clinical text.
func (e *SuggestionEngine) evaluateTagging(rc *ruleContext) *domain.Suggestion {
	var tags []string
	if rc.urgent() && !rc.referral.HasTag("urgent-review") {
		tags = append(tags, "urgent-review")
	}
	if len(rc.complexHits) > 0 && !rc.referral.HasTag("complex-case") {
		tags = append(tags, "complex-case")
	}
	if len(tags) == 0 {
		return nil
	}

	return &domain.Suggestion{
		Title:         "Apply clinical tags",
		Description:   fmt.Sprintf("Suggested tags: %s", strings.Join(tags, ", ")),
		Confidence:    confTagging,
		Reasoning:     "Keyword indicators matched in clinical text",
		Priority:      rc.referral.Priority,
		Actionable:    true,
		SuggestedTags: tags,
	}
}

// evaluateDocumentation flags incomplete clinical documentation.
func (e *SuggestionEngine) evaluateDocumentation(rc *ruleContext) *domain.Suggestion {
	r := rc.referral
	var missing []string
	if strings.TrimSpace(r.History) == "" {
		missing = append(missing, "history")
	}
	if strings.TrimSpace(r.Diagnosis) == "" {
		missing = append(missing, "diagnosis")
	}
	if strings.TrimSpace(r.Medications) == "" {
		missing = append(missing, "medications")
	}
	if len(missing) == 0 {
		return nil
	}

	return &domain.Suggestion{
		Title:       "Complete referral documentation",
		Description: fmt.Sprintf("Missing sections: %s", strings.Join(missing, ", ")),
		Confidence:  confDocumentation,
		Reasoning:   "Incomplete documentation slows triage decisions",
		Priority:    r.Priority,
		Actionable:  true,
	}
}

// evaluateFollowUp proposes follow-up scheduling for routine presentations.
func (e *SuggestionEngine) evaluateFollowUp(rc *ruleContext) *domain.Suggestion {
	if len(rc.routineHits) == 0 || rc.urgent() {
		return nil
	}
	return &domain.Suggestion{
		Title:       "Consider routine follow-up",
		Description: "Clinical text suggests a stable, routine presentation",
		Confidence:  confFollowUp,
		Reasoning:   fmt.Sprintf("Routine indicators: %s", strings.Join(rc.routineHits, ", ")),
		Priority:    domain.PriorityRoutine,
		Actionable:  true,
	}
}

// evaluateSpecialtyHint flags a likely specialty mismatch from presenting
// complaint keywords.
func (e *SuggestionEngine) evaluateSpecialtyHint(rc *ruleContext) *domain.Suggestion {
	keywords := make([]string, 0, len(specialtyIndicators))
	for kw := range specialtyIndicators {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords) // map order must not leak into the output

	for _, kw := range keywords {
		specialty := specialtyIndicators[kw]
		if strings.Contains(rc.text, kw) && !strings.EqualFold(rc.referral.Specialty, specialty) {
			return &domain.Suggestion{
				Title:              fmt.Sprintf("Consider %s referral", specialty),
				Description:        fmt.Sprintf("Presenting complaint %q usually sits with %s", kw, specialty),
				Confidence:         confSpecialtyHint,
				Reasoning:          fmt.Sprintf("Keyword %q matched against specialty indicators", kw),
				Priority:           rc.referral.Priority,
				Actionable:         rc.referral.Status == domain.StatusAccepted,
				SuggestedSpecialty: specialty,
			}
		}
	}
	return nil
}

// commonTagCandidate suggests extending a tag shared by at least half of a
// batch to the remaining referrals.
func (e *SuggestionEngine) commonTagCandidate(referrals []*domain.Referral) *domain.BulkSuggestion {
	if len(referrals) < 3 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range referrals {
		for _, t := range r.Tags {
			counts[t]++
		}
	}

	var best string
	bestCount := 0
	for tag, n := range counts {
		if n > bestCount || (n == bestCount && tag < best) {
			best, bestCount = tag, n
		}
	}
	if bestCount*2 < len(referrals) || bestCount == len(referrals) {
		return nil
	}

	var affected []string
	for _, r := range referrals {
		if !r.HasTag(best) {
			affected = append(affected, r.ID)
		}
	}
	return &domain.BulkSuggestion{
		ID:                     uuid.NewString(),
		Type:                   domain.SuggestionTagging,
		Title:                  fmt.Sprintf("Apply shared tag %q", best),
		Description:            fmt.Sprintf("%d of %d selected referrals already carry %q", bestCount, len(referrals), best),
		Confidence:             0.6,
		Reasoning:              "Majority of the selection shares this tag",
		AffectedReferralIDs:    affected,
		AffectedReferralsCount: len(affected),
	}
}

// priorityOutliers flags routine referrals inside a predominantly urgent
// selection.
func (e *SuggestionEngine) priorityOutliers(referrals []*domain.Referral) *domain.BulkSuggestion {
	if len(referrals) < 3 {
		return nil
	}
	urgent := 0
	var routineIDs []string
	for _, r := range referrals {
		if r.Priority == domain.PriorityUrgent || r.Priority == domain.PriorityEmergency {
			urgent++
		} else {
			routineIDs = append(routineIDs, r.ID)
		}
	}
	if urgent*10 < len(referrals)*7 || len(routineIDs) == 0 {
		return nil
	}
	return &domain.BulkSuggestion{
		ID:                     uuid.NewString(),
		Type:                   domain.SuggestionReview,
		Title:                  "Review priority outliers",
		Description:            fmt.Sprintf("%d routine referrals in a mostly urgent selection", len(routineIDs)),
		Confidence:             0.7,
		Reasoning:              fmt.Sprintf("%d of %d referrals are urgent or emergency", urgent, len(referrals)),
		AffectedReferralIDs:    routineIDs,
		AffectedReferralsCount: len(routineIDs),
	}
}

// EngineProvider adapts the in-process deterministic engine to the
// SuggestionProvider contract used by the asynchronous service boundary.
type EngineProvider struct {
	Engine *SuggestionEngine
}

// NewEngineProvider wraps an engine for use as a SuggestionProvider.
func NewEngineProvider(engine *SuggestionEngine) EngineProvider {
	return EngineProvider{Engine: engine}
}

// Analyze implements domain.SuggestionProvider.
func (p EngineProvider) Analyze(_ context.Context, referral *domain.Referral) ([]domain.Suggestion, error) {
	return p.Engine.Analyze(referral), nil
}

// AnalyzeBatch implements domain.SuggestionProvider.
func (p EngineProvider) AnalyzeBatch(_ context.Context, referrals []*domain.Referral) ([]domain.BulkSuggestion, error) {
	return p.Engine.AnalyzeBatch(referrals), nil
}

// schedulingCluster flags a cluster of overdue waiting-list referrals.
func (e *SuggestionEngine) schedulingCluster(referrals []*domain.Referral) *domain.BulkSuggestion {
	var overdue []string
	for _, r := range referrals {
		if r.TriageStatus != domain.TriageWaitingList || r.RTT == nil {
			continue
		}
		risk := domain.BreachRiskFor(r.RTT.DaysRemaining)
		if risk == domain.BreachRiskBreached || risk == domain.BreachRiskHigh {
			overdue = append(overdue, r.ID)
		}
	}
	if len(overdue) < 2 {
		return nil
	}
	return &domain.BulkSuggestion{
		ID:                     uuid.NewString(),
		Type:                   domain.SuggestionAppointment,
		Title:                  "Bulk-schedule overdue referrals",
		Description:            fmt.Sprintf("%d waiting-list referrals are at or near breach", len(overdue)),
		Confidence:             0.8,
		Reasoning:              "Cluster of referrals within 28 days of the RTT target",
		AffectedReferralIDs:    overdue,
		AffectedReferralsCount: len(overdue),
	}
}

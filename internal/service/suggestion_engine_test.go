package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtt-pathway-engine/internal/domain"
)

// documentedReferral fills the free-text sections so the documentation rule
// stays quiet in tests aimed at other rules.
func documentedReferral(id string) *domain.Referral {
	r := newReferral(id)
	r.History = "No significant past medical history"
	r.Diagnosis = "Stable angina suspected"
	r.Medications = "None"
	return r
}

func suggestionOfType(t *testing.T, suggestions []domain.Suggestion, st domain.SuggestionType) domain.Suggestion {
	t.Helper()
	for _, s := range suggestions {
		if s.Type == st {
			return s
		}
	}
	t.Fatalf("no suggestion of type %s in %d suggestions", st, len(suggestions))
	return domain.Suggestion{}
}

func hasSuggestionType(suggestions []domain.Suggestion, st domain.SuggestionType) bool {
	for _, s := range suggestions {
		if s.Type == st {
			return true
		}
	}
	return false
}

func TestAnalyze_Deterministic(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := newReferral("r1")
	referral.Reason = "Severe chest pain, suspected cancer pathway"

	first := engine.Analyze(referral)
	second := engine.Analyze(referral)

	require.Equal(t, len(first), len(second))
	for i := range first {
		// IDs are freshly minted per run; everything else must be identical.
		first[i].ID = ""
		second[i].ID = ""
	}
	assert.Equal(t, first, second)
}

func TestAnalyze_ConfidenceBoundsAndOrdering(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := newReferral("r1")
	referral.Reason = "Severe chest pain with bleeding"

	suggestions := engine.Analyze(referral)
	require.NotEmpty(t, suggestions)

	for i, s := range suggestions {
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
		assert.NotEmpty(t, s.ID)
		if i > 0 {
			assert.GreaterOrEqual(t, suggestions[i-1].Confidence, s.Confidence,
				"suggestions must be sorted by confidence, non-increasing")
		}
	}
}

func TestAnalyze_ReviewBoostedByUrgentIndicators(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	plain := documentedReferral("r1")
	plain.Reason = "Knee discomfort"
	review := suggestionOfType(t, engine.Analyze(plain), domain.SuggestionReview)
	assert.InDelta(t, 0.80, review.Confidence, 1e-9)
	assert.Equal(t, domain.PriorityRoutine, review.Priority)

	urgentCase := documentedReferral("r2")
	urgentCase.Reason = "Severe chest pain, rapidly worsening"
	boosted := engine.Analyze(urgentCase)
	review = boosted[0]
	assert.Equal(t, domain.SuggestionReview, review.Type)
	assert.InDelta(t, 0.95, review.Confidence, 1e-9)
	assert.Equal(t, domain.PriorityUrgent, review.Priority, "suggested priority escalates")
	assert.Contains(t, review.Reasoning, "chest pain")
}

func TestAnalyze_TriageAdvance(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	// A new referral gets an advisory-only next-step suggestion.
	advisory := suggestionOfType(t, engine.Analyze(documentedReferral("r1")), domain.SuggestionTriageStatus)
	assert.Equal(t, domain.TriagePreAssessment, advisory.SuggestedTriageStatus)
	assert.False(t, advisory.Actionable, "only accepted referrals can act on it")

	accepted := documentedReferral("r2")
	accepted.Status = domain.StatusAccepted
	accepted.TriageStatus = domain.TriagePreAssessment
	actionable := suggestionOfType(t, engine.Analyze(accepted), domain.SuggestionTriageStatus)
	assert.Equal(t, domain.TriageAssessed, actionable.SuggestedTriageStatus)
	assert.True(t, actionable.Actionable)
	assert.InDelta(t, 0.70, actionable.Confidence, 1e-9)

	// Nothing to advance once assessed.
	accepted.TriageStatus = domain.TriageAssessed
	assert.False(t, hasSuggestionType(engine.Analyze(accepted), domain.SuggestionTriageStatus))
}

func TestAnalyze_WaitingListEntry(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := documentedReferral("r1")
	referral.Reason = "Knee discomfort"
	referral.Status = domain.StatusAccepted
	referral.TriageStatus = domain.TriageAssessed

	s := suggestionOfType(t, engine.Analyze(referral), domain.SuggestionWaitingList)
	assert.Equal(t, domain.TriageWaitingList, s.SuggestedTriageStatus)
	assert.InDelta(t, 0.75, s.Confidence, 1e-9)

	referral.Reason = "Urgent two week wait referral"
	s = suggestionOfType(t, engine.Analyze(referral), domain.SuggestionWaitingList)
	assert.InDelta(t, 0.85, s.Confidence, 1e-9)
}

func TestAnalyze_AppointmentForBreachRisk(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := documentedReferral("r1")
	referral.Status = domain.StatusAccepted
	referral.TriageStatus = domain.TriageWaitingList
	referral.Created = clockEpoch.AddDate(0, 0, -110)
	RecomputePathway(referral, clockEpoch)
	require.Equal(t, domain.BreachRiskHigh, referral.RTT.BreachRisk)

	s := suggestionOfType(t, engine.Analyze(referral), domain.SuggestionAppointment)
	assert.InDelta(t, 0.85, s.Confidence, 1e-9)
	assert.Equal(t, domain.PriorityUrgent, s.Priority)
	assert.True(t, s.Actionable)

	// Plenty of runway means no appointment nudge.
	referral.Created = clockEpoch.AddDate(0, 0, -10)
	RecomputePathway(referral, clockEpoch)
	assert.False(t, hasSuggestionType(engine.Analyze(referral), domain.SuggestionAppointment))
}

func TestAnalyze_Tagging(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := documentedReferral("r1")
	referral.Reason = "Acute presentation, multiple comorbidities"

	s := suggestionOfType(t, engine.Analyze(referral), domain.SuggestionTagging)
	assert.ElementsMatch(t, []string{"urgent-review", "complex-case"}, s.SuggestedTags)

	// Tags already applied are not re-suggested.
	referral.Tags = []string{"urgent-review", "complex-case"}
	assert.False(t, hasSuggestionType(engine.Analyze(referral), domain.SuggestionTagging))
}

func TestAnalyze_DocumentationGaps(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := newReferral("r1")
	referral.History = "Hypertension"

	s := suggestionOfType(t, engine.Analyze(referral), domain.SuggestionDocumentation)
	assert.Contains(t, s.Description, "diagnosis")
	assert.Contains(t, s.Description, "medications")
	assert.NotContains(t, s.Description, "history")
}

func TestAnalyze_FollowUpSuppressedByUrgency(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	routine := documentedReferral("r1")
	routine.Reason = "Routine review of stable chronic condition"
	assert.True(t, hasSuggestionType(engine.Analyze(routine), domain.SuggestionFollowUp))

	mixed := documentedReferral("r2")
	mixed.Reason = "Previously stable, now acute deterioration"
	assert.False(t, hasSuggestionType(engine.Analyze(mixed), domain.SuggestionFollowUp))
}

func TestAnalyze_SpecialtyHint(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	referral := documentedReferral("r1")
	referral.Specialty = "gastroenterology"
	referral.Reason = "Widespread rash over both arms"

	suggestions := engine.Analyze(referral)
	var hint *domain.Suggestion
	for i := range suggestions {
		if suggestions[i].SuggestedSpecialty != "" {
			hint = &suggestions[i]
			break
		}
	}
	require.NotNil(t, hint)
	assert.Equal(t, "Dermatology", hint.SuggestedSpecialty)
	assert.InDelta(t, 0.72, hint.Confidence, 1e-9)
	assert.False(t, hint.Actionable, "new referral cannot be referred on yet")

	// Matching specialty raises no hint.
	referral.Specialty = "Dermatology"
	for _, s := range engine.Analyze(referral) {
		assert.Empty(t, s.SuggestedSpecialty)
	}
}

func TestOverallConfidence(t *testing.T) {
	assert.Zero(t, OverallConfidence(nil))

	suggestions := []domain.Suggestion{
		{Confidence: 0.9},
		{Confidence: 0.6},
		{Confidence: 0.3},
	}
	assert.InDelta(t, 0.6, OverallConfidence(suggestions), 1e-9)
}

func TestAnalyzeBatch_CommonTag(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	batch := []*domain.Referral{
		{ID: "r1", Tags: []string{"2ww"}},
		{ID: "r2", Tags: []string{"2ww"}},
		{ID: "r3"},
		{ID: "r4"},
	}

	out := engine.AnalyzeBatch(batch)
	require.Len(t, out, 1)
	assert.Equal(t, domain.SuggestionTagging, out[0].Type)
	assert.ElementsMatch(t, []string{"r3", "r4"}, out[0].AffectedReferralIDs)
	assert.Equal(t, 2, out[0].AffectedReferralsCount)
}

func TestAnalyzeBatch_CommonTag_Suppressed(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	// A tag everyone already carries proposes nothing.
	unanimous := []*domain.Referral{
		{ID: "r1", Tags: []string{"2ww"}},
		{ID: "r2", Tags: []string{"2ww"}},
		{ID: "r3", Tags: []string{"2ww"}},
	}
	assert.Empty(t, engine.AnalyzeBatch(unanimous))

	// Below the half-share threshold.
	minority := []*domain.Referral{
		{ID: "r1", Tags: []string{"2ww"}},
		{ID: "r2"},
		{ID: "r3"},
	}
	assert.Empty(t, engine.AnalyzeBatch(minority))
}

func TestAnalyzeBatch_PriorityOutliers(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())
	batch := []*domain.Referral{
		{ID: "r1", Priority: domain.PriorityUrgent},
		{ID: "r2", Priority: domain.PriorityUrgent},
		{ID: "r3", Priority: domain.PriorityEmergency},
		{ID: "r4", Priority: domain.PriorityRoutine},
	}

	out := engine.AnalyzeBatch(batch)
	require.Len(t, out, 1)
	assert.Equal(t, domain.SuggestionReview, out[0].Type)
	assert.Equal(t, []string{"r4"}, out[0].AffectedReferralIDs)

	// Half urgent is below the 70% threshold.
	batch[2].Priority = domain.PriorityRoutine
	assert.Empty(t, engine.AnalyzeBatch(batch))
}

func TestAnalyzeBatch_SchedulingCluster(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	overdue := func(id string, daysRemaining int) *domain.Referral {
		return &domain.Referral{
			ID:           id,
			Status:       domain.StatusAccepted,
			TriageStatus: domain.TriageWaitingList,
			RTT:          &domain.RTTPathway{DaysRemaining: daysRemaining},
		}
	}
	batch := []*domain.Referral{
		overdue("r1", -3),
		overdue("r2", 14),
		overdue("r3", 90),
	}

	out := engine.AnalyzeBatch(batch)
	require.Len(t, out, 1)
	assert.Equal(t, domain.SuggestionAppointment, out[0].Type)
	assert.ElementsMatch(t, []string{"r1", "r2"}, out[0].AffectedReferralIDs)

	// A single at-risk referral is not a cluster.
	assert.Empty(t, engine.AnalyzeBatch(batch[1:]))
}

func TestAnalyzeBatch_SortedByConfidence(t *testing.T) {
	engine := NewSuggestionEngine(testLogger())

	wl := func(id string, daysRemaining int, priority domain.Priority, tags ...string) *domain.Referral {
		return &domain.Referral{
			ID:           id,
			Priority:     priority,
			Status:       domain.StatusAccepted,
			TriageStatus: domain.TriageWaitingList,
			RTT:          &domain.RTTPathway{DaysRemaining: daysRemaining},
			Tags:         tags,
		}
	}
	batch := []*domain.Referral{
		wl("r1", -3, domain.PriorityUrgent, "2ww"),
		wl("r2", 10, domain.PriorityUrgent, "2ww"),
		wl("r3", 90, domain.PriorityUrgent),
		wl("r4", 80, domain.PriorityRoutine),
	}

	out := engine.AnalyzeBatch(batch)
	require.Len(t, out, 3)
	assert.Equal(t, domain.SuggestionAppointment, out[0].Type)
	assert.Equal(t, domain.SuggestionReview, out[1].Type)
	assert.Equal(t, domain.SuggestionTagging, out[2].Type)
}

package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtt-pathway-engine/internal/domain"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir, err := os.MkdirTemp("", "referrals-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testReferral(id, ubrn string) *domain.Referral {
	now := time.Now().UTC()
	return &domain.Referral{
		ID:     id,
		UBRN:   ubrn,
		Patient: domain.Patient{
			ID:   "pat-1",
			Name: "Jo Bloggs",
		},
		Created:   now.Add(-72 * time.Hour),
		UpdatedAt: now,
		Status:    domain.StatusNew,
		Priority:  domain.PriorityRoutine,
		Specialty: "cardiology",
		Location:  "City Hospital",
		Reason:    "Chest pain on exertion",
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "referrals-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	referral := testReferral("ref-1", "UBRN-0001")
	require.NoError(t, store.CreateReferral(ctx, referral))

	retrieved, err := store.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, referral.UBRN, retrieved.UBRN)
	assert.Equal(t, referral.Patient.Name, retrieved.Patient.Name)
	assert.Equal(t, domain.StatusNew, retrieved.Status)
	assert.Equal(t, "cardiology", retrieved.Specialty)
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := createTestStore(t)

	_, err := store.GetReferral(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteStore_Create_InvalidReferral(t *testing.T) {
	store := createTestStore(t)

	referral := testReferral("ref-bad", "UBRN-BAD")
	referral.TriageStatus = domain.TriageWaitingList // triage status without acceptance

	err := store.CreateReferral(context.Background(), referral)
	require.Error(t, err)
}

func TestSQLiteStore_LoadReferrals(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first := testReferral("ref-1", "UBRN-0001")
	first.Created = time.Now().UTC().Add(-48 * time.Hour)
	second := testReferral("ref-2", "UBRN-0002")
	second.Created = time.Now().UTC().Add(-24 * time.Hour)
	second.Specialty = "dermatology"

	require.NoError(t, store.CreateReferral(ctx, first))
	require.NoError(t, store.CreateReferral(ctx, second))

	all, err := store.LoadReferrals(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ref-1", all[0].ID, "oldest first")

	cardio, err := store.LoadReferrals(ctx, []string{"cardiology"})
	require.NoError(t, err)
	require.Len(t, cardio, 1)
	assert.Equal(t, "ref-1", cardio[0].ID)
}

func TestSQLiteStore_PersistTransition(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	referral := testReferral("ref-1", "UBRN-0001")
	require.NoError(t, store.CreateReferral(ctx, referral))

	referral.Status = domain.StatusAccepted
	referral.TriageStatus = domain.TriagePreAssessment
	referral.Allocation = &domain.AllocationDetail{TeamID: "team-cardio"}
	require.NoError(t, store.PersistTransition(ctx, referral))

	retrieved, err := store.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, retrieved.Status)
	assert.Equal(t, domain.TriagePreAssessment, retrieved.TriageStatus)
	require.NotNil(t, retrieved.Allocation)
	assert.Equal(t, "team-cardio", retrieved.Allocation.TeamID)
}

func TestSQLiteStore_PersistTransition_NotFound(t *testing.T) {
	store := createTestStore(t)

	referral := testReferral("ghost", "UBRN-GHOST")
	err := store.PersistTransition(context.Background(), referral)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSQLiteStore_PersistTags(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	referral := testReferral("ref-1", "UBRN-0001")
	require.NoError(t, store.CreateReferral(ctx, referral))

	require.NoError(t, store.PersistTags(ctx, "ref-1", []string{"2ww", "suspected-cancer"}))

	retrieved, err := store.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2ww", "suspected-cancer"}, retrieved.Tags)
}

func TestSQLiteStore_RTTRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	referral := testReferral("ref-1", "UBRN-0001")
	clockStart := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	end := clockStart.AddDate(0, 0, 14)
	referral.RTT = &domain.RTTPathway{
		ClockStart:    clockStart,
		TargetDate:    clockStart.AddDate(0, 0, domain.RTTTargetDays+14),
		DaysRemaining: 40,
		BreachRisk:    domain.BreachRiskMedium,
		Status:        domain.PathwayActive,
		PauseHistory: []domain.PausePeriod{
			{StartDate: clockStart, EndDate: &end, Reason: "patient holiday"},
		},
	}
	require.NoError(t, store.CreateReferral(ctx, referral))

	retrieved, err := store.GetReferral(ctx, "ref-1")
	require.NoError(t, err)
	require.NotNil(t, retrieved.RTT)
	assert.Equal(t, domain.PathwayActive, retrieved.RTT.Status)
	require.Len(t, retrieved.RTT.PauseHistory, 1)
	require.NotNil(t, retrieved.RTT.PauseHistory[0].EndDate)
	assert.Equal(t, "patient holiday", retrieved.RTT.PauseHistory[0].Reason)
}

func TestSQLiteStore_Events(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	event := &domain.TriageEvent{
		ID:         "evt-1",
		ReferralID: "ref-1",
		FromStatus: domain.StatusNew,
		ToStatus:   domain.StatusAccepted,
		ToTriage:   domain.TriagePreAssessment,
		Actor:      "triage-nurse",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.RecordEvent(ctx, event))

	events, err := store.EventsForReferral(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusAccepted, events[0].ToStatus)
	assert.Equal(t, domain.TriagePreAssessment, events[0].ToTriage)
}

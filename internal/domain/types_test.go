package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusValidity(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusAccepted, StatusRejected, StatusDischarged} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, Status("pending").IsValid())
	assert.False(t, Status("").IsValid())

	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusDischarged.IsTerminal())
	assert.False(t, StatusNew.IsTerminal())
	assert.False(t, StatusAccepted.IsTerminal())
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 3, PriorityEmergency.Rank())
	assert.Equal(t, 2, PriorityUrgent.Rank())
	assert.Equal(t, 1, PriorityRoutine.Rank())
	assert.Equal(t, 0, Priority("unknown").Rank())
	assert.Equal(t, 0, Priority("").Rank())
}

func TestPathwayStatusRank(t *testing.T) {
	assert.Equal(t, 4, PathwayActive.Rank())
	assert.Equal(t, 3, PathwayPaused.Rank())
	assert.Equal(t, 2, PathwayCompleted.Rank())
	assert.Equal(t, 1, PathwayDiscontinued.Rank())
	assert.Equal(t, 0, PathwayStatus("").Rank())
}

func TestBreachRiskFor(t *testing.T) {
	tests := []struct {
		daysRemaining int
		want          BreachRisk
	}{
		{-10, BreachRiskBreached},
		{0, BreachRiskBreached},
		{1, BreachRiskHigh},
		{28, BreachRiskHigh},
		{29, BreachRiskMedium},
		{56, BreachRiskMedium},
		{57, BreachRiskLow},
		{126, BreachRiskLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BreachRiskFor(tt.daysRemaining), "days remaining %d", tt.daysRemaining)
	}
}

func TestAppointmentBucketFor(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	createdDaysAgo := func(days int) time.Time { return now.AddDate(0, 0, -days) }

	bucket, ok := AppointmentBucketFor(TriagePreAdmission, createdDaysAgo(5), now)
	require.True(t, ok)
	assert.Equal(t, BucketBooked, bucket)

	bucket, ok = AppointmentBucketFor(TriageAssessed, createdDaysAgo(5), now)
	require.True(t, ok)
	assert.Equal(t, BucketCompleted, bucket)

	// Waiting-list buckets split on referral age.
	for _, tt := range []struct {
		ageDays int
		want    AppointmentBucket
	}{
		{10, BucketScheduled},
		{30, BucketScheduled},
		{31, BucketDue},
		{60, BucketDue},
		{61, BucketOverdue},
		{200, BucketOverdue},
	} {
		bucket, ok = AppointmentBucketFor(TriageWaitingList, createdDaysAgo(tt.ageDays), now)
		require.True(t, ok, "age %d", tt.ageDays)
		assert.Equal(t, tt.want, bucket, "age %d", tt.ageDays)
	}

	// States outside the appointment flow carry no bucket.
	for _, ts := range []TriageStatus{TriagePreAssessment, TriageReferOn, ""} {
		_, ok = AppointmentBucketFor(ts, createdDaysAgo(10), now)
		assert.False(t, ok, ts)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("accepted")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, s)

	_, err = ParseStatus("bogus")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestParseTriageStatus(t *testing.T) {
	ts, err := ParseTriageStatus("waiting-list")
	require.NoError(t, err)
	assert.Equal(t, TriageWaitingList, ts)

	_, err = ParseTriageStatus("bogus")
	assert.ErrorIs(t, err, ErrInvalidTriageStatus)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("emergency")
	require.NoError(t, err)
	assert.Equal(t, PriorityEmergency, p)

	_, err = ParsePriority("asap")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

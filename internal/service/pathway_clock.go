// Package service implements the referral triage engine: the RTT pathway
// clock, the referral state machine, the sub-referral graph, the
// waiting-list query engine and the suggestion engine.
package service

import (
	"fmt"
	"time"

	"github.com/rtt-pathway-engine/internal/domain"
)

// ComputePathway derives the RTT pathway snapshot for a referral.
//
// The target date is the clock start plus the 126-day RTT standard, extended
// by the cumulative duration of every closed pause. An open pause freezes
// the evaluation time at its start date until the clock resumes. Days
// remaining may be negative once the target has passed.
//
// The function is pure: identical inputs always yield identical output, and
// neither the pause history nor any other input is mutated. Callers cache
// the result on the referral and recompute on read or on transition.
//
// Discontinued status is an explicit administrative action recorded by the
// caller; this function never emits it.
func ComputePathway(clockStart time.Time, pauses []domain.PausePeriod, now time.Time, discharged bool) *domain.RTTPathway {
	var extension time.Duration
	effectiveNow := now
	paused := false

	for _, p := range pauses {
		if p.IsOpen() {
			effectiveNow = p.StartDate
			paused = true
			continue
		}
		extension += p.EndDate.Sub(p.StartDate)
	}

	targetDate := clockStart.Add(domain.RTTTargetDays*24*time.Hour + extension)
	daysRemaining := wholeDaysBetween(effectiveNow, targetDate)

	status := domain.PathwayActive
	switch {
	case discharged:
		// Discharge forces completion regardless of remaining days.
		status = domain.PathwayCompleted
	case paused:
		status = domain.PathwayPaused
	}

	history := make([]domain.PausePeriod, len(pauses))
	copy(history, pauses)

	return &domain.RTTPathway{
		ClockStart:    clockStart,
		TargetDate:    targetDate,
		DaysRemaining: daysRemaining,
		BreachRisk:    domain.BreachRiskFor(daysRemaining),
		Status:        status,
		PauseHistory:  history,
	}
}

// RecomputePathway refreshes a referral's cached RTT snapshot in place,
// preserving an administratively discontinued status and the clock-start
// override if one was set.
func RecomputePathway(referral *domain.Referral, now time.Time) {
	clockStart := referral.Created
	var pauses []domain.PausePeriod
	discontinued := false
	if referral.RTT != nil {
		if !referral.RTT.ClockStart.IsZero() {
			clockStart = referral.RTT.ClockStart
		}
		pauses = referral.RTT.PauseHistory
		discontinued = referral.RTT.Status == domain.PathwayDiscontinued
	}

	rtt := ComputePathway(clockStart, pauses, now, referral.Status == domain.StatusDischarged)
	if discontinued && referral.Status != domain.StatusDischarged {
		rtt.Status = domain.PathwayDiscontinued
	}
	referral.RTT = rtt
}

// OpenPause starts a new clock pause on the pathway. At most one pause may
// be open at a time.
func OpenPause(rtt *domain.RTTPathway, start time.Time, reason string) error {
	if reason == "" {
		return domain.NewValidationError("reason", "pause reason is required", nil)
	}
	if rtt.OpenPause() != nil {
		return domain.NewValidationError("pause", "a pause is already open", nil)
	}
	rtt.PauseHistory = append(rtt.PauseHistory, domain.PausePeriod{StartDate: start, Reason: reason})
	return nil
}

// ClosePause ends the currently open pause. The end date must not precede
// the pause start.
func ClosePause(rtt *domain.RTTPathway, end time.Time) error {
	open := rtt.OpenPause()
	if open == nil {
		return domain.NewValidationError("pause", "no open pause to close", nil)
	}
	if end.Before(open.StartDate) {
		return domain.NewValidationError("end_date",
			fmt.Sprintf("pause end %s precedes start %s", end.Format(time.RFC3339), open.StartDate.Format(time.RFC3339)), end)
	}
	open.EndDate = &end
	return nil
}

// wholeDaysBetween returns the number of whole days from a to b, negative
// when b is in the past relative to a.
func wholeDaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

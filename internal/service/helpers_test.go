package service

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rtt-pathway-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// clockEpoch is the fixed evaluation anchor used across the service tests.
var clockEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newReferral(id string) *domain.Referral {
	return &domain.Referral{
		ID:        id,
		UBRN:      "UBRN-" + id,
		Patient:   domain.Patient{ID: "pat-" + id, Name: "Sam Patient"},
		Created:   clockEpoch.AddDate(0, 0, -10),
		UpdatedAt: clockEpoch.AddDate(0, 0, -10),
		Status:    domain.StatusNew,
		Priority:  domain.PriorityRoutine,
		Specialty: "cardiology",
		Service:   "rapid access chest pain",
		Location:  "City Hospital",
		Reason:    "Chest pain on exertion",
	}
}

func acceptedReferral(id string, triage domain.TriageStatus) *domain.Referral {
	r := newReferral(id)
	r.Status = domain.StatusAccepted
	r.TriageStatus = triage
	return r
}

func intPtr(v int) *int {
	return &v
}

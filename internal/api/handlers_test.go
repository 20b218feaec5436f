package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtt-pathway-engine/internal/domain"
	"github.com/rtt-pathway-engine/internal/service"
)

// stubStore is an in-memory ReferralStore for handler tests.
type stubStore struct {
	referrals map[string]*domain.Referral
}

func newStubStore(referrals ...*domain.Referral) *stubStore {
	s := &stubStore{referrals: make(map[string]*domain.Referral)}
	for _, r := range referrals {
		s.referrals[r.ID] = r.Clone()
	}
	return s
}

func (s *stubStore) LoadReferrals(_ context.Context, specialties []string) ([]*domain.Referral, error) {
	var out []*domain.Referral
	for _, r := range s.referrals {
		if len(specialties) > 0 && !inStrings(specialties, r.Specialty) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *stubStore) GetReferral(_ context.Context, id string) (*domain.Referral, error) {
	r, ok := s.referrals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *stubStore) CreateReferral(_ context.Context, referral *domain.Referral) error {
	s.referrals[referral.ID] = referral.Clone()
	return nil
}

func (s *stubStore) PersistTransition(_ context.Context, referral *domain.Referral) error {
	s.referrals[referral.ID] = referral.Clone()
	return nil
}

func (s *stubStore) PersistTags(_ context.Context, referralID string, tags []string) error {
	r, ok := s.referrals[referralID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Tags = append([]string(nil), tags...)
	return nil
}

func inStrings(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// stubEvents satisfies the audit recorder.
type stubEvents struct {
	events []*domain.TriageEvent
}

func (e *stubEvents) RecordEvent(_ context.Context, event *domain.TriageEvent) error {
	e.events = append(e.events, event)
	return nil
}

func (e *stubEvents) EventsForReferral(_ context.Context, referralID string) ([]*domain.TriageEvent, error) {
	var out []*domain.TriageEvent
	for _, ev := range e.events {
		if ev.ReferralID == referralID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func testServer(t *testing.T, referrals ...*domain.Referral) (*Server, *stubStore, *stubEvents) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := newStubStore(referrals...)
	events := &stubEvents{}
	triage := service.NewTriageService(logger, store, events, nil)

	engine := service.NewSuggestionEngine(logger)
	suggestions, err := service.NewSuggestionService(logger, service.NewEngineProvider(engine), nil, domain.SuggestionsConfig{MemoCacheSize: 8})
	require.NoError(t, err)

	cfg := &domain.Config{}
	server := NewServer(cfg, logger, triage, store, events, suggestions)
	return server, store, events
}

func doRequest(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "dr.jones")

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func apiReferral(id string) *domain.Referral {
	return &domain.Referral{
		ID:        id,
		UBRN:      "UBRN-" + id,
		Patient:   domain.Patient{ID: "pat-" + id, Name: "Sam Patient"},
		Created:   time.Now().UTC().AddDate(0, 0, -10),
		Status:    domain.StatusNew,
		Priority:  domain.PriorityRoutine,
		Specialty: "cardiology",
		Location:  "City Hospital",
		Reason:    "Chest pain on exertion",
	}
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := testServer(t)
	rec := doRequest(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHandleGetReferral(t *testing.T) {
	server, _, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodGet, "/api/v1/referrals/r1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/api/v1/referrals/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateReferral(t *testing.T) {
	server, store, _ := testServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals", apiReferral("r1"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, store.referrals, "r1")

	// Missing UBRN fails validation.
	invalid := apiReferral("r2")
	invalid.UBRN = ""
	rec = doRequest(t, server, http.MethodPost, "/api/v1/referrals", invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAccept(t *testing.T) {
	server, store, events := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/accept", map[string]any{
		"allocation": map[string]string{"team_id": "team-cardio"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored := store.referrals["r1"]
	assert.Equal(t, domain.StatusAccepted, stored.Status)
	assert.Equal(t, domain.TriagePreAssessment, stored.TriageStatus)
	require.Len(t, events.events, 1)
	assert.Equal(t, "dr.jones", events.events[0].Actor)
}

func TestHandleReject_RequiresReason(t *testing.T) {
	server, store, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/reject", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.StatusNew, store.referrals["r1"].Status)

	rec = doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/reject", map[string]string{"reason": "duplicate"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusRejected, store.referrals["r1"].Status)
}

func TestHandleSetTriageStatus(t *testing.T) {
	accepted := apiReferral("r1")
	accepted.Status = domain.StatusAccepted
	accepted.TriageStatus = domain.TriageAssessed
	server, store, _ := testServer(t, accepted)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/triage-status",
		map[string]string{"triage_status": "waiting-list"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.TriageWaitingList, store.referrals["r1"].TriageStatus)

	rec = doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/triage-status",
		map[string]string{"triage_status": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDischarge_InvalidFromTerminal(t *testing.T) {
	rejected := apiReferral("r1")
	rejected.Status = domain.StatusRejected
	server, _, _ := testServer(t, rejected)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/discharge", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ErrCodeInvalidTransition)
}

func TestHandleCreateSubReferral(t *testing.T) {
	parent := apiReferral("parent")
	parent.Status = domain.StatusAccepted
	parent.TriageStatus = domain.TriageAssessed
	server, store, _ := testServer(t, parent)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/parent/sub-referrals",
		map[string]string{"specialty": "dermatology", "reason": "lesion found"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	var child domain.Referral
	require.NoError(t, json.Unmarshal(body["child"], &child))
	assert.Equal(t, "parent", child.ParentReferralID)
	assert.Contains(t, store.referrals, child.ID)
	assert.Equal(t, []string{child.ID}, store.referrals["parent"].ChildReferralIDs)

	// The parent already has a child; a second sub-referral is a conflict.
	rec = doRequest(t, server, http.MethodPost, "/api/v1/referrals/parent/sub-referrals",
		map[string]string{"specialty": "plastics"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleSaveTags(t *testing.T) {
	server, store, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPut, "/api/v1/referrals/r1/tags",
		map[string][]string{"tags": {"2ww", "2ww", "urgent-review"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2ww", "urgent-review"}, store.referrals["r1"].Tags)
}

func TestHandlePauseResume(t *testing.T) {
	waiting := apiReferral("r1")
	waiting.Status = domain.StatusAccepted
	waiting.TriageStatus = domain.TriageWaitingList
	server, store, _ := testServer(t, waiting)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/pause",
		map[string]string{"reason": "awaiting diagnostics"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PathwayPaused, store.referrals["r1"].RTT.Status)

	rec = doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PathwayActive, store.referrals["r1"].RTT.Status)
}

func TestHandleWaitingList_FilterAndSort(t *testing.T) {
	routine := apiReferral("r1")
	routine.Status = domain.StatusAccepted
	routine.TriageStatus = domain.TriageWaitingList

	urgent := apiReferral("r2")
	urgent.Status = domain.StatusAccepted
	urgent.TriageStatus = domain.TriageWaitingList
	urgent.Priority = domain.PriorityUrgent

	server, _, _ := testServer(t, routine, urgent)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/waiting-list?priority=urgent", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Referrals []*domain.Referral `json:"referrals"`
		Total     int                `json:"total"`
		Matched   int                `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 2, payload.Total)
	assert.Equal(t, 1, payload.Matched)
	require.Len(t, payload.Referrals, 1)
	assert.Equal(t, "r2", payload.Referrals[0].ID)

	// Sorting by an unknown field is a caller error.
	rec = doRequest(t, server, http.MethodGet, "/api/v1/waiting-list?sort=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWaitingList_BadRangeParam(t *testing.T) {
	server, _, _ := testServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/waiting-list?age_min=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReorder_PersistsDisplayOrder(t *testing.T) {
	a, b := apiReferral("r1"), apiReferral("r2")
	for _, r := range []*domain.Referral{a, b} {
		r.Status = domain.StatusAccepted
		r.TriageStatus = domain.TriageWaitingList
	}
	server, store, _ := testServer(t, a, b)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/waiting-list/reorder",
		map[string][]string{"sequence": {"r2", "r1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, store.referrals["r2"].DisplayOrder)
	assert.Equal(t, 0, *store.referrals["r2"].DisplayOrder)
	assert.Equal(t, 1, *store.referrals["r1"].DisplayOrder)

	// A later load honors the persisted order.
	rec = doRequest(t, server, http.MethodGet, "/api/v1/waiting-list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Referrals []*domain.Referral `json:"referrals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Referrals, 2)
	assert.Equal(t, "r2", payload.Referrals[0].ID)
}

func TestHandleReorder_UnknownID(t *testing.T) {
	server, _, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPost, "/api/v1/waiting-list/reorder",
		map[string][]string{"sequence": {"ghost"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSuggestions(t *testing.T) {
	server, _, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response domain.SuggestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "r1", response.ReferralID)
	assert.NotEmpty(t, response.Suggestions)
	for _, s := range response.Suggestions {
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestHandleSuggestions_NotFound(t *testing.T) {
	server, _, _ := testServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/missing/suggestions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBatchSuggestions(t *testing.T) {
	var referrals []*domain.Referral
	for i := 1; i <= 4; i++ {
		r := apiReferral(fmt.Sprintf("r%d", i))
		r.Status = domain.StatusAccepted
		r.TriageStatus = domain.TriageWaitingList
		r.Priority = domain.PriorityUrgent
		referrals = append(referrals, r)
	}
	referrals[3].Priority = domain.PriorityRoutine

	server, _, _ := testServer(t, referrals...)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/suggestions/batch", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		RequestToken uint64                  `json:"request_token"`
		Suggestions  []domain.BulkSuggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, uint64(1), payload.RequestToken)
	assert.NotEmpty(t, payload.Suggestions)
}

func TestHandleReferralEvents(t *testing.T) {
	server, _, _ := testServer(t, apiReferral("r1"))

	rec := doRequest(t, server, http.MethodPost, "/api/v1/referrals/r1/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/api/v1/referrals/r1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"to_status":"accepted"`)
}

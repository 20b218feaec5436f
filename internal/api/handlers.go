package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rtt-pathway-engine/internal/domain"
	"github.com/rtt-pathway-engine/internal/service"
)

// actorFrom resolves the acting user for the audit trail. Authentication is
// handled upstream; the header is trusted as-is.
func actorFrom(c *gin.Context) string {
	return c.GetHeader("X-Actor")
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	var (
		invalidTransition *domain.InvalidTransitionError
		validation        *domain.ValidationError
		hierarchy         *domain.HierarchyViolationError
		persistence       *domain.PersistenceError
	)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": domain.ErrCodeInvalidTransition})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": domain.ErrCodeValidation})
	case errors.As(err, &hierarchy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": domain.ErrCodeHierarchyViolation})
	case errors.As(err, &persistence):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": domain.ErrCodePersistence})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// loadReferral fetches the referral addressed by the :id path parameter.
func (s *Server) loadReferral(c *gin.Context) (*domain.Referral, bool) {
	referral, err := s.store.GetReferral(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return referral, true
}

// respondTransition writes the committed referral, surfacing a notification
// failure without hiding the committed state.
func respondTransition(c *gin.Context, referral *domain.Referral, err error) {
	if err != nil {
		var notification *domain.NotificationError
		if errors.As(err, &notification) {
			// Transition committed; the notification is the only failure.
			c.JSON(http.StatusOK, gin.H{
				"referral":           referral,
				"notification_error": notification.Error(),
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": referral})
}

// handleCreateReferral stores a brand-new incoming referral.
func (s *Server) handleCreateReferral(c *gin.Context) {
	var referral domain.Referral
	if err := c.ShouldBindJSON(&referral); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := referral.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateReferral(c.Request.Context(), &referral); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"referral": referral})
}

// handleGetReferral returns a single referral.
func (s *Server) handleGetReferral(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": referral})
}

// handleReferralEvents returns a referral's audit trail.
func (s *Server) handleReferralEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log not configured"})
		return
	}
	events, err := s.events.EventsForReferral(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type acceptRequest struct {
	Allocation *domain.AllocationDetail `json:"allocation,omitempty"`
}

func (s *Server) handleAccept(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.Accept(c.Request.Context(), referral, req.Allocation, actorFrom(c))
	respondTransition(c, next, err)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.Reject(c.Request.Context(), referral, req.Reason, actorFrom(c))
	respondTransition(c, next, err)
}

type triageStatusRequest struct {
	TriageStatus string `json:"triage_status"`
}

func (s *Server) handleSetTriageStatus(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req triageStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := domain.ParseTriageStatus(req.TriageStatus)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.SetTriageStatus(c.Request.Context(), referral, target, actorFrom(c))
	respondTransition(c, next, err)
}

func (s *Server) handleDischarge(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	next, err := s.triage.Discharge(c.Request.Context(), referral, actorFrom(c))
	respondTransition(c, next, err)
}

type referOnRequest struct {
	Child *service.ChildPayload `json:"child,omitempty"`
}

func (s *Server) handleReferOn(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req referOnRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, child, err := s.triage.ReferToSpecialty(c.Request.Context(), referral, req.Child, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": next, "child": child})
}

func (s *Server) handleCreateSubReferral(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var payload service.ChildPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	child, parent, err := s.triage.CreateSubReferral(c.Request.Context(), referral, payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"child": child, "parent": parent})
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleSaveTags(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.SaveTags(c.Request.Context(), referral, req.Tags)
	respondTransition(c, next, err)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.PausePathway(c.Request.Context(), referral, req.Reason)
	respondTransition(c, next, err)
}

func (s *Server) handleResume(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	next, err := s.triage.ResumePathway(c.Request.Context(), referral)
	respondTransition(c, next, err)
}

func (s *Server) handleDiscontinue(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := s.triage.DiscontinuePathway(c.Request.Context(), referral, req.Reason)
	respondTransition(c, next, err)
}

// handleWaitingList loads the waiting list, applies the filter and sort from
// the query string, and returns the result.
func (s *Server) handleWaitingList(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := domain.SortSpec{
		Field:     c.Query("sort"),
		Direction: domain.SortDirection(c.Query("direction")),
	}

	referrals, err := s.triage.LoadWaitingList(c.Request.Context(), csvParam(c, "specialties"))
	if err != nil {
		respondError(c, err)
		return
	}
	applyDisplayOrder(referrals)

	s.mu.Lock()
	s.waiting.SetReferrals(referrals)
	result, err := s.waiting.Query(filter, spec)
	s.mu.Unlock()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"referrals": result,
		"total":     len(referrals),
		"matched":   len(result),
	})
}

type reorderRequest struct {
	Sequence []string `json:"sequence"`
}

// handleReorder applies a manual ordering to the waiting list and persists
// the display order so it survives reloads.
func (s *Server) handleReorder(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	referrals, err := s.triage.LoadWaitingList(c.Request.Context(), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	applyDisplayOrder(referrals)

	s.mu.Lock()
	s.waiting.SetReferrals(referrals)
	err = s.waiting.Reorder(req.Sequence)
	reordered := s.waiting.Referrals()
	s.mu.Unlock()
	if err != nil {
		respondError(c, err)
		return
	}

	for _, r := range reordered {
		if err := s.store.PersistTransition(c.Request.Context(), r); err != nil {
			respondError(c, &domain.PersistenceError{Op: "persist display order", ReferralID: r.ID, Err: err})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"referrals": reordered})
}

// handleSuggestions runs a suggestion analysis for one referral. The request
// blocks until the analysis lands; a response superseded by a newer request
// comes back flagged stale with no payload.
func (s *Server) handleSuggestions(c *gin.Context) {
	referral, ok := s.loadReferral(c)
	if !ok {
		return
	}

	token, ch := s.suggestions.RequestSuggestions(c.Request.Context(), referral)
	select {
	case result := <-ch:
		if result.Err != nil {
			respondError(c, result.Err)
			return
		}
		if result.Stale {
			c.JSON(http.StatusOK, gin.H{"request_token": token, "stale": true})
			return
		}
		c.JSON(http.StatusOK, result.Response)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": c.Request.Context().Err().Error()})
	}
}

type batchSuggestionsRequest struct {
	Specialties []string `json:"specialties,omitempty"`
}

// handleBatchSuggestions analyzes shared characteristics across the current
// waiting list.
func (s *Server) handleBatchSuggestions(c *gin.Context) {
	var req batchSuggestionsRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	referrals, err := s.triage.LoadWaitingList(c.Request.Context(), req.Specialties)
	if err != nil {
		respondError(c, err)
		return
	}

	token, ch := s.suggestions.RequestBatchSuggestions(c.Request.Context(), referrals)
	select {
	case result := <-ch:
		if result.Err != nil {
			respondError(c, result.Err)
			return
		}
		if result.Stale {
			c.JSON(http.StatusOK, gin.H{"request_token": token, "stale": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_token": result.RequestToken,
			"suggestions":   result.Suggestions,
		})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": c.Request.Context().Err().Error()})
	}
}

// filterFromQuery builds the waiting-list filter state from the query string.
func filterFromQuery(c *gin.Context) (domain.WaitingListFilterState, error) {
	filter := domain.WaitingListFilterState{
		Priority:          c.Query("priority"),
		LocationContains:  c.Query("location"),
		Tags:              csvParam(c, "tags"),
		AppointmentBucket: domain.AppointmentBucket(c.Query("bucket")),
	}

	for _, risk := range csvParam(c, "breach_risks") {
		filter.BreachRisks = append(filter.BreachRisks, domain.BreachRisk(risk))
	}

	var err error
	if filter.ReferralAgeDays, err = rangeParam(c, "age_min", "age_max"); err != nil {
		return filter, err
	}
	if filter.RTTDaysRemaining, err = rangeParam(c, "rtt_min", "rtt_max"); err != nil {
		return filter, err
	}
	return filter, nil
}

func csvParam(c *gin.Context, name string) []string {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func rangeParam(c *gin.Context, minName, maxName string) (domain.IntRange, error) {
	var r domain.IntRange
	if raw := c.Query(minName); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return r, domain.NewValidationError(minName, "must be an integer", raw)
		}
		r.Min = &v
	}
	if raw := c.Query(maxName); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return r, domain.NewValidationError(maxName, "must be an integer", raw)
		}
		r.Max = &v
	}
	return r, nil
}

// applyDisplayOrder restores a persisted manual ordering: referrals with a
// display order come first in that order, the rest keep their load order.
func applyDisplayOrder(referrals []*domain.Referral) {
	sort.SliceStable(referrals, func(i, j int) bool {
		oi, oj := referrals[i].DisplayOrder, referrals[j].DisplayOrder
		if oi == nil || oj == nil {
			return oi != nil && oj == nil
		}
		return *oi < *oj
	})
}

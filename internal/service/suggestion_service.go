package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rtt-pathway-engine/internal/domain"
)

// SuggestionResult is one delivery from an asynchronous analysis request.
// Stale marks a response superseded by a newer request; it carries no
// payload and no error; discarding it is the documented behavior, not a
// failure.
type SuggestionResult struct {
	Response *domain.SuggestionResponse
	Err      error
	Stale    bool
}

// BatchResult is the bulk-analysis counterpart of SuggestionResult.
type BatchResult struct {
	RequestToken uint64
	Suggestions  []domain.BulkSuggestion
	Err          error
	Stale        bool
}

// SuggestionService is the asynchronous boundary in front of the
// deterministic suggestion engine. Analysis is modeled as a remote call
// with latency, so the service enforces the cancellation contract: every
// request carries a monotonically increasing token, and a response is
// delivered as current only if its token still matches the latest issued
// token when it completes. Anything older arrives marked stale and must be
// discarded by the consumer.
//
// Failing this contract is a correctness bug, not a performance issue: a
// late response for referral A must never be displayed against referral B's
// context.
type SuggestionService struct {
	logger   *logrus.Logger
	provider domain.SuggestionProvider
	cache    domain.SuggestionCache // optional shared cache; nil disables
	memo     *lru.Cache[string, *domain.SuggestionResponse]
	limiter  *rate.Limiter
	delay    time.Duration

	latestToken      atomic.Uint64
	latestBatchToken atomic.Uint64
}

// NewSuggestionService wires the service. cache may be nil; memoCacheSize
// must be positive; rateLimit is analyses per second (0 disables limiting);
// delay simulates the remote round trip and may be zero.
func NewSuggestionService(logger *logrus.Logger, provider domain.SuggestionProvider, cache domain.SuggestionCache, cfg domain.SuggestionsConfig) (*SuggestionService, error) {
	size := cfg.MemoCacheSize
	if size <= 0 {
		size = 256
	}
	memo, err := lru.New[string, *domain.SuggestionResponse](size)
	if err != nil {
		return nil, fmt.Errorf("creating suggestion memo cache: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &SuggestionService{
		logger:   logger,
		provider: provider,
		cache:    cache,
		memo:     memo,
		limiter:  rate.NewLimiter(limit, 1),
		delay:    cfg.RequestDelay,
	}, nil
}

// RequestSuggestions starts an asynchronous analysis of one referral and
// returns the issued token plus a channel delivering exactly one result.
// Issuing a new request invalidates every in-flight older one.
func (s *SuggestionService) RequestSuggestions(ctx context.Context, referral *domain.Referral) (uint64, <-chan SuggestionResult) {
	token := s.latestToken.Add(1)
	ch := make(chan SuggestionResult, 1)
	snapshot := referral.Clone()

	go func() {
		defer close(ch)
		response, err := s.analyze(ctx, snapshot, token)
		if err != nil {
			ch <- SuggestionResult{Err: err}
			return
		}
		if s.latestToken.Load() != token {
			// Superseded while in flight: discard silently.
			s.logger.WithFields(logrus.Fields{
				"referral_id": snapshot.ID,
				"token":       token,
				"latest":      s.latestToken.Load(),
			}).Debug("Discarding stale suggestion response")
			ch <- SuggestionResult{Stale: true}
			return
		}
		ch <- SuggestionResult{Response: response}
	}()

	return token, ch
}

// RequestBatchSuggestions starts an asynchronous bulk analysis. Batch
// requests carry their own token sequence, independent of single-referral
// requests.
func (s *SuggestionService) RequestBatchSuggestions(ctx context.Context, referrals []*domain.Referral) (uint64, <-chan BatchResult) {
	token := s.latestBatchToken.Add(1)
	ch := make(chan BatchResult, 1)

	snapshots := make([]*domain.Referral, len(referrals))
	for i, r := range referrals {
		snapshots[i] = r.Clone()
	}

	go func() {
		defer close(ch)
		if err := s.simulateLatency(ctx); err != nil {
			ch <- BatchResult{RequestToken: token, Err: err}
			return
		}
		suggestions, err := s.provider.AnalyzeBatch(ctx, snapshots)
		if err != nil {
			ch <- BatchResult{RequestToken: token, Err: err}
			return
		}
		if s.latestBatchToken.Load() != token {
			ch <- BatchResult{RequestToken: token, Stale: true}
			return
		}
		ch <- BatchResult{RequestToken: token, Suggestions: suggestions}
	}()

	return token, ch
}

// IsCurrent reports whether the token is still the latest issued
// single-referral request.
func (s *SuggestionService) IsCurrent(token uint64) bool {
	return s.latestToken.Load() == token
}

// analyze runs the analysis through the memo cache, the shared cache, and
// finally the provider. Analysis is deterministic over the snapshot, so
// identical content reuses prior results.
func (s *SuggestionService) analyze(ctx context.Context, referral *domain.Referral, token uint64) (*domain.SuggestionResponse, error) {
	key := snapshotKey(referral)

	if cached, ok := s.memo.Get(key); ok {
		return withToken(cached, token), nil
	}
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.WithError(err).Warn("Suggestion cache read failed, analyzing directly")
		} else if ok {
			s.memo.Add(key, cached)
			return withToken(cached, token), nil
		}
	}

	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	suggestions, err := s.provider.Analyze(ctx, referral)
	if err != nil {
		return nil, fmt.Errorf("analyzing referral %s: %w", referral.ID, err)
	}

	response := &domain.SuggestionResponse{
		RequestToken:      token,
		ReferralID:        referral.ID,
		Suggestions:       suggestions,
		OverallConfidence: OverallConfidence(suggestions),
		GeneratedAt:       time.Now().UTC(),
	}

	s.memo.Add(key, response)
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, response); err != nil {
			s.logger.WithError(err).Warn("Suggestion cache write failed")
		}
	}
	return response, nil
}

// simulateLatency waits for the rate limiter and the configured round-trip
// delay, honoring context cancellation at both points.
func (s *SuggestionService) simulateLatency(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("suggestion rate limit: %w", err)
	}
	if s.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withToken restamps a cached response for the request that is about to
// consume it. The cached copy itself stays untouched.
func withToken(cached *domain.SuggestionResponse, token uint64) *domain.SuggestionResponse {
	response := *cached
	response.RequestToken = token
	return &response
}

// snapshotKey hashes the analysis-relevant content of a referral snapshot.
func snapshotKey(referral *domain.Referral) string {
	payload, err := json.Marshal(struct {
		ID       string
		Status   domain.Status
		Triage   domain.TriageStatus
		Priority domain.Priority
		Text     [5]string
		Tags     []string
		Updated  int64
	}{
		ID:       referral.ID,
		Status:   referral.Status,
		Triage:   referral.TriageStatus,
		Priority: referral.Priority,
		Text:     [5]string{referral.Reason, referral.History, referral.Diagnosis, referral.Medications, referral.Notes},
		Tags:     referral.Tags,
		Updated:  referral.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return referral.ID
	}
	return fmt.Sprintf("%x", sha256.Sum256(payload))
}

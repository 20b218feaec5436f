// Package notify implements the booking-system notification client. Accept
// and reject decisions are pushed to the external e-referral booking service
// over HTTP, behind a circuit breaker and a rate limiter.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rtt-pathway-engine/internal/domain"
)

// BookingNotifier implements domain.Notifier against the booking system's
// REST API. The engine never retries a failed notification; the breaker
// only stops a flapping booking system from absorbing every request.
type BookingNotifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *logrus.Logger
}

// NewBookingNotifier creates the notification client.
func NewBookingNotifier(config domain.NotifierConfig, logger *logrus.Logger) *BookingNotifier {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	breakerTimeout := config.BreakerTimeout
	if breakerTimeout == 0 {
		breakerTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "BookingSystem",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &BookingNotifier{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rateLimit: rate.NewLimiter(limit, 1),
		breaker:   breaker,
		log:       logger,
	}
}

// NotifyAccepted informs the booking system that a referral was accepted
// into triage.
func (n *BookingNotifier) NotifyAccepted(ctx context.Context, referralID string) error {
	return n.post(ctx, referralID, "accepted", map[string]string{
		"referral_id": referralID,
		"decision":    "accepted",
	})
}

// NotifyRejected informs the booking system that a referral was rejected,
// including the clinician's reason.
func (n *BookingNotifier) NotifyRejected(ctx context.Context, referralID string, reason string) error {
	return n.post(ctx, referralID, "rejected", map[string]string{
		"referral_id": referralID,
		"decision":    "rejected",
		"reason":      reason,
	})
}

func (n *BookingNotifier) post(ctx context.Context, referralID, decision string, payload map[string]string) error {
	if err := n.rateLimit.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}

	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.send(ctx, referralID, payload)
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			return fmt.Errorf("booking system unavailable (circuit breaker open)")
		}
		n.log.WithFields(logrus.Fields{
			"referral_id": referralID,
			"decision":    decision,
			"error":       err,
		}).Error("Booking system notification failed")
		return err
	}

	n.log.WithFields(logrus.Fields{
		"referral_id": referralID,
		"decision":    decision,
	}).Info("Booking system notified")

	return nil
}

func (n *BookingNotifier) send(ctx context.Context, referralID string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}

	url := fmt.Sprintf("%s/referrals/%s/decision", n.baseURL, referralID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("booking system returned %d: %s", resp.StatusCode, snippet)
	}

	return nil
}

// BreakerState exposes the breaker state for health endpoints.
func (n *BookingNotifier) BreakerState() gobreaker.State {
	return n.breaker.State()
}

package forwarder

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// StatusTransportError is the status reported for an attempt
// that did not produce an HTTP response at all.
const StatusTransportError = -1

// OutcomeKind is the decision taken after a send attempt.
type OutcomeKind int

const (
	// Success means the collector accepted the notification.
	Success OutcomeKind = iota

	// RetryAfter means the notification should be sent
	// again once Outcome.Delay has passed.
	RetryAfter

	// PermanentFailure means the notification is discarded.
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryAfter:
		return "retry"
	case PermanentFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of RetryPolicy.Decide.
type Outcome struct {
	Kind OutcomeKind

	// Delay is only set for RetryAfter.
	Delay time.Duration

	// Reason is only set for RetryAfter and PermanentFailure.
	Reason string
}

// Backoff computes capped exponential delays.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	// Jitter is the fraction of the delay that is randomised,
	// between 0 and 1.
	Jitter float64
}

// DefaultBackoff returns 100ms, 400ms, 1.6s, 5s, 5s...
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Factor:    4,
	}
}

// Delay returns the delay before the next attempt, given
// the number of attempts already made (at least 1).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := float64(b.BaseDelay) * math.Pow(b.Factor, float64(attempts-1))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += rand.Float64()*2*spread - spread
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// RetryPolicy decides what happens to a notification after
// a send attempt, based on the status code only.
type RetryPolicy struct {
	Backoff Backoff
}

// NewRetryPolicy constructs a RetryPolicy with the given backoff.
func NewRetryPolicy(b Backoff) RetryPolicy {
	return RetryPolicy{Backoff: b}
}

// Decide classifies an attempt.
//
// attempts is the number of attempts made so far, including
// the one that returned status. A retryable status becomes a
// PermanentFailure once attempts reaches maxAttempts.
func (p RetryPolicy) Decide(status, attempts, maxAttempts int) Outcome {
	switch {
	case is2XX(status):
		return Outcome{Kind: Success}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Outcome{
			Kind:   PermanentFailure,
			Reason: fmt.Sprintf("authorization failed (%d)", status),
		}
	case isRetryable(status):
		if attempts >= maxAttempts {
			return Outcome{
				Kind:   PermanentFailure,
				Reason: fmt.Sprintf("%s, gave up after %d attempts", describe(status), attempts),
			}
		}

		return Outcome{
			Kind:   RetryAfter,
			Delay:  p.Backoff.Delay(attempts),
			Reason: describe(status),
		}
	default:
		return Outcome{
			Kind:   PermanentFailure,
			Reason: describe(status),
		}
	}
}

func is2XX(status int) bool {
	return status >= 200 && status < 300
}

func is5XX(status int) bool {
	return status >= 500 && status < 600
}

// isRetryable reports statuses worth another attempt. Anything
// below 100 is not an HTTP status, the request never got a response.
func isRetryable(status int) bool {
	return status < 100 ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		is5XX(status)
}

func describe(status int) string {
	switch {
	case status < 100:
		return "transport error"
	case status == http.StatusTooManyRequests:
		return "collector is throttling"
	case status == http.StatusRequestTimeout:
		return "request timed out"
	case is5XX(status):
		return fmt.Sprintf("server error %d", status)
	case status >= 400 && status < 500:
		return fmt.Sprintf("client error %d", status)
	default:
		return fmt.Sprintf("unexpected status %d", status)
	}
}

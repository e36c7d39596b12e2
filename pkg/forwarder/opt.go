package forwarder

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type rateLimiter interface {
	Acquire(ctx context.Context) error
}

// Opt represents options that can be passed to the Forwarder.
// These can be used to configure the Forwarder.
type Opt func(f *Forwarder)

// WithTransport sets the transport used to reach the collector.
//
// If not set, an HTTPTransport is built from the configuration.
func WithTransport(t Transport) Opt {
	return func(f *Forwarder) {
		f.transport = t
	}
}

// WithRateLimiter sets the rate limiter for the forwarder.
//
// If not set, the limiter named by the rateLimiter key is
// built with maxRequestsPerMinute.
func WithRateLimiter(rl rateLimiter) Opt {
	return func(f *Forwarder) {
		f.limiter = rl
	}
}

// WithRetryPolicy replaces the retry policy derived from
// the retry keys of the configuration.
func WithRetryPolicy(p RetryPolicy) Opt {
	return func(f *Forwarder) {
		f.policy = p
	}
}

// WithLoggingEnabled enables and sets the log level for the Forwarder.
//
// It is turned off by default.
func WithLoggingEnabled(ll log.Level) Opt {
	return func(f *Forwarder) {
		f.logger = newLogger(true, ll)
	}
}

// WithLogger sets the logger, for callers that already
// have one configured.
func WithLogger(l *log.Logger) Opt {
	return func(f *Forwarder) {
		f.logger = l
	}
}

// WithMetrics allows passing in a custom registry
// and allow metric collection.
// It is disabled by default.
//
// A registry is created if r is nil.
func WithMetrics(r *prometheus.Registry) Opt {
	return func(f *Forwarder) {
		f.metrics = newMetrics(true, r)
	}
}

// WithClock replaces the clock used for enqueue times
// and retry scheduling.
func WithClock(now func() time.Time) Opt {
	return func(f *Forwarder) {
		f.now = now
	}
}

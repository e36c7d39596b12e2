package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vivangkumar/forward/pkg/forwarder/internal/ratelimiter"
)

// Forwarder delivers queued notifications to the collector.
//
// Producers call SendNotification, workers (see Pool) call
// ForwardBatch. Every enqueued notification ends up either
// delivered or discarded, exactly once.
type Forwarder struct {
	// cfg stores the validated configuration.
	cfg Config

	// queue holds pending notifications and the counters.
	queue *Queue

	// transport is shared read-only by every worker.
	transport Transport

	// limiter gates every send attempt, globally.
	limiter rateLimiter
	policy  RetryPolicy

	now func() time.Time

	// lastStatus is the unix nano time of the last
	// status line.
	lastStatus atomic.Int64

	disposed    atomic.Bool
	disposeOnce sync.Once

	// logger and metrics are for observability and monitoring.
	logger  *logrus.Logger
	metrics metrics
}

// New constructs a Forwarder from a configuration and options.
//
// It fails if the configuration is invalid or the transport
// or rate limiter cannot be built; the forwarder must not start
// in that case.
//
// Callers should call Dispose, directly or through Pool.Stop,
// to release the transport.
func New(cfg Config, opts ...Opt) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Forwarder{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueCapacity),
		policy:  NewRetryPolicy(cfg.backoff()),
		now:     time.Now,
		logger:  newLogger(false, defaultLogLevel),
		metrics: newMetrics(false, nil),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.limiter == nil {
		rl, err := newRateLimiter(cfg)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		f.limiter = rl
	}

	if f.transport == nil {
		t, err := NewHTTPTransport(cfg)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		f.transport = t
	}

	f.lastStatus.Store(f.now().UnixNano())
	f.metrics.setQueueCapacity(cfg.QueueCapacity)

	f.logger.WithFields(logrus.Fields{
		"endpoint":                cfg.Endpoint,
		"max_requests_per_minute": cfg.MaxRequestsPerMinute,
		"batch_size":              cfg.BatchSize,
		"max_retry_attempts":      cfg.MaxRetryAttempts,
		"queue_capacity":          cfg.QueueCapacity,
	}).Info("forwarder configured")

	return f, nil
}

func newRateLimiter(cfg Config) (rateLimiter, error) {
	if cfg.RateLimiter == RateLimiterBucket {
		return ratelimiter.NewBucket(cfg.MaxRequestsPerMinute, cfg.BatchSize)
	}

	return ratelimiter.New(cfg.MaxRequestsPerMinute, ratelimiter.WithWindowLength(defaultRateLimitWindow))
}

// SendNotification enqueues a notification for the given subject.
//
// The history, which may be nil, only receives audit messages.
//
// It returns ErrDisabled when forwarding is switched off and a
// *QueueFullError when the queue is at capacity. In both cases
// the notification is not counted.
func (f *Forwarder) SendNotification(subjectKey, value, username, token string, history History) error {
	if !f.cfg.Enabled {
		f.logger.WithField("subject", subjectKey).Info("notification forwarding is disabled")
		return ErrDisabled
	}

	if f.disposed.Load() {
		return ErrDisposed
	}

	req := NewRequest(subjectKey, value, username, token, history)
	req.EnqueuedAt = f.now()

	if err := f.queue.Enqueue(req); err != nil {
		f.logger.WithError(err).WithField("subject", subjectKey).Info("failed to enqueue notification")
		f.metrics.incrEnqueueFailures()

		return err
	}
	f.metrics.incrEnqueued()

	f.logger.
		WithField("id", req.ID).
		WithField("sample", req.String()).
		Debug("notification enqueued")
	if f.cfg.ForwardingHistory {
		f.appendHistory(req, fmt.Sprintf("Sample %s enqueued.", req))
	}

	return nil
}

// ForwardBatch sends up to batchSize eligible notifications.
//
// Every attempt waits for the rate limiter first. It returns the
// number of notifications that reached a terminal state, that is
// delivered or discarded, during this call.
//
// Per notification failures never make it fail. An error is only
// returned when ctx is done, in which case the notifications of
// the batch that were not attempted go back to the queue, or when
// the forwarder has been disposed.
func (f *Forwarder) ForwardBatch(ctx context.Context) (int, error) {
	if f.disposed.Load() {
		return 0, ErrDisposed
	}
	defer f.logStatus()

	batch := f.queue.DequeueBatch(f.cfg.BatchSize, f.now())
	if len(batch) == 0 {
		return 0, nil
	}

	f.logger.WithField("count", len(batch)).Debug("forwarding batch")

	terminal := 0
	for i, req := range batch {
		if err := ctx.Err(); err != nil {
			f.queue.Restore(batch[i:])
			return terminal, err
		}

		start := time.Now()
		if err := f.limiter.Acquire(ctx); err != nil {
			f.queue.Restore(batch[i:])
			return terminal, err
		}
		f.metrics.measureRateLimitWait(start)

		if f.forward(ctx, req) {
			terminal++
		}
	}

	f.metrics.setQueueDepth(f.queue.Len())

	return terminal, nil
}

// forward makes one attempt for req and finalises or requeues it.
//
// It returns true if req reached a terminal state.
func (f *Forwarder) forward(ctx context.Context, req *Request) bool {
	// An attempt in progress is completed even if ctx is
	// cancelled, the transport bounds its duration.
	sendCtx := context.WithoutCancel(ctx)

	start := time.Now()
	resp, err := f.send(sendCtx, req)
	status := resp.StatusCode
	if err != nil {
		status = statusFromError(err)
	}
	f.metrics.measureSendLatency(start, status)

	req.Attempts++
	outcome := f.policy.Decide(status, req.Attempts, f.cfg.MaxRetryAttempts)
	f.metrics.incrOutcome(outcome.Kind)

	entry := f.logger.WithFields(logrus.Fields{
		"id":       req.ID,
		"subject":  req.SubjectKey,
		"status":   status,
		"attempts": req.Attempts,
	})

	switch outcome.Kind {
	case Success:
		f.queue.markDelivered()
		f.record(req, entry.WithField("job_id", resp.Result.JobID), logrus.InfoLevel,
			fmt.Sprintf("Sample %s sent.", req))

		return true
	case RetryAfter:
		req.NextEligibleAt = f.now().Add(outcome.Delay)
		f.queue.Requeue(req)

		entry = entry.WithField("delay", outcome.Delay)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug(fmt.Sprintf("retrying notification: %s", outcome.Reason))

		return false
	default:
		f.queue.markDiscarded()

		if err != nil {
			entry = entry.WithError(err)
		}
		f.record(req, entry, logrus.WarnLevel,
			fmt.Sprintf("Failed to forward %s: %s.", req, newRequestError(status, req, outcome).Reason))

		return true
	}
}

// send calls the transport, turning a panic into an error so
// that a single bad notification cannot take a worker down.
func (f *Forwarder) send(ctx context.Context, req *Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()

	return f.transport.Send(ctx, req)
}

// statusFromError maps a transport error to a status: timeouts
// are reported as 408, anything else as StatusTransportError.
func statusFromError(err error) int {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return 408
	}

	return StatusTransportError
}

// record logs and appends to the history of req at a
// terminal state, as configured.
func (f *Forwarder) record(req *Request, entry *logrus.Entry, level logrus.Level, msg string) {
	if f.cfg.PerNotificationLogging {
		entry.Log(level, msg)
	}
	if f.cfg.ForwardingHistory {
		f.appendHistory(req, msg)
	}
}

// appendHistory appends msg to the history of req. A panicking
// history is logged and otherwise ignored: req has already been
// accounted for.
func (f *Forwarder) appendHistory(req *Request, msg string) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.
				WithField("id", req.ID).
				WithField("subject", req.SubjectKey).
				Errorf("history panic: %v", r)
		}
	}()

	req.History().AppendMessage(msg)
}

// logStatus logs the counters at most once per status interval,
// whichever worker gets there first.
func (f *Forwarder) logStatus() {
	now := f.now()
	last := f.lastStatus.Load()
	if now.Sub(time.Unix(0, last)) < f.cfg.statusInterval() {
		return
	}
	if !f.lastStatus.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	s := f.Stats()
	f.logger.WithFields(logrus.Fields{
		"enqueued":         s.Enqueued,
		"delivered":        s.Delivered,
		"discarded":        s.Discarded,
		"pending":          s.Pending,
		"max_queue_length": s.MaxQueueLength,
	}).Info("forwarder status")
}

// Dispose releases the transport.
//
// It is idempotent: only the first call closes the transport
// and may return an error. Once disposed, the forwarder refuses
// new notifications and batches.
func (f *Forwarder) Dispose() error {
	var err error
	f.disposeOnce.Do(func() {
		f.disposed.Store(true)
		err = f.transport.Close()

		f.logger.WithError(err).Info("forwarder disposed")
	})

	return err
}

// Stats returns a consistent snapshot of the counters.
func (f *Forwarder) Stats() Stats {
	return f.queue.Stats()
}

// NotificationsEnqueued returns the number of notifications accepted.
func (f *Forwarder) NotificationsEnqueued() int64 {
	return f.Stats().Enqueued
}

// NotificationsDelivered returns the number of notifications
// the collector accepted.
func (f *Forwarder) NotificationsDelivered() int64 {
	return f.Stats().Delivered
}

// NotificationsDiscarded returns the number of notifications
// given up on.
func (f *Forwarder) NotificationsDiscarded() int64 {
	return f.Stats().Discarded
}

// NotificationsProcessed returns delivered + discarded.
func (f *Forwarder) NotificationsProcessed() int64 {
	return f.Stats().Processed
}

// MaxQueueLength returns the largest queue depth observed.
func (f *Forwarder) MaxQueueLength() int {
	return f.Stats().MaxQueueLength
}

// Config returns the configuration the forwarder was built with.
func (f *Forwarder) Config() Config {
	return f.cfg
}

// MetricsRegistry returns the Prometheus metrics registry.
//
// This can be used by callers to report metrics via
// a Prometheus metrics endpoint or collect
// them in another way. It is nil unless WithMetrics was used.
func (f *Forwarder) MetricsRegistry() *prometheus.Registry {
	return f.metrics.registry()
}

// newLogger creates and configures a logger.
//
// It always logs in a structured format.
func newLogger(enabled bool, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{})

	// Discard log output if disabled.
	if !enabled {
		logger.SetOutput(io.Discard)
	}

	return logger
}

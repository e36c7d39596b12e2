package forwarder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDisabled is returned by SendNotification when
	// forwarding is switched off in the configuration.
	ErrDisabled = errors.New("notification forwarding is disabled")

	// ErrDisposed is returned once the forwarder has
	// released its transport.
	ErrDisposed = errors.New("forwarder disposed")
)

// QueueFullError is returned when a notification cannot be
// enqueued because the queue is at capacity.
//
// Callers should test errors for IsTemporary using errors.As
// and either retry after RetryAfter or drop the notification.
type QueueFullError struct {
	Capacity int
	retry    time.Duration
}

func newQueueFullError(capacity int) *QueueFullError {
	return &QueueFullError{Capacity: capacity, retry: defaultEnqueueRetryDuration}
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue capacity of %d reached", e.Capacity)
}

// IsTemporary returns if the error is temporary in nature.
func (e *QueueFullError) IsTemporary() bool {
	return true
}

// RetryAfter returns the duration after which enqueueing
// can be tried again.
func (e *QueueFullError) RetryAfter() time.Duration {
	return e.retry
}

// RequestError describes a send attempt that did not succeed.
//
// It is logged and recorded in the request history, it never
// leaves ForwardBatch.
type RequestError struct {
	StatusCode int
	SubjectKey string
	Reason     string
	retryable  bool
}

func newRequestError(status int, req *Request, outcome Outcome) *RequestError {
	return &RequestError{
		StatusCode: status,
		SubjectKey: req.SubjectKey,
		Reason:     outcome.Reason,
		retryable:  outcome.Kind == RetryAfter,
	}
}

func (re *RequestError) Error() string {
	return fmt.Sprintf("request for %s failed with status %d: %s", re.SubjectKey, re.StatusCode, re.Reason)
}

// IsRetryable determines if the request will be retried.
func (re *RequestError) IsRetryable() bool {
	return re.retryable
}

// ConfigError is returned when the configuration is invalid.
type ConfigError struct {
	// Fields holds the configuration keys that failed validation.
	Fields []string
	err    error
}

func newConfigError(err error) error {
	ce := &ConfigError{err: err}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			ce.Fields = append(ce.Fields, fe.Field())
		}
	}

	return ce
}

func (ce *ConfigError) Error() string {
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("invalid configuration: %s", ce.err.Error())
	}

	return fmt.Sprintf("invalid configuration: %s: %s", strings.Join(ce.Fields, ", "), ce.err.Error())
}

func (ce *ConfigError) Unwrap() error {
	return ce.err
}

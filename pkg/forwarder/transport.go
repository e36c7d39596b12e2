package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport sends a single notification to the collector.
//
// Implementations must be safe for concurrent use: every
// worker of the pool shares the same Transport.
type Transport interface {
	// Send performs one attempt. A non-nil error means no
	// HTTP response was obtained.
	Send(ctx context.Context, req *Request) (Response, error)

	// Close releases the resources held by the Transport.
	Close() error
}

// Response is the outcome of a single send attempt.
//
// Only StatusCode drives forwarding decisions, Result is
// used for logging.
type Response struct {
	StatusCode int
	Result     UpsertResult
}

// UpsertResult is the body the collector answers an
// upsert with.
type UpsertResult struct {
	Status string `json:"status"`
	JobID  int64  `json:"jobId"`
}

// Decoder turns a response body into an UpsertResult.
type Decoder func(status int, body []byte) (UpsertResult, error)

// DecodeJSON is the default Decoder.
//
// Empty bodies decode to the zero UpsertResult.
func DecodeJSON(_ int, body []byte) (UpsertResult, error) {
	var res UpsertResult
	if len(body) == 0 {
		return res, nil
	}

	if err := json.Unmarshal(body, &res); err != nil {
		return UpsertResult{}, fmt.Errorf("decode response: %w", err)
	}

	return res, nil
}

package forwarder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// History is the audit record attached to a notification.
//
// The forwarder only appends messages to it, it never
// reads from it or uses it to make forwarding decisions.
type History interface {
	AppendMessage(msg string)
}

type noopHistory struct{}

func (noopHistory) AppendMessage(_ string) {}

// Request is a single pending notification.
//
// A Request is owned by exactly one of the queue or a worker
// at any point in time, so its fields are not guarded.
type Request struct {
	// ID identifies the request in logs.
	ID uuid.UUID

	// SubjectKey identifies the subject and aspect being
	// reported, e.g. "root.sub|aspect".
	SubjectKey string
	Value      string

	// Username and Token are the credentials the
	// collector call is made with.
	Username string
	Token    string

	EnqueuedAt time.Time

	// Attempts is the number of send attempts that
	// have completed so far.
	Attempts int

	// NextEligibleAt is zero for new requests and is set
	// when a retry is scheduled.
	NextEligibleAt time.Time

	history History
}

// NewRequest constructs a Request ready to be enqueued.
//
// A nil history is allowed.
func NewRequest(subjectKey, value, username, token string, h History) *Request {
	if h == nil {
		h = noopHistory{}
	}

	return &Request{
		ID:         uuid.New(),
		SubjectKey: subjectKey,
		Value:      value,
		Username:   username,
		Token:      token,
		history:    h,
	}
}

// History returns the audit record of the request.
func (r *Request) History() History {
	if r.history == nil {
		return noopHistory{}
	}

	return r.history
}

// eligible reports whether the request may be sent at t.
func (r *Request) eligible(t time.Time) bool {
	return !t.Before(r.NextEligibleAt)
}

// sample is the wire representation of a request.
type sample struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	User  string `json:"user,omitempty"`
}

// MarshalJSON encodes the request as a collector sample.
//
// The token is never part of the body.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(sample{
		Name:  r.SubjectKey,
		Value: r.Value,
		User:  r.Username,
	})
}

// String is used when logging the request.
func (r *Request) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return r.SubjectKey
	}

	return string(b)
}

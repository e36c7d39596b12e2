// Package stub provides a scripted forwarder.Transport that
// answers from canned results instead of the network.
package stub

import (
	"context"
	"sync"
	"time"

	"github.com/vivangkumar/forward/pkg/forwarder"
)

// Result is a canned answer to a send attempt.
type Result struct {
	// Sleep is how long the attempt takes.
	Sleep time.Duration

	StatusCode int

	// Body is decoded like a collector response body.
	Body string

	// Err, when set, is returned instead of a response.
	Err error
}

// OK is a successful Result with an empty body.
func OK() Result {
	return Result{StatusCode: 200}
}

// Status is a Result with the given status code.
func Status(code int) Result {
	return Result{StatusCode: code}
}

// Opt configures a Transport.
type Opt func(t *Transport)

// PerSubject keeps one script position per subject key,
// instead of one shared by every request.
//
// With a cycle, each subject then sees the whole cycle
// regardless of how attempts of other subjects interleave.
func PerSubject() Opt {
	return func(t *Transport) {
		t.perSubject = true
	}
}

// Transport is a scripted forwarder.Transport.
//
// It is safe for concurrent use.
type Transport struct {
	m sync.Mutex

	results []Result

	// def is returned once results are exhausted.
	// When nil, results repeat.
	def *Result

	perSubject bool
	pos        int
	positions  map[string]int

	calls  int
	closed int
}

// List returns a Transport that answers with results in order,
// then with def for every later attempt.
func List(results []Result, def Result, opts ...Opt) *Transport {
	t := &Transport{results: results, def: &def}
	return t.apply(opts)
}

// Cycle returns a Transport that repeats results forever.
//
// It panics if results is empty.
func Cycle(results []Result, opts ...Opt) *Transport {
	if len(results) == 0 {
		panic("stub: empty cycle")
	}

	t := &Transport{results: results}
	return t.apply(opts)
}

// Always returns a Transport that always answers with r.
func Always(r Result) *Transport {
	return List(nil, r)
}

func (t *Transport) apply(opts []Opt) *Transport {
	for _, opt := range opts {
		opt(t)
	}
	t.positions = make(map[string]int)

	return t
}

// Send answers with the next scripted result for req.
func (t *Transport) Send(ctx context.Context, req *forwarder.Request) (forwarder.Response, error) {
	r := t.next(req.SubjectKey)

	if r.Sleep > 0 {
		select {
		case <-time.After(r.Sleep):
		case <-ctx.Done():
			return forwarder.Response{}, ctx.Err()
		}
	}

	if r.Err != nil {
		return forwarder.Response{}, r.Err
	}

	resp := forwarder.Response{StatusCode: r.StatusCode}
	if res, err := forwarder.DecodeJSON(r.StatusCode, []byte(r.Body)); err == nil {
		resp.Result = res
	}

	return resp, nil
}

func (t *Transport) next(subject string) Result {
	t.m.Lock()
	defer t.m.Unlock()

	t.calls++

	pos := t.pos
	if t.perSubject {
		pos = t.positions[subject]
	}

	var r Result
	switch {
	case pos < len(t.results):
		r = t.results[pos]
	case t.def != nil:
		r = *t.def
	default:
		pos %= len(t.results)
		r = t.results[pos]
	}

	pos++
	if t.def == nil {
		pos %= len(t.results)
	}

	if t.perSubject {
		t.positions[subject] = pos
	} else {
		t.pos = pos
	}

	return r
}

// Close records that the transport was closed.
func (t *Transport) Close() error {
	t.m.Lock()
	defer t.m.Unlock()

	t.closed++

	return nil
}

// CallCount returns the number of send attempts made.
func (t *Transport) CallCount() int {
	t.m.Lock()
	defer t.m.Unlock()

	return t.calls
}

// CloseCount returns the number of times Close was called.
func (t *Transport) CloseCount() int {
	t.m.Lock()
	defer t.m.Unlock()

	return t.closed
}

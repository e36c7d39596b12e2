// Package mocks is a minimal mock/ double package.
package mocks

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Captured is a request seen by HTTPClient.
type Captured struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	Body          []byte
}

// HTTPClient is a mock HTTP client implementation
// that works as a double.
//
// It captures the requests passed to Do and forwards
// them to the underlying client, unless an error is set.
//
// It is safe for concurrent use.
type HTTPClient struct {
	m sync.Mutex

	captured []Captured
	err      error
	closed   int

	defaultClient *http.Client
}

// NewHTTPClient constructs a new mock HTTP client on top of cli.
// http.DefaultClient is used if cli is nil.
//
// Reset must be called to reset the internal state.
func NewHTTPClient(cli *http.Client) *HTTPClient {
	if cli == nil {
		cli = http.DefaultClient
	}

	return &HTTPClient{
		defaultClient: cli,
	}
}

// Do records the request and makes it with the underlying client.
func (mc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	c := Captured{
		Method:        req.Method,
		Path:          req.URL.Path,
		Authorization: req.Header.Get("Authorization"),
		ContentType:   req.Header.Get("Content-Type"),
	}

	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()

		c.Body = body
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	mc.m.Lock()
	mc.captured = append(mc.captured, c)
	err := mc.err
	mc.m.Unlock()

	if err != nil {
		return nil, err
	}

	return mc.defaultClient.Do(req)
}

// FailWith makes every later call to Do return err.
func (mc *HTTPClient) FailWith(err error) {
	mc.m.Lock()
	defer mc.m.Unlock()

	mc.err = err
}

// CloseIdleConnections is recorded and passed on.
func (mc *HTTPClient) CloseIdleConnections() {
	mc.m.Lock()
	mc.closed++
	mc.m.Unlock()

	mc.defaultClient.CloseIdleConnections()
}

// CallCount returns the number of calls made to the client.
func (mc *HTTPClient) CallCount() int {
	mc.m.Lock()
	defer mc.m.Unlock()

	return len(mc.captured)
}

// Last returns the last request seen.
func (mc *HTTPClient) Last() (Captured, error) {
	mc.m.Lock()
	defer mc.m.Unlock()

	if len(mc.captured) == 0 {
		return Captured{}, errors.New("no requests captured")
	}

	return mc.captured[len(mc.captured)-1], nil
}

// CloseCount returns the number of calls to CloseIdleConnections.
func (mc *HTTPClient) CloseCount() int {
	mc.m.Lock()
	defer mc.m.Unlock()

	return mc.closed
}

// Reset resets the mock.
func (mc *HTTPClient) Reset() {
	mc.m.Lock()
	defer mc.m.Unlock()

	mc.captured = nil
	mc.err = nil
	mc.closed = 0
}

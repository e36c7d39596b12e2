package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

const (
	upsertPath = "/v1/samples/upsert"

	// maxResponseBody bounds how much of a response is read.
	maxResponseBody = 1 << 20

	defaultMaxConnsPerHost = 200
)

type httpClient interface {
	Do(r *http.Request) (*http.Response, error)
}

// HTTPTransport posts notifications to the collector over HTTP.
//
// The underlying client is built once and only read afterwards,
// so it is shared by all workers.
type HTTPTransport struct {
	// url is the upsert URL derived from the endpoint.
	url string

	// token is used when a request carries none.
	token string

	client  httpClient
	decoder Decoder

	// idle is used to drop pooled connections on Close.
	idle interface{ CloseIdleConnections() }
}

// HTTPTransportOpt configures an HTTPTransport.
type HTTPTransportOpt func(t *HTTPTransport)

// WithHTTPClient replaces the HTTP client, which is otherwise
// built from the configuration.
//
// This can be leveraged to pass in instrumented clients.
func WithHTTPClient(cli httpClient) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.client = cli
		t.idle = nil
		if c, ok := cli.(interface{ CloseIdleConnections() }); ok {
			t.idle = c
		}
	}
}

// WithDecoder sets the function used to decode response bodies.
func WithDecoder(d Decoder) HTTPTransportOpt {
	return func(t *HTTPTransport) {
		t.decoder = d
	}
}

// NewHTTPTransport builds the production transport from cfg.
//
// TLS, proxy and timeouts are configured here and never
// change afterwards.
func NewHTTPTransport(cfg Config, opts ...HTTPTransportOpt) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}

	t := &HTTPTransport{
		url:     strings.TrimRight(cfg.Endpoint, "/") + upsertPath,
		token:   cfg.AuthToken,
		decoder: DecodeJSON,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		client, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		t.client = client
		t.idle = client
	}

	return t, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	proxy, err := proxyFunc(cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	timeout := cfg.connectTimeout()
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          defaultMaxConnsPerHost,
		MaxIdleConnsPerHost:   defaultMaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}

	// Connecting and reading each get the timeout.
	return &http.Client{Transport: transport, Timeout: 2 * timeout}, nil
}

func proxyFunc(cfg Config) (func(*http.Request) (*url.URL, error), error) {
	if cfg.ProxyHost == "" || cfg.ProxyPort == 0 {
		return http.ProxyFromEnvironment, nil
	}

	host := cfg.ProxyHost
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse proxy host %q: %w", cfg.ProxyHost, err)
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(cfg.ProxyPort))

	return http.ProxyURL(u), nil
}

// newTLSConfig loads the client certificate from the custom
// keystore when one is configured.
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in only
	}

	if cfg.CustomKeystorePath == "" {
		return tlsConfig, nil
	}

	cert, err := loadKeystore(
		cfg.CustomKeystorePath,
		cfg.CustomKeystorePassword,
		cfg.CustomKeystoreKeyPassword,
	)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{cert}

	return tlsConfig, nil
}

// loadKeystore reads a PKCS#12 keystore. PKCS#12 files
// produced by most tools share one password for the store and
// the key, keyPassword is only tried when password fails.
func loadKeystore(path, password, keyPassword string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read keystore: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil && keyPassword != "" && keyPassword != password {
		blocks, err = pkcs12.ToPEM(data, keyPassword)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode keystore %s: %w", path, err)
	}

	var buf bytes.Buffer
	for _, b := range blocks {
		if err := pem.Encode(&buf, b); err != nil {
			return tls.Certificate{}, fmt.Errorf("encode keystore block: %w", err)
		}
	}

	cert, err := tls.X509KeyPair(buf.Bytes(), buf.Bytes())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair from %s: %w", path, err)
	}

	return cert, nil
}

// Send makes an HTTP POST request to the collector.
//
// The body is the JSON encoded sample, the token goes in the
// Authorization header. The status code is always returned
// when a response was received, even if the body could not be
// read or decoded.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode sample: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("construct request: %w", err)
	}

	token := req.Token
	if token == "" {
		token = t.token
	}
	if token != "" {
		r.Header.Set("Authorization", token)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(r)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	out := Response{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return out, nil
	}

	// The body is informational, a body that cannot be decoded
	// does not change the outcome.
	if res, err := t.decoder(resp.StatusCode, raw); err == nil {
		out.Result = res
	}

	return out, nil
}

// Close drops idle pooled connections.
func (t *HTTPTransport) Close() error {
	if t.idle != nil {
		t.idle.CloseIdleConnections()
	}

	return nil
}

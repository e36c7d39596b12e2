package forwarder_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivangkumar/forward/pkg/forwarder"
	"github.com/vivangkumar/forward/pkg/forwarder/internal/ratelimiter"
	"github.com/vivangkumar/forward/pkg/forwarder/stub"
)

func testConfig() forwarder.Config {
	cfg := forwarder.DefaultConfig()
	cfg.Endpoint = "http://collector.test"
	cfg.MaxRequestsPerMinute = 100_000_000
	cfg.BatchSize = 500
	cfg.PollIntervalMillis = 1
	cfg.ClientThreads = 4

	return cfg
}

// fastRetry keeps the retry schedule short so tests run quickly.
func fastRetry() forwarder.Opt {
	return forwarder.WithRetryPolicy(forwarder.NewRetryPolicy(forwarder.Backoff{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Factor:    2,
	}))
}

func newForwarder(t *testing.T, cfg forwarder.Config, tr forwarder.Transport, opts ...forwarder.Opt) *forwarder.Forwarder {
	t.Helper()

	opts = append([]forwarder.Opt{forwarder.WithTransport(tr), fastRetry()}, opts...)
	f, err := forwarder.New(cfg, opts...)
	require.NoError(t, err)

	return f
}

func enqueue(t *testing.T, f *forwarder.Forwarder, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		err := f.SendNotification(fmt.Sprintf("root.s%d|aspect", i), "1", "user", "token", nil)
		require.NoError(t, err)
	}
}

// runUntil runs a pool until n notifications were processed.
func runUntil(t *testing.T, f *forwarder.Forwarder, n int64, timeout time.Duration) {
	t.Helper()

	p := forwarder.NewPool(f)
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		return f.NotificationsProcessed() >= n
	}, timeout, 5*time.Millisecond)

	assert.NoError(t, p.Stop())
}

type recordingHistory struct {
	m    sync.Mutex
	msgs []string
}

func (h *recordingHistory) AppendMessage(msg string) {
	h.m.Lock()
	defer h.m.Unlock()

	h.msgs = append(h.msgs, msg)
}

func (h *recordingHistory) messages() []string {
	h.m.Lock()
	defer h.m.Unlock()

	return append([]string(nil), h.msgs...)
}

func assertStats(t *testing.T, f *forwarder.Forwarder, delivered, discarded int64) {
	t.Helper()

	s := f.Stats()
	assert.Equal(t, delivered, s.Delivered, "delivered")
	assert.Equal(t, discarded, s.Discarded, "discarded")
	assert.Equal(t, delivered+discarded, s.Processed, "processed")
	assert.Equal(t, s.Enqueued, s.Processed, "enqueued")
	assert.Equal(t, 0, s.Pending, "pending")
	assert.Equal(t, 0, s.InFlight, "in flight")
}

func TestForwarder_AllDelivered(t *testing.T) {
	t.Parallel()

	tr := stub.Always(stub.OK())
	f := newForwarder(t, testConfig(), tr)

	enqueue(t, f, 1000)
	runUntil(t, f, 1000, 10*time.Second)

	assertStats(t, f, 1000, 0)
	assert.Equal(t, 1000, tr.CallCount())
	assert.Equal(t, 1, tr.CloseCount())
}

func TestForwarder_AlwaysThrottled(t *testing.T) {
	t.Parallel()

	tr := stub.Always(stub.Status(429))
	f := newForwarder(t, testConfig(), tr)

	enqueue(t, f, 2000)
	runUntil(t, f, 2000, 20*time.Second)

	assertStats(t, f, 0, 2000)

	// Each notification gets maxRetryAttempts attempts.
	assert.Equal(t, 3*2000, tr.CallCount())
}

func TestForwarder_Unauthorized(t *testing.T) {
	t.Parallel()

	tr := stub.Always(stub.Status(401))
	f := newForwarder(t, testConfig(), tr)

	enqueue(t, f, 2000)
	runUntil(t, f, 2000, 10*time.Second)

	assertStats(t, f, 0, 2000)

	// No retries are consumed.
	assert.Equal(t, 2000, tr.CallCount())
}

func TestForwarder_IntermittentThrottling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long running test")
	}
	t.Parallel()

	const n = 100_000

	cfg := testConfig()
	cfg.ClientThreads = 8

	tr := stub.Cycle([]stub.Result{stub.Status(429), stub.Status(429), stub.OK()}, stub.PerSubject())
	f := newForwarder(t, cfg, tr)

	enqueue(t, f, n)
	runUntil(t, f, n, 2*time.Minute)

	assertStats(t, f, n, 0)
	assert.Equal(t, 3*n, tr.CallCount())
}

func TestForwarder_IdleStartStop(t *testing.T) {
	t.Parallel()

	tr := stub.Always(stub.OK())
	f := newForwarder(t, testConfig(), tr)

	p := forwarder.NewPool(f)
	p.Start(context.Background())
	time.Sleep(time.Second)
	require.NoError(t, p.Stop())

	assertStats(t, f, 0, 0)
	assert.Equal(t, int64(0), f.NotificationsEnqueued())
	assert.Equal(t, 0, tr.CallCount())
	assert.Equal(t, 1, tr.CloseCount())
}

func TestForwarder_Recovery(t *testing.T) {
	t.Parallel()

	tr := stub.List([]stub.Result{stub.Status(503), stub.Status(500)}, stub.OK())
	f := newForwarder(t, testConfig(), tr)

	h := &recordingHistory{}
	require.NoError(t, f.SendNotification("root.s|aspect", "42", "user", "token", h))

	runUntil(t, f, 1, 5*time.Second)

	assertStats(t, f, 1, 0)
	assert.Equal(t, 3, tr.CallCount())

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "enqueued")
	assert.Contains(t, msgs[1], "sent")
}

func TestForwarder_Exhaustion(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetryAttempts = 5

	tr := stub.Always(stub.Status(500))
	f := newForwarder(t, cfg, tr)

	h := &recordingHistory{}
	require.NoError(t, f.SendNotification("root.s|aspect", "42", "user", "token", h))

	runUntil(t, f, 1, 5*time.Second)

	assertStats(t, f, 0, 1)
	assert.Equal(t, 5, tr.CallCount())

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "Failed to forward")
	assert.Contains(t, msgs[1], "gave up after 5 attempts")
}

func TestForwarder_TransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "connection refused", err: errors.New("dial tcp: connection refused")},
		{name: "timeout", err: context.DeadlineExceeded},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr := stub.Always(stub.Result{Err: tc.err})
			f := newForwarder(t, testConfig(), tr)

			enqueue(t, f, 10)
			runUntil(t, f, 10, 5*time.Second)

			assertStats(t, f, 0, 10)
			assert.Equal(t, 30, tr.CallCount())
		})
	}
}

type panickingTransport struct{}

func (panickingTransport) Send(_ context.Context, _ *forwarder.Request) (forwarder.Response, error) {
	panic("boom")
}

func (panickingTransport) Close() error { return nil }

func TestForwarder_TransportPanic(t *testing.T) {
	t.Parallel()

	f := newForwarder(t, testConfig(), panickingTransport{})

	enqueue(t, f, 3)
	runUntil(t, f, 3, 5*time.Second)

	assertStats(t, f, 0, 3)
}

// panickingHistory panics when a message containing on is appended.
type panickingHistory struct {
	on string
}

func (h panickingHistory) AppendMessage(msg string) {
	if strings.Contains(msg, h.on) {
		panic("history backend down")
	}
}

func TestForwarder_HistoryPanic(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"on enqueue":  "enqueued.",
		"on delivery": "sent.",
	}

	for name, on := range tests {
		name, on := name, on
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			cfg.ForwardingHistory = true

			f := newForwarder(t, cfg, stub.Always(stub.OK()))

			err := f.SendNotification("root.bad|aspect", "1", "user", "token", panickingHistory{on: on})
			require.NoError(t, err)
			enqueue(t, f, 4)

			n, err := f.ForwardBatch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			assertStats(t, f, 5, 0)
		})
	}
}

func TestForwarder_Disabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false

	f := newForwarder(t, cfg, stub.Always(stub.OK()))

	err := f.SendNotification("root.s|aspect", "1", "user", "token", nil)
	assert.ErrorIs(t, err, forwarder.ErrDisabled)
	assert.Equal(t, int64(0), f.NotificationsEnqueued())
}

func TestForwarder_QueueFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QueueCapacity = 2

	f := newForwarder(t, cfg, stub.Always(stub.OK()))
	enqueue(t, f, 2)

	err := f.SendNotification("root.full|aspect", "1", "user", "token", nil)

	var qfe *forwarder.QueueFullError
	require.True(t, errors.As(err, &qfe))
	assert.True(t, qfe.IsTemporary())
	assert.Equal(t, int64(2), f.NotificationsEnqueued())
	assert.Equal(t, 2, f.MaxQueueLength())
}

func TestForwarder_Dispose(t *testing.T) {
	t.Parallel()

	tr := stub.Always(stub.OK())
	f := newForwarder(t, testConfig(), tr)

	assert.NoError(t, f.Dispose())
	assert.NoError(t, f.Dispose())
	assert.Equal(t, 1, tr.CloseCount())

	err := f.SendNotification("root.s|aspect", "1", "user", "token", nil)
	assert.ErrorIs(t, err, forwarder.ErrDisposed)

	_, err = f.ForwardBatch(context.Background())
	assert.ErrorIs(t, err, forwarder.ErrDisposed)
}

func TestForwarder_New_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Endpoint = ""
	cfg.BatchSize = 0

	_, err := forwarder.New(cfg)

	var ce *forwarder.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.ElementsMatch(t, []string{"endpoint", "batchSize"}, ce.Fields)
}

func TestForwarder_New_DefaultTransport(t *testing.T) {
	t.Parallel()

	f, err := forwarder.New(testConfig())
	require.NoError(t, err)
	assert.NoError(t, f.Dispose())
}

func TestForwarder_New_BucketLimiter(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimiter = forwarder.RateLimiterBucket

	tr := stub.Always(stub.OK())
	f := newForwarder(t, cfg, tr)

	enqueue(t, f, 100)
	runUntil(t, f, 100, 5*time.Second)

	assertStats(t, f, 100, 0)
}

func TestForwarder_ForwardBatch_Cancelled(t *testing.T) {
	t.Parallel()

	rl, err := ratelimiter.New(1, ratelimiter.WithWindowLength(time.Hour))
	require.NoError(t, err)

	tr := stub.Always(stub.OK())
	f := newForwarder(t, testConfig(), tr, forwarder.WithRateLimiter(rl))
	enqueue(t, f, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	n, err := f.ForwardBatch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, n)

	s := f.Stats()
	assert.Equal(t, int64(1), s.Delivered)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 0, s.InFlight)
}

// timestamps records when each send attempt was made.
type timestamps struct {
	forwarder.Transport

	m     sync.Mutex
	times []time.Time
}

func (ts *timestamps) Send(ctx context.Context, req *forwarder.Request) (forwarder.Response, error) {
	ts.m.Lock()
	ts.times = append(ts.times, time.Now())
	ts.m.Unlock()

	return ts.Transport.Send(ctx, req)
}

func TestForwarder_RateLimited(t *testing.T) {
	t.Parallel()

	const (
		perWindow = 10
		window    = 200 * time.Millisecond
		tolerance = 20 * time.Millisecond
	)

	rl, err := ratelimiter.New(perWindow, ratelimiter.WithWindowLength(window))
	require.NoError(t, err)

	ts := &timestamps{Transport: stub.Always(stub.OK())}
	f := newForwarder(t, testConfig(), ts, forwarder.WithRateLimiter(rl))

	start := time.Now()
	enqueue(t, f, 3*perWindow)
	runUntil(t, f, 3*perWindow, 5*time.Second)

	assertStats(t, f, 3*perWindow, 0)

	// Three windows are needed.
	assert.GreaterOrEqual(t, time.Since(start), 2*window-tolerance)

	ts.m.Lock()
	times := append([]time.Time(nil), ts.times...)
	ts.m.Unlock()
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// A fixed window allows at most twice its limit in any
	// interval shorter than the window.
	for i := 0; i+2*perWindow < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+2*perWindow].Sub(times[i]), window-tolerance)
	}
}

func TestForwarder_StatsConsistent(t *testing.T) {
	t.Parallel()

	tr := stub.Cycle([]stub.Result{stub.Status(500), stub.OK(), stub.Status(401)})
	f := newForwarder(t, testConfig(), tr)

	enqueue(t, f, 3000)

	p := forwarder.NewPool(f)
	p.Start(context.Background())

	deadline := time.Now().Add(10 * time.Second)
	for f.NotificationsProcessed() < 3000 && time.Now().Before(deadline) {
		s := f.Stats()
		assert.Equal(t, s.Delivered+s.Discarded, s.Processed)
		assert.LessOrEqual(t, s.Processed, s.Enqueued)
	}

	require.NoError(t, p.Stop())

	s := f.Stats()
	assert.Equal(t, int64(3000), s.Processed)
	assert.Equal(t, s.Enqueued, s.Processed)
}

func TestForwarder_Logging(t *testing.T) {
	t.Parallel()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := testConfig()
	cfg.PerNotificationLogging = true
	cfg.StatusIntervalMillis = 0

	f := newForwarder(t, cfg, stub.Always(stub.OK()), forwarder.WithLogger(logger))
	enqueue(t, f, 1)

	n, err := f.ForwardBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var sent, status bool
	for _, e := range hook.AllEntries() {
		switch {
		case e.Message == "forwarder status":
			status = true
			assert.Equal(t, int64(1), e.Data["delivered"])
		case e.Level == logrus.InfoLevel && e.Data["subject"] == "root.s0|aspect":
			sent = true
			assert.Contains(t, e.Message, "sent")
		}
	}

	assert.True(t, sent, "per notification log")
	assert.True(t, status, "status log")
}

func TestForwarder_Metrics(t *testing.T) {
	t.Parallel()

	f := newForwarder(t, testConfig(), stub.Always(stub.OK()), forwarder.WithMetrics(nil))
	enqueue(t, f, 5)

	_, err := f.ForwardBatch(context.Background())
	require.NoError(t, err)

	reg := f.MetricsRegistry()
	require.NotNil(t, reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				values[mf.GetName()] += c.GetValue()
			}
		}
	}

	assert.Equal(t, float64(5), values["forwarder_notifications_enqueued_total"])
	assert.Equal(t, float64(5), values["forwarder_attempts_total"])
}

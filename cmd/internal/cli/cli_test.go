package cli

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivangkumar/forward/pkg/forwarder"
	"github.com/vivangkumar/forward/pkg/forwarder/stub"
)

// drainCheck records whether the pool was done when closed.
type drainCheck struct {
	done    <-chan struct{}
	closed  bool
	drained bool
}

func (c *drainCheck) Close() error {
	c.closed = true
	select {
	case <-c.done:
		c.drained = true
	default:
	}

	return nil
}

func TestShutdown_ClosesHistoryAfterWorkers(t *testing.T) {
	t.Parallel()

	cfg := forwarder.DefaultConfig()
	cfg.Endpoint = "http://collector.test"

	tr := stub.Always(stub.Result{Sleep: 300 * time.Millisecond, StatusCode: 200})
	f, err := forwarder.New(cfg, forwarder.WithTransport(tr))
	require.NoError(t, err)
	require.NoError(t, f.SendNotification("root.a|aspect", "1", "", "", nil))

	pool := forwarder.NewPool(f,
		forwarder.WithWorkers(1),
		forwarder.WithShutDownGraceDuration(20*time.Millisecond),
	)
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		return tr.CallCount() == 1
	}, time.Second, time.Millisecond)

	logger, _ := logtest.NewNullLogger()
	store := &drainCheck{done: pool.Done()}

	err = shutdown(nil, nil, pool, store, logger)
	assert.ErrorContains(t, err, "grace period exceeded")

	assert.True(t, store.closed, "closed")
	assert.True(t, store.drained, "closed before the workers returned")
	assert.Equal(t, int64(1), f.NotificationsDelivered())
}

func TestShutdown_NoHistory(t *testing.T) {
	t.Parallel()

	cfg := forwarder.DefaultConfig()
	cfg.Endpoint = "http://collector.test"

	tr := stub.Always(stub.OK())
	f, err := forwarder.New(cfg, forwarder.WithTransport(tr))
	require.NoError(t, err)

	pool := forwarder.NewPool(f)
	pool.Start(context.Background())

	logger, _ := logtest.NewNullLogger()
	require.NoError(t, shutdown(nil, nil, pool, nil, logger))
	assert.Equal(t, 1, tr.CloseCount())
}

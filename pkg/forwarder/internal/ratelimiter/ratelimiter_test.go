package ratelimiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivangkumar/forward/pkg/forwarder/internal/ratelimiter"
)

func TestWindow_Invalid(t *testing.T) {
	_, err := ratelimiter.New(0)
	assert.Error(t, err)

	_, err = ratelimiter.New(-5)
	assert.Error(t, err)

	_, err = ratelimiter.New(10, ratelimiter.WithWindowLength(0))
	assert.Error(t, err)
}

func TestWindow_Acquire_WithinLimit(t *testing.T) {
	r, err := ratelimiter.New(3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.NoError(t, r.Acquire(context.Background()))
	}
}

func TestWindow_Acquire_WaitsForNextWindow(t *testing.T) {
	r, err := ratelimiter.New(2, ratelimiter.WithWindowLength(300*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		assert.NoError(t, r.Acquire(context.Background()))
	}

	// The third acquisition only fits in the second window.
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestWindow_Acquire_Cancelled(t *testing.T) {
	r, err := ratelimiter.New(1)
	require.NoError(t, err)

	assert.NoError(t, r.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = r.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// It must not sleep out the whole minute.
	assert.Less(t, time.Since(start), time.Second)
}

func TestWindow_Acquire_ResetsWithClock(t *testing.T) {
	var m sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		m.Lock()
		defer m.Unlock()
		return now
	}

	r, err := ratelimiter.New(2, ratelimiter.WithClock(clock))
	require.NoError(t, err)

	assert.NoError(t, r.Acquire(context.Background()))
	assert.NoError(t, r.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.Error(t, r.Acquire(ctx))
	cancel()

	m.Lock()
	now = now.Add(time.Minute)
	m.Unlock()

	assert.NoError(t, r.Acquire(context.Background()))
}

func TestWindow_Acquire_Concurrent(t *testing.T) {
	const (
		max     = 20
		callers = 50
	)

	r, err := ratelimiter.New(max, ratelimiter.WithWindowLength(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Acquire(ctx) == nil {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(max), acquired.Load())
}

func TestBucket_Acquire(t *testing.T) {
	b, err := ratelimiter.NewBucket(600, 2)
	require.NoError(t, err)

	// The burst is available straight away.
	assert.NoError(t, b.Acquire(context.Background()))
	assert.NoError(t, b.Acquire(context.Background()))

	// 600 per minute refills a token every 100ms.
	start := time.Now()
	assert.NoError(t, b.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBucket_Acquire_Cancelled(t *testing.T) {
	b, err := ratelimiter.NewBucket(1, 1)
	require.NoError(t, err)

	assert.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Acquire(ctx), context.Canceled)
}

func TestBucket_Invalid(t *testing.T) {
	_, err := ratelimiter.NewBucket(0, 1)
	assert.Error(t, err)
}

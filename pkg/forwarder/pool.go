package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PoolOpt configures a Pool.
type PoolOpt func(p *Pool)

// WithWorkers sets the number of workers. It defaults to
// the clientThreads key of the forwarder configuration.
func WithWorkers(n int) PoolOpt {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithPollInterval sets how long a worker sleeps between
// batches. It defaults to the pollIntervalMillis key and
// non-positive durations are ignored.
func WithPollInterval(d time.Duration) PoolOpt {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithShutDownGraceDuration configures the duration Stop waits
// for the workers to finish.
//
// Defaults to 3 seconds.
func WithShutDownGraceDuration(d time.Duration) PoolOpt {
	return func(p *Pool) {
		p.grace = d
	}
}

// Pool runs workers that repeatedly call ForwardBatch on a
// shared Forwarder.
//
// Once every worker has returned, the forwarder is disposed,
// exactly once.
type Pool struct {
	f *Forwarder

	size     int
	interval time.Duration
	grace    time.Duration

	logger *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// done is closed once the forwarder is disposed.
	done chan struct{}

	m       sync.Mutex
	started bool

	disposeOnce sync.Once
}

// NewPool constructs a Pool of workers for f.
func NewPool(f *Forwarder, opts ...PoolOpt) *Pool {
	p := &Pool{
		f:        f,
		size:     f.cfg.ClientThreads,
		interval: f.cfg.pollInterval(),
		grace:    defaultShutdownGraceDuration,
		logger:   f.logger,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the workers. They run until ctx is done or
// Stop is called.
//
// Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.worker(ctx, i)
	}

	go func() {
		p.wg.Wait()
		p.dispose()
	}()

	p.logger.WithField("workers", p.size).Info("worker pool started")
}

// Stop signals the workers to stop and waits for them to
// return, for at most the shut down grace duration.
//
// A worker in the middle of a send completes it first. If the
// grace period is exceeded, an error is returned and the
// forwarder is disposed once the last worker returns.
func (p *Pool) Stop() error {
	p.m.Lock()
	if !p.started {
		p.m.Unlock()
		p.dispose()
		return nil
	}
	p.cancel()
	p.m.Unlock()

	select {
	case <-p.done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.grace):
		return fmt.Errorf("shut down grace period exceeded")
	}
}

// Done returns a channel that is closed once the
// workers have returned and the forwarder is disposed.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

func (p *Pool) dispose() {
	p.disposeOnce.Do(func() {
		if err := p.f.Dispose(); err != nil {
			p.logger.WithError(err).Error("failed to dispose forwarder")
		}
		close(p.done)
	})
}

// worker forwards batches until ctx is done.
func (p *Pool) worker(ctx context.Context, num int) {
	defer p.wg.Done()

	logger := p.logger.WithField("worker_num", num)
	logger.Debug("starting worker")

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	var forwarded int
	for {
		n, err := p.f.ForwardBatch(ctx)
		forwarded += n

		switch {
		case errors.Is(err, ErrDisposed):
			logger.WithField("forwarded", forwarded).Info("forwarder disposed, worker stopped")
			return
		case err != nil && ctx.Err() == nil:
			logger.WithError(err).Error("failed to forward batch")
		}

		timer.Reset(p.interval)
		select {
		case <-ctx.Done():
			logger.WithField("forwarded", forwarded).Info("worker stopped")
			return
		case <-timer.C:
		}
	}
}

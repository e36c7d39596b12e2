package timedbuffer

import (
	"fmt"
	"sync"
	"time"
)

// Buffer holds items which are flushed in batches
// in accordance with the flush interval.
//
// It will gather values until a single tick is detected,
// after which they are flushed by sending them over the
// flush channel.
//
// Close should be called to release resources to avoid
// leaking the ticker.
type Buffer[T any] struct {
	// ticker ticks every time the duration interval
	// passes.
	ticker *time.Ticker

	// flushCh is the channel over which a batch
	// is flushed.
	flushCh chan []T

	// stopCh is used to stop the gatherer
	// when the buffer is closed.
	stopCh chan struct{}

	// done is closed once the gatherer returned.
	done chan struct{}

	// buffer holds the items gathered since
	// the last flush.
	buffer []T

	// max size that the buffer can grow to.
	//
	// Items appended beyond the size are refused.
	size int
	m    sync.Mutex

	closeOnce sync.Once
}

// New constructs a new Buffer with the
// specified interval and size.
//
// It spawns a go routine that keeps track of the
// timer and gathers the items added to the buffer.
func New[T any](interval time.Duration, size int) *Buffer[T] {
	b := &Buffer[T]{
		ticker:  time.NewTicker(interval),
		flushCh: make(chan []T),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		size:    size,
	}

	// Start gathering items.
	go b.gather()

	return b
}

// gather waits on a new tick from ticker.
//
// On a new tick, the gathered items are flushed to
// flushCh. An empty buffer is not flushed.
func (b *Buffer[T]) gather() {
	defer close(b.done)
	defer close(b.flushCh)

	for {
		select {
		case <-b.ticker.C:
			b.flush()
		case <-b.stopCh:
			return
		}
	}
}

// flush sends all items to flushCh.
//
// It blocks until the batch is received or the buffer
// is closed, in which case the batch is put back so that
// Close returns it.
func (b *Buffer[T]) flush() {
	b.m.Lock()
	buf := b.buffer
	b.buffer = nil
	b.m.Unlock()

	if len(buf) == 0 {
		return
	}

	select {
	case b.flushCh <- buf:
	case <-b.stopCh:
		b.m.Lock()
		b.buffer = append(buf, b.buffer...)
		b.m.Unlock()
	}
}

// Append appends items to the buffer.
//
// It fails if the buffer would grow beyond its size,
// in which case none of the items are added.
func (b *Buffer[T]) Append(items ...T) error {
	b.m.Lock()
	defer b.m.Unlock()

	if len(items) == 0 {
		return nil
	}

	if len(b.buffer)+len(items) > b.size {
		return fmt.Errorf("max buffer size of %d exceeded", b.size)
	}

	b.buffer = append(b.buffer, items...)

	return nil
}

// FlushCh returns the channel to which batches are flushed.
//
// It is closed once the buffer is closed.
func (b *Buffer[T]) FlushCh() <-chan []T {
	return b.flushCh
}

// Close stops the ticker and returns the items
// that were not flushed.
func (b *Buffer[T]) Close() []T {
	b.closeOnce.Do(func() {
		b.ticker.Stop()
		close(b.stopCh)
	})
	<-b.done

	b.m.Lock()
	defer b.m.Unlock()

	rest := b.buffer
	b.buffer = nil

	return rest
}

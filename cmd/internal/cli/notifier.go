package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vivangkumar/forward/cmd/internal/server"
	"github.com/vivangkumar/forward/cmd/internal/timedbuffer"
	"github.com/vivangkumar/forward/pkg/forwarder"
)

type notificationForwarder interface {
	SendNotification(subjectKey, value, username, token string, history forwarder.History) error
}

// temporary is implemented by errors worth retrying later.
type temporary interface {
	IsTemporary() bool
	RetryAfter() time.Duration
}

// sample is a parsed input line.
type sample struct {
	subject string
	value   string
}

// parseLine parses "<subjectKey> <value>". Blank lines and
// lines starting with # are skipped.
func parseLine(line string) (sample, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return sample{}, false, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return sample{}, false, fmt.Errorf("expected \"<subject> <value>\", got %q", line)
	}

	return sample{subject: fields[0], value: fields[1]}, true, nil
}

// notifier reads samples from an input, one per line, and
// forwards them in batches gathered by a buffer which is
// flushed every "interval" that is configured.
type notifier struct {
	f       notificationForwarder
	buffer  *timedbuffer.Buffer[sample]
	history server.HistoryFunc

	input io.Reader

	// wg tracks the forwarding go routine.
	wg sync.WaitGroup

	logger *log.Logger
}

func newNotifier(
	f notificationForwarder,
	buffer *timedbuffer.Buffer[sample],
	history server.HistoryFunc,
	input io.Reader,
	logger *log.Logger,
) *notifier {
	if history == nil {
		history = func(string) forwarder.History { return nil }
	}

	return &notifier{
		f:       f,
		buffer:  buffer,
		history: history,
		input:   input,
		logger:  logger,
	}
}

// start runs the notifier.
//
// It spins up two go routines:
//
//	One to scan for new lines from the input.
//	One to forward the flushed batches.
func (n *notifier) start(ctx context.Context) {
	go n.scan()

	n.wg.Add(1)
	go n.notify(ctx)
}

// scan reads the input until it is exhausted or fails.
func (n *notifier) scan() {
	n.logger.Info("reading input...")

	scanner := bufio.NewScanner(n.input)
	for scanner.Scan() {
		s, ok, err := parseLine(scanner.Text())
		if err != nil {
			n.logger.WithError(err).Warn("skipping line")
			continue
		}
		if !ok {
			continue
		}

		if err := n.buffer.Append(s); err != nil {
			n.logger.WithError(err).WithField("subject", s.subject).Warn("buffer append")
		}
	}

	if err := scanner.Err(); err != nil {
		n.logger.WithError(err).Error("failed to read input")
		return
	}

	n.logger.Info("input exhausted")
}

// notify waits for batches from the buffer and forwards
// them, until the buffer is closed.
func (n *notifier) notify(ctx context.Context) {
	defer n.wg.Done()

	for batch := range n.buffer.FlushCh() {
		n.logger.WithField("count", len(batch)).Debug("forwarding samples")
		for _, s := range batch {
			n.send(ctx, s)
		}
	}
}

// send enqueues s, waiting and retrying while the queue
// is full and ctx is not done.
func (n *notifier) send(ctx context.Context, s sample) {
	for {
		err := n.f.SendNotification(s.subject, s.value, "", "", n.history(s.subject))
		if err == nil {
			return
		}

		var te temporary
		if !errors.As(err, &te) || !te.IsTemporary() {
			n.logger.WithError(err).WithField("subject", s.subject).Warn("failed to enqueue sample")
			return
		}

		select {
		case <-time.After(te.RetryAfter()):
		case <-ctx.Done():
			n.logger.WithError(err).WithField("subject", s.subject).Warn("dropping sample")
			return
		}
	}
}

// stop closes the buffer, waits for the batch in progress
// and enqueues what was left in the buffer.
//
// The scanner is not waited for: a blocked read of the
// input cannot be interrupted.
func (n *notifier) stop(ctx context.Context) {
	rest := n.buffer.Close()
	n.wg.Wait()

	for _, s := range rest {
		n.send(ctx, s)
	}

	n.logger.WithField("flushed", len(rest)).Info("notifier stopped")
}

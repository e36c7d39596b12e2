// Package history stores the audit messages the forwarder
// records for each notification in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/vivangkumar/forward/pkg/forwarder"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	subject TEXT    NOT NULL,
	message TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS history_subject ON history(subject, id);
CREATE INDEX IF NOT EXISTS history_at ON history(at);
`

// appendTimeout bounds a single insert, AppendMessage is
// called from forwarder workers.
const appendTimeout = 2 * time.Second

// Entry is a stored audit message.
type Entry struct {
	At      time.Time `json:"at"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
}

// Store is a SQLite backed audit store.
//
// It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time

	cron *cron.Cron
}

// Open opens, and creates if needed, the database at path.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// For returns the History of subject, for use with
// forwarder.SendNotification.
func (s *Store) For(subject string) forwarder.History {
	return &record{store: s, subject: subject}
}

// Append stores a message for subject.
func (s *Store) Append(ctx context.Context, subject, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, subject, message) VALUES(?,?,?)`,
		s.now().UnixMilli(), subject, msg,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	return nil
}

// Messages returns the latest messages of subject, oldest first.
func (s *Store) Messages(ctx context.Context, subject string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, subject, message FROM (
			SELECT id, at, subject, message FROM history
			WHERE subject = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&ms, &e.Subject, &e.Message); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}

	return out, rows.Err()
}

// Prune deletes the messages stored before t.
func (s *Store) Prune(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE at < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	return res.RowsAffected()
}

// StartPruning deletes messages older than retention on the
// given cron schedule, e.g. "@every 1h".
func (s *Store) StartPruning(schedule string, retention time.Duration) error {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := s.Prune(ctx, s.now().Add(-retention))
		if err != nil {
			s.logger.WithError(err).Error("failed to prune history")
			return
		}
		s.logger.WithField("deleted", n).Debug("history pruned")
	})
	if err != nil {
		return fmt.Errorf("schedule pruning %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c

	return nil
}

// Close stops pruning and closes the database.
func (s *Store) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	return s.db.Close()
}

// record binds a subject to the store.
type record struct {
	store   *Store
	subject string
}

// AppendMessage implements forwarder.History. Failures are
// logged, they never affect forwarding.
func (r *record) AppendMessage(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.store.Append(ctx, r.subject, msg); err != nil {
		r.store.logger.WithError(err).WithField("subject", r.subject).Warn("failed to record history")
	}
}

// Package journal persists one row per relay outcome in SQLite.
//
// Writes are asynchronous: LogAsync queues entries and a background loop
// flushes them in batches (every 2s or every 64 entries). A full queue
// falls back to a synchronous insert so no outcome is dropped, and so does
// a write after Close as long as the database is still open. A failing
// journal never blocks or fails a relay call.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/revlens/dbopen"
	"github.com/hazyhaar/revlens/idgen"
)

// Schema is the DDL for the journal table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_journal (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    request_id    TEXT,
    transport     TEXT NOT NULL DEFAULT 'local',
    action        TEXT NOT NULL,
    target_url    TEXT,
    caller_origin TEXT,
    status        TEXT NOT NULL CHECK(status IN ('success', 'failure')),
    message       TEXT,
    http_status   INTEGER,
    duration_ms   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_relay_journal_time ON relay_journal(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_relay_journal_status ON relay_journal(status, timestamp DESC);
`

// Status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	flushEvery = 2 * time.Second
	flushBatch = 64
)

// Entry is one relay outcome.
type Entry struct {
	EntryID      string
	Timestamp    time.Time
	RequestID    string
	Transport    string
	Action       string
	TargetURL    string
	CallerOrigin string
	Status       string
	Message      string
	HTTPStatus   int
	DurationMs   int64
}

// Filter narrows Query results. Zero fields do not filter.
type Filter struct {
	Status string
	Action string
	Since  time.Time
	Limit  int // default 100
}

// Logger writes journal entries.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets the entry ID generator. Default: "jrn_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithLogger sets the slog logger used for flush errors.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithBuffer sets the async queue capacity. Default: 256.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// NewLogger creates a Logger and starts its flush loop. db must already
// carry Schema, usually through dbopen.WithSchema. Call Close on shutdown.
func NewLogger(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:     db,
		newID:  idgen.Prefixed("jrn_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Log inserts an entry synchronously.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if err := insert(ctx, l.db, e); err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// LogAsync queues an entry, falling back to a synchronous insert when the
// queue is full or the Logger is closed.
func (l *Logger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		if err := l.Log(context.Background(), e); err != nil {
			l.logger.Error("journal: write after close failed", "error", err)
		}
		return
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("journal: buffer full, sync fallback", "action", e.Action)
		if err := insert(context.Background(), l.db, e); err != nil {
			l.logger.Error("journal: sync fallback failed", "error", err)
		}
	}
}

// Query returns entries matching f, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT entry_id, timestamp, request_id, transport, action, target_url,
		caller_origin, status, message, http_status, duration_ms
		FROM relay_journal WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var requestID, target, caller, message sql.NullString
		var httpStatus, duration sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &requestID, &e.Transport, &e.Action,
			&target, &caller, &e.Status, &message, &httpStatus, &duration); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.RequestID = requestID.String
		e.TargetURL = target.String
		e.CallerOrigin = caller.String
		e.Message = message.String
		e.HTTPStatus = int(httpStatus.Int64)
		e.DurationMs = duration.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention and returns the count.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM relay_journal WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush loop. Later writes go straight
// to the database.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.stop)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Transport == "" {
		e.Transport = "local"
	}
	if e.Status == "" {
		e.Status = StatusSuccess
		if e.Message != "" {
			e.Status = StatusFailure
		}
	}
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]*Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := insert(ctx, tx, e); err != nil {
					return fmt.Errorf("entry %s: %w", e.EntryID, err)
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("journal: flush failed", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO relay_journal
		(entry_id, timestamp, request_id, transport, action, target_url,
		 caller_origin, status, message, http_status, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.RequestID, e.Transport, e.Action, e.TargetURL,
		e.CallerOrigin, e.Status, e.Message, e.HTTPStatus, e.DurationMs)
	return err
}

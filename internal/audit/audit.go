// Package audit keeps a durable trail of session lifecycle events.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Entry is one lifecycle record.
type Entry struct {
	TenantID  string
	SessionID string
	Event     string // created, open, closed, logout, removed, ...
	Status    string
	Reason    int
	Detail    string
	At        time.Time
}

type Recorder interface {
	Record(ctx context.Context, e Entry)
	// Close flushes queued entries, giving up when ctx ends.
	Close(ctx context.Context) error
}

// Noop discards entries.
type Noop struct{}

func (Noop) Record(context.Context, Entry) {}
func (Noop) Close(context.Context) error { return nil }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const queueSize = 1024

// Postgres writes entries to gateway_events from a single background worker.
// Record only enqueues; when the queue is full the entry is dropped and
// logged. Write failures are logged only.
type Postgres struct {
	db    execer
	log   *zap.SugaredLogger
	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New returns a Postgres recorder, or Noop when pool is nil.
func New(pool *pgxpool.Pool, log *zap.SugaredLogger) Recorder {
	if pool == nil {
		return Noop{}
	}
	return newPostgres(pool, log, queueSize)
}

func newPostgres(db execer, log *zap.SugaredLogger, size int) *Postgres {
	p := &Postgres{db: db, log: log, queue: make(chan Entry, size), done: make(chan struct{})}
	go p.run()
	return p
}

// EnsureSchema creates the events table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gateway_events (
  id BIGSERIAL PRIMARY KEY,
  tenant_id text NOT NULL,
  session_id text,
  event text NOT NULL,
  status text,
  reason int,
  detail text,
  at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS gateway_events_tenant_at ON gateway_events(tenant_id, at DESC);
`)
	return err
}

func (p *Postgres) Record(_ context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.log.Warnw("audit queue full, entry dropped", "tenant", e.TenantID, "event", e.Event)
	}
}

func (p *Postgres) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Postgres) run() {
	defer close(p.done)
	for e := range p.queue {
		p.insert(e)
	}
}

func (p *Postgres) insert(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.db.Exec(ctx, `
		INSERT INTO gateway_events(tenant_id, session_id, event, status, reason, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.TenantID, e.SessionID, e.Event, e.Status, e.Reason, e.Detail, e.At.UTC())
	if err != nil {
		p.log.Warnw("audit insert failed", "tenant", e.TenantID, "event", e.Event, "err", err)
	}
}

package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	b "github.com/orca-zhang/borm"

	"github.com/orcastor/afs/core"
)

const TXLOG_TBL = "tx_log"

// Record is one status transition of a transaction.
type Record struct {
	TxID      uuid.UUID
	Status    Status
	Session   string
	TwoPhase  bool
	Timestamp time.Time
}

// Log is the append-only status history of the transactions a coordinator or a
// participant has seen.
type Log interface {
	// LogStatus returns once rec is durable.
	LogStatus(ctx context.Context, rec Record) error
	// LastStatuses returns the newest record per transaction.
	LastStatuses(ctx context.Context) (map[uuid.UUID]Record, error)
	Last(ctx context.Context, txID uuid.UUID) (Record, bool, error)
	Delete(ctx context.Context, txID uuid.UUID) error
}

type logRow struct {
	TxID     string `borm:"tx_id"`
	Status   int    `borm:"status"`
	Session  string `borm:"session"`
	TwoPhase int    `borm:"two_phase"`
	TS       int64  `borm:"ts"`
}

func (r logRow) record() (Record, error) {
	id, err := uuid.Parse(r.TxID)
	if err != nil {
		return Record{}, fmt.Errorf("tx id %q: %v: %w", r.TxID, err, core.ERR_QUERY_DB)
	}
	return Record{
		TxID:      id,
		Status:    Status(r.Status),
		Session:   r.Session,
		TwoPhase:  r.TwoPhase != 0,
		Timestamp: time.Unix(0, r.TS),
	}, nil
}

// SQLLog keeps the log in a sqlite file opened through the shared pool.
type SQLLog struct {
	pool *core.DBPool
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func NewSQLLog(pool *core.DBPool, path string) (*SQLLog, error) {
	db, err := pool.WriteDB(path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS tx_log (id INTEGER PRIMARY KEY AUTOINCREMENT,
			tx_id TEXT NOT NULL,
			status INT NOT NULL,
			session TEXT NOT NULL,
			two_phase INT NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_tx_id ON tx_log (tx_id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			pool.Release(path)
			return nil, fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB)
		}
	}
	return &SQLLog{pool: pool, path: path, db: db}, nil
}

func (l *SQLLog) Close() {
	l.pool.Release(l.path)
}

func (l *SQLLog) LogStatus(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	row := logRow{
		TxID:    rec.TxID.String(),
		Status:  int(rec.Status),
		Session: rec.Session,
		TS:      rec.Timestamp.UnixNano(),
	}
	if rec.TwoPhase {
		row.TwoPhase = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := b.Table(l.db, TXLOG_TBL, ctx).Insert(&row); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
	}
	return nil
}

func (l *SQLLog) LastStatuses(ctx context.Context) (map[uuid.UUID]Record, error) {
	var rows []logRow
	if _, err := b.Table(l.db, TXLOG_TBL, ctx).Select(&rows, b.OrderBy("id")); err != nil {
		return nil, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB))
	}
	res := make(map[uuid.UUID]Record, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		res[rec.TxID] = rec
	}
	return res, nil
}

func (l *SQLLog) Last(ctx context.Context, txID uuid.UUID) (Record, bool, error) {
	var rows []logRow
	if _, err := b.Table(l.db, TXLOG_TBL, ctx).Select(&rows,
		b.Where(b.Eq("tx_id", txID.String())), b.OrderBy("id")); err != nil {
		return Record{}, false, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB))
	}
	if len(rows) == 0 {
		return Record{}, false, nil
	}
	rec, err := rows[len(rows)-1].record()
	return rec, err == nil, err
}

func (l *SQLLog) Delete(ctx context.Context, txID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := b.Table(l.db, TXLOG_TBL, ctx).Delete(b.Where(b.Eq("tx_id", txID.String()))); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
	}
	return nil
}

// Prune deletes the history of transactions that ended before the given time.
func Prune(ctx context.Context, l Log, before time.Time) (int, error) {
	last, err := l.LastStatuses(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, rec := range last {
		if rec.Status.Terminal() && rec.Timestamp.Before(before) {
			if err := l.Delete(ctx, id); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

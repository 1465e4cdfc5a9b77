package core

import (
	"context"
	"os"
	"time"

	"github.com/gotomicro/ego/core/elog"
)

// a WAL below this size is not worth a checkpoint
const minCheckpointWAL = 1024

// Checkpointer periodically folds the WAL of every pooled database back into the
// main file so that the -wal files of long running logs stay small.
type Checkpointer struct {
	pool     *DBPool
	interval time.Duration
}

func NewCheckpointer(pool *DBPool, interval time.Duration) *Checkpointer {
	return &Checkpointer{pool: pool, interval: interval}
}

// Run checkpoints every interval until ctx is done, an interval of 0 disables it.
func (c *Checkpointer) Run(ctx context.Context) {
	if c.interval <= 0 {
		elog.Info("wal checkpoint disabled")
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Checkpoint(ctx)
		}
	}
}

// Checkpoint runs one pass and returns the number of databases checkpointed.
func (c *Checkpointer) Checkpoint(ctx context.Context) int {
	n, failed := 0, 0
	for _, path := range c.pool.Paths() {
		ok, err := c.checkpoint(ctx, path)
		if err != nil {
			elog.Warn("wal checkpoint failed", elog.String("db", path), elog.Any("err", err))
			failed++
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 || failed > 0 {
		elog.Debug("wal checkpoint", elog.Int("done", n), elog.Int("failed", failed))
	}
	return n
}

func (c *Checkpointer) checkpoint(ctx context.Context, path string) (bool, error) {
	fi, err := os.Stat(path + "-wal")
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fi.Size() < minCheckpointWAL {
		return false, nil
	}

	db, err := c.pool.WriteDB(path)
	if err != nil {
		return false, err
	}
	defer c.pool.Release(path)

	// TRUNCATE copies the WAL into the database and resets the WAL file
	var busy, logPages, checkpointed int
	if err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &checkpointed); err != nil {
		return false, err
	}
	return busy == 0, nil
}

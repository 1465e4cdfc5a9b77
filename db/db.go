// Package db is the relational side of a transaction: typed mutations of the file
// metadata table, held in a sqlite transaction between prepare and commit.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gotomicro/ego/core/elog"
	b "github.com/orca-zhang/borm"

	"github.com/orcastor/afs/core"
)

const (
	FILE_TBL    = "afs_file"
	APPLIED_TBL = "applied_tx"
	BATCH_TBL   = "prepared_batch"
)

// File is one row of the file metadata table.
type File struct {
	Owner     string `borm:"owner" json:"owner"`
	Path      string `borm:"path" json:"path"`
	Size      int64  `borm:"size" json:"size"`
	MD5       string `borm:"md5" json:"md5"`
	UpdatedAt int64  `borm:"updated_at" json:"updated_at"`
}

type MutationKind uint8

const (
	MutPutFile MutationKind = iota + 1
	MutDeleteFile
)

// Mutation is the closed set of statements a transaction may run.
type Mutation struct {
	Kind MutationKind `json:"kind"`
	File File         `json:"file"`
}

func PutFile(owner, path string, size int64, md5Hex string) Mutation {
	return Mutation{Kind: MutPutFile, File: File{Owner: owner, Path: path, Size: size, MD5: md5Hex}}
}

func DeleteFile(owner, path string) Mutation {
	return Mutation{Kind: MutDeleteFile, File: File{Owner: owner, Path: path}}
}

func (m Mutation) Validate() error {
	if m.Kind != MutPutFile && m.Kind != MutDeleteFile {
		return fmt.Errorf("unknown mutation %d: %w", m.Kind, core.ERR_INVALID_ARGS)
	}
	if m.File.Owner == "" || m.File.Path == "" {
		return fmt.Errorf("mutation without owner or path: %w", core.ERR_INVALID_ARGS)
	}
	if m.Kind == MutPutFile && m.File.Size < 0 {
		return fmt.Errorf("negative size: %w", core.ERR_INVALID_ARGS)
	}
	return nil
}

type appliedTx struct {
	TxID      string `borm:"tx_id"`
	AppliedAt int64  `borm:"applied_at"`
}

type preparedBatch struct {
	TxID      string `borm:"tx_id"`
	Batch     string `borm:"batch"`
	CreatedAt int64  `borm:"created_at"`
}

// sqlTx pins the single write connection for a prepared transaction.
type sqlTx struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (t *sqlTx) commit() error {
	defer t.conn.Close()
	if err := t.tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *sqlTx) rollback() error {
	defer t.conn.Close()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type txState struct {
	batch []Mutation
	tx    *sqlTx // open between prepare and commit
}

// Resource runs mutations against the application db and keeps prepared batches in a
// separate state db so that a prepared transaction survives a restart.
type Resource struct {
	pool      *core.DBPool
	appPath   string
	statePath string
	app       *sql.DB
	read      *sql.DB
	state     *sql.DB

	mu  sync.Mutex
	txs map[string]*txState
}

func NewResource(cfg *core.Config, pool *core.DBPool) (*Resource, error) {
	r := &Resource{
		pool:      pool,
		appPath:   filepath.Join(cfg.Storage.StatePath, "db", "app.db"),
		statePath: filepath.Join(cfg.Storage.StatePath, "db", "state.db"),
		txs:       map[string]*txState{},
	}
	var err error
	if r.app, err = pool.WriteDB(r.appPath); err != nil {
		return nil, err
	}
	if r.read, err = pool.ReadDB(r.appPath); err != nil {
		pool.Release(r.appPath)
		return nil, err
	}
	if r.state, err = pool.WriteDB(r.statePath); err != nil {
		pool.Release(r.appPath)
		pool.Release(r.appPath)
		return nil, err
	}
	if err = r.initTables(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Resource) initTables() error {
	for _, stmt := range []struct {
		db  *sql.DB
		sql string
	}{
		{r.app, `CREATE TABLE IF NOT EXISTS afs_file (owner TEXT NOT NULL,
			path TEXT NOT NULL,
			size BIGINT NOT NULL,
			md5 TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (owner, path)
		)`},
		{r.app, `CREATE TABLE IF NOT EXISTS applied_tx (tx_id TEXT PRIMARY KEY NOT NULL,
			applied_at BIGINT NOT NULL
		)`},
		{r.state, `CREATE TABLE IF NOT EXISTS prepared_batch (tx_id TEXT PRIMARY KEY NOT NULL,
			batch TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`},
	} {
		if _, err := stmt.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB)
		}
	}
	return nil
}

func (r *Resource) Close() error {
	r.mu.Lock()
	for id, st := range r.txs {
		if st.tx != nil {
			st.tx.rollback()
		}
		delete(r.txs, id)
	}
	r.mu.Unlock()
	r.pool.Release(r.appPath)
	r.pool.Release(r.appPath)
	r.pool.Release(r.statePath)
	return nil
}

func (r *Resource) lookup(txID string) *txState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs[txID]
}

func (r *Resource) Begin(ctx context.Context, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txs[txID]; ok {
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_EXISTS)
	}
	r.txs[txID] = &txState{}
	return nil
}

// Execute buffers m until prepare.
func (r *Resource) Execute(ctx context.Context, txID string, m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.txs[txID]
	if st == nil {
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}
	if st.tx != nil {
		return fmt.Errorf("%s already prepared: %w", txID, core.ERR_TX_STATUS)
	}
	st.batch = append(st.batch, m)
	return nil
}

// Prepare persists the batch, then runs it in a sqlite transaction left open for commit.
func (r *Resource) Prepare(ctx context.Context, txID string) error {
	st := r.lookup(txID)
	if st == nil {
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}
	if st.tx != nil {
		return nil
	}

	data, err := json.Marshal(st.batch)
	if err != nil {
		return err
	}
	if _, err = b.Table(r.state, BATCH_TBL, ctx).ReplaceInto(&preparedBatch{
		TxID: txID, Batch: string(data), CreatedAt: time.Now().Unix(),
	}); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
	}

	// the sql transaction outlives this call, it must not die with the caller's context
	tx, err := r.apply(context.WithoutCancel(ctx), ctx, txID, st.batch)
	if err != nil {
		r.dropBatch(ctx, txID)
		return err
	}
	r.mu.Lock()
	st.tx = tx
	r.mu.Unlock()
	return nil
}

// apply runs batch and the applied marker of txID in a new sql transaction and returns it
// uncommitted. Waiting for the write connection is bounded by ctx, the transaction itself
// lives as long as txCtx.
func (r *Resource) apply(txCtx, ctx context.Context, txID string, batch []Mutation) (*sqlTx, error) {
	conn, err := r.app.Conn(ctx)
	if err != nil {
		return nil, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_DB))
	}
	sqltx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		conn.Close()
		return nil, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_OPEN_DB))
	}
	tx := &sqlTx{conn: conn, tx: sqltx}
	now := time.Now().Unix()
	for _, m := range batch {
		switch m.Kind {
		case MutPutFile:
			f := m.File
			f.UpdatedAt = now
			_, err = b.Table(sqltx, FILE_TBL, ctx).ReplaceInto(&f)
		case MutDeleteFile:
			_, err = b.Table(sqltx, FILE_TBL, ctx).Delete(b.Where(b.Eq("owner", m.File.Owner), b.Eq("path", m.File.Path)))
		}
		if err != nil {
			tx.rollback()
			return nil, fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB)
		}
	}
	if _, err = b.Table(sqltx, APPLIED_TBL, ctx).Insert(&appliedTx{TxID: txID, AppliedAt: now}); err != nil {
		tx.rollback()
		return nil, fmt.Errorf("marker of %s: %v: %w", txID, err, core.ERR_EXEC_DB)
	}
	return tx, nil
}

func (r *Resource) applied(ctx context.Context, txID string) (bool, error) {
	var ids []string
	if _, err := b.Table(r.read, APPLIED_TBL, ctx).Select(&ids, b.Fields("tx_id"), b.Where(b.Eq("tx_id", txID))); err != nil {
		return false, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB))
	}
	return len(ids) > 0, nil
}

func (r *Resource) loadBatch(ctx context.Context, txID string) ([]Mutation, bool, error) {
	var pb preparedBatch
	n, err := b.Table(r.state, BATCH_TBL, ctx).Select(&pb, b.Where(b.Eq("tx_id", txID)))
	if err != nil {
		return nil, false, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB))
	}
	if n == 0 {
		return nil, false, nil
	}
	var batch []Mutation
	if err := json.Unmarshal([]byte(pb.Batch), &batch); err != nil {
		return nil, false, fmt.Errorf("batch of %s: %v: %w", txID, err, core.ERR_QUERY_DB)
	}
	return batch, true, nil
}

func (r *Resource) dropBatch(ctx context.Context, txID string) error {
	if _, err := b.Table(r.state, BATCH_TBL, ctx).Delete(b.Where(b.Eq("tx_id", txID))); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
	}
	return nil
}

// Commit commits the prepared sql transaction. After a restart, or for a one-phase
// transaction that never prepared, the batch is replayed once under the applied marker.
func (r *Resource) Commit(ctx context.Context, txID string) error {
	st := r.lookup(txID)
	if st != nil && st.tx != nil {
		if err := st.tx.commit(); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
		}
		r.mu.Lock()
		st.tx = nil
		r.mu.Unlock()
		return r.finish(ctx, txID)
	}

	batch, ok, err := r.loadBatch(ctx, txID)
	if err != nil {
		return err
	}
	if !ok && st != nil {
		batch = st.batch
	}
	if !ok && st == nil {
		// neither a live nor a prepared batch: committed earlier, or never existed
		return nil
	}
	done, err := r.applied(ctx, txID)
	if err != nil {
		return err
	}
	if !done {
		tx, err := r.apply(ctx, ctx, txID, batch)
		if err != nil {
			return core.Retriable(err)
		}
		if err := tx.commit(); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
		}
	}
	return r.finish(ctx, txID)
}

func (r *Resource) finish(ctx context.Context, txID string) error {
	if err := r.dropBatch(ctx, txID); err != nil {
		elog.Warn("drop prepared batch failed", elog.String("tx", txID), elog.Any("err", err))
	}
	r.mu.Lock()
	delete(r.txs, txID)
	r.mu.Unlock()
	return nil
}

// Rollback undoes a prepared transaction and forgets the batch. Unknown ids are a no-op.
func (r *Resource) Rollback(ctx context.Context, txID string) error {
	if st := r.lookup(txID); st != nil && st.tx != nil {
		if err := st.tx.rollback(); err != nil {
			return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_EXEC_DB))
		}
	}
	if err := r.dropBatch(ctx, txID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.txs, txID)
	r.mu.Unlock()
	return nil
}

// Restore reattaches txID from its persisted batch after a restart.
func (r *Resource) Restore(ctx context.Context, txID string, prepared bool) error {
	batch, _, err := r.loadBatch(ctx, txID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.txs[txID] = &txState{batch: batch}
	r.mu.Unlock()
	return nil
}

// Pending lists transactions with a persisted batch.
func (r *Resource) Pending(ctx context.Context) ([]string, error) {
	var ids []string
	if _, err := b.Table(r.state, BATCH_TBL, ctx).Select(&ids, b.Fields("tx_id"), b.OrderBy("created_at")); err != nil {
		return nil, core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB))
	}
	return ids, nil
}

// Get reads committed metadata; nil when absent.
func (r *Resource) Get(ctx context.Context, owner, path string) (*File, error) {
	var f File
	n, err := b.Table(r.read, FILE_TBL, ctx).Select(&f, b.Where(b.Eq("owner", owner), b.Eq("path", path)))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB)
	}
	if n == 0 {
		return nil, nil
	}
	return &f, nil
}

func (r *Resource) List(ctx context.Context, owner string) ([]File, error) {
	var fs []File
	if _, err := b.Table(r.read, FILE_TBL, ctx).Select(&fs, b.Where(b.Eq("owner", owner)), b.OrderBy("path")); err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ERR_QUERY_DB)
	}
	return fs, nil
}

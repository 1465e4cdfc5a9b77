package afs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotomicro/ego/core/elog"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/lock"
)

type txState struct {
	handles  []*lock.Handle
	prepared bool
}

// Resource is the file side of a transaction: operations are locked, staged and pushed
// onto the rollback stack while the transaction runs, and applied only on commit.
type Resource struct {
	exec        *Executor
	stack       *Stack
	locks       *lock.Manager
	lockTimeout time.Duration

	mu  sync.Mutex
	txs map[string]*txState
}

// NewResource opens the stack and staging area under <state>/afs.
func NewResource(cfg *core.Config, locks *lock.Manager) (*Resource, error) {
	base := filepath.Join(cfg.Storage.StatePath, "afs")
	exec, err := NewExecutor(cfg.Storage.Path, filepath.Join(base, "staging"))
	if err != nil {
		return nil, err
	}
	stack, err := OpenStack(base, cfg.Stack.MaxSize, cfg.Stack.MaxAge.Duration)
	if err != nil {
		return nil, err
	}
	return &Resource{
		exec:        exec,
		stack:       stack,
		locks:       locks,
		lockTimeout: cfg.Lock.Timeout.Duration,
		txs:         map[string]*txState{},
	}, nil
}

func (r *Resource) Executor() *Executor { return r.exec }
func (r *Resource) Stack() *Stack       { return r.stack }

func (r *Resource) Close() error {
	return r.stack.Close()
}

func (r *Resource) state(txID string) *txState {
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
	if err := os.MkdirAll(r.exec.StagingDir(txID), 0o766); err != nil {
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	r.txs[txID] = &txState{}
	return nil
}

// Execute locks the paths of op for txID, stages it and pushes it onto the stack.
// Locks stay held until the transaction ends. A failed step leaves no stack entry.
func (r *Resource) Execute(ctx context.Context, txID string, op Operation) (Operation, error) {
	st := r.state(txID)
	if st == nil {
		return op, fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}
	if st.prepared {
		return op, fmt.Errorf("%s already prepared: %w", txID, core.ERR_TX_STATUS)
	}
	op = op.WithTx(txID, op.Session)
	if err := op.Validate(); err != nil {
		return op, err
	}

	start := time.Now()
	handles, err := r.locks.AcquireAll(ctx, op.Locks(), r.lockTimeout)
	LockWait(op.Kind, err == nil, time.Since(start).Seconds())
	if err != nil {
		return op, err
	}
	undo := func() {
		for _, h := range handles {
			h.Release()
		}
	}

	staged, err := r.exec.Stage(op)
	if err != nil {
		undo()
		return op, err
	}
	if _, err = r.stack.Push(staged); err != nil {
		if staged.StagingPath != "" {
			os.Remove(staged.StagingPath)
		}
		undo()
		return op, err
	}
	StackOp("push")

	r.mu.Lock()
	st.handles = append(st.handles, handles...)
	r.mu.Unlock()
	return staged, nil
}

// Prepare checks that commit can only fail on transient I/O: staged payloads still match
// their checksums and every copy or move has a source once earlier entries are applied.
func (r *Resource) Prepare(ctx context.Context, txID string) error {
	st := r.state(txID)
	if st == nil {
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}

	exists := map[string]bool{}
	present := func(owner, p string) bool {
		k := lock.Key(owner, p)
		if v, ok := exists[k]; ok {
			return v
		}
		return r.exec.Exists(owner, p)
	}
	for _, e := range r.stack.EntriesOf(txID) {
		if err := ctx.Err(); err != nil {
			return core.Retriable(err)
		}
		op := e.Op
		if err := r.exec.Verify(op); err != nil {
			return err
		}
		switch op.Kind {
		case KindWrite:
			exists[lock.Key(op.Owner, op.Path)] = true
		case KindDelete:
			exists[lock.Key(op.Owner, op.Path)] = false
		case KindCopy, KindMove:
			if !present(op.Owner, op.Path) {
				return fmt.Errorf("%s source %s:%s: %w", op.Kind, op.Owner, op.Path, core.ERR_NOT_FOUND)
			}
			exists[lock.Key(op.TargetOwner, op.TargetPath)] = true
			if op.Kind == KindMove {
				exists[lock.Key(op.Owner, op.Path)] = false
			}
		}
	}
	syncDir(r.exec.StagingDir(txID))

	r.mu.Lock()
	st.prepared = true
	r.mu.Unlock()
	return nil
}

// Commit applies the entries of txID in push order, confirming each one right after it
// is applied, then drops staging and locks. Safe to call again after a partial commit.
func (r *Resource) Commit(ctx context.Context, txID string) error {
	for _, e := range r.stack.EntriesOf(txID) {
		if err := r.exec.Apply(e.Op); err != nil {
			if !core.IsRetriable(err) {
				elog.Error("apply failed on commit", elog.String("tx", txID),
					elog.Any("seq", e.Seq), elog.String("op", e.Op.Kind.String()), elog.Any("err", err))
			}
			return err
		}
		if err := r.stack.PopConfirmed(e.Seq); err != nil {
			return err
		}
		StackOp("pop")
	}
	return r.finish(txID)
}

// Rollback discards the entries of txID without applying them. Unknown ids are a no-op.
func (r *Resource) Rollback(ctx context.Context, txID string) error {
	for _, e := range r.stack.EntriesOf(txID) {
		if err := r.stack.PopConfirmed(e.Seq); err != nil {
			return err
		}
		StackOp("discard")
	}
	return r.finish(txID)
}

func (r *Resource) finish(txID string) error {
	if err := r.exec.RemoveStaging(txID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.txs, txID)
	r.mu.Unlock()
	r.locks.ReleaseOwner(txID)
	return nil
}

// Restore reattaches txID after a restart: its stack entries are kept and their
// locks taken again.
func (r *Resource) Restore(ctx context.Context, txID string, prepared bool) error {
	entries := r.stack.EntriesOf(txID)
	var ls []lock.Lock
	for _, e := range entries {
		ls = append(ls, e.Op.Locks()...)
	}
	handles, err := r.locks.AcquireAll(ctx, ls, r.lockTimeout)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.exec.StagingDir(txID), 0o766); err != nil {
		for _, h := range handles {
			h.Release()
		}
		return core.Retriable(fmt.Errorf("%v: %w", err, core.ERR_WRITE_FILE))
	}
	r.mu.Lock()
	r.txs[txID] = &txState{handles: handles, prepared: prepared}
	r.mu.Unlock()
	elog.Info("afs transaction restored", elog.String("tx", txID), elog.Int("entries", len(entries)))
	return nil
}

// Pending lists transactions that left stack entries or a staging dir behind.
func (r *Resource) Pending(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, e := range r.stack.Entries() {
		if !seen[e.Op.TxID] {
			seen[e.Op.TxID] = true
			ids = append(ids, e.Op.TxID)
		}
	}
	staged, err := r.exec.StagedTransactions()
	if err != nil {
		return ids, err
	}
	for _, id := range staged {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Resource) List(owner, p string, recursive bool) ([]FileEntry, error) {
	return r.exec.List(owner, p, recursive)
}

func (r *Resource) Read(owner, p string, offset, limit int64) ([]byte, error) {
	return r.exec.Read(owner, p, offset, limit)
}

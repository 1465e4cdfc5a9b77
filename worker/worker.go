package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gotomicro/ego/core/elog"
	"github.com/looplab/fsm"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/txn"
)

const (
	StateUnbound = "unbound"
	StateBound   = "bound"
	StateCleaned = "cleaned"

	EventBind  = "bind"
	EventClean = "clean"
	EventReset = "reset"
)

// Engine is what a worker runs requests against.
type Engine struct {
	Config      *core.Config
	Files       *afs.Resource
	AFS         *txn.LocalParticipant
	Coordinator *txn.Coordinator
}

// Worker is the execution context of one session at a time.
type Worker struct {
	id    int64
	e     *Engine
	conns *ConnPool
	fsm   *fsm.FSM

	// held for the duration of a request
	mu sync.Mutex

	conn        int
	session     string
	tmMode      bool
	interactive bool
	tx          uuid.UUID
}

func newWorker(id int64, e *Engine, conns *ConnPool) *Worker {
	return &Worker{
		id:    id,
		e:     e,
		conns: conns,
		conn:  -1,
		fsm: fsm.NewFSM(
			StateUnbound,
			fsm.Events{
				{Name: EventBind, Src: []string{StateUnbound}, Dst: StateBound},
				{Name: EventClean, Src: []string{StateUnbound, StateBound}, Dst: StateCleaned},
				{Name: EventReset, Src: []string{StateCleaned}, Dst: StateUnbound},
			},
			fsm.Callbacks{},
		),
	}
}

func (w *Worker) ID() int64       { return w.id }
func (w *Worker) State() string   { return w.fsm.Current() }
func (w *Worker) Session() string { return w.session }

// Conn resolves the handle of the bound connection.
func (w *Worker) Conn() (Conn, bool) { return w.conns.Get(w.conn) }

// TxID is the transaction the session has open, if any.
func (w *Worker) TxID() (uuid.UUID, bool) { return w.tx, w.tx != uuid.Nil }

// Bind attaches the worker to a session and a checked out connection.
func (w *Worker) Bind(ctx context.Context, session string, conn int) error {
	if err := w.fsm.Event(ctx, EventBind); err != nil {
		return fmt.Errorf("bind worker %d: %v: %w", w.id, err, core.ERR_TX_STATUS)
	}
	w.session = session
	w.conn = conn
	return nil
}

// SetTransactionManagerMode routes mutations through the coordinator instead of
// committing each one on the file participant alone.
func (w *Worker) SetTransactionManagerMode(on bool) { w.tmMode = on }

// SetInteractiveSessionMode keeps the worker across requests, subject to the idle timeout.
func (w *Worker) SetInteractiveSessionMode(on bool) { w.interactive = on }

func (w *Worker) TransactionManagerMode() bool { return w.tmMode }
func (w *Worker) InteractiveSessionMode() bool { return w.interactive }

func (w *Worker) key() string { return w.e.Config.Tx.InteractiveSessionKey }

func (w *Worker) checkBound() error {
	if w.fsm.Current() != StateBound {
		return fmt.Errorf("worker %d is %s: %w", w.id, w.fsm.Current(), core.ERR_NEED_LOGIN)
	}
	return nil
}

func (w *Worker) Begin(ctx context.Context, txID uuid.UUID) error {
	if err := w.checkBound(); err != nil {
		return err
	}
	if w.tx != uuid.Nil {
		return fmt.Errorf("session has %s: %w", w.tx, core.ERR_SESSION_BUSY)
	}
	var err error
	if w.tmMode {
		err = w.e.Coordinator.BeginWithID(ctx, txID, w.session, w.key())
	} else {
		err = w.e.AFS.BeginOnePhase(ctx, txID, w.session)
	}
	if err != nil {
		return err
	}
	w.tx = txID
	return nil
}

func (w *Worker) Commit(ctx context.Context) (txn.Outcome, error) {
	if w.tx == uuid.Nil {
		return txn.OutcomeUnknown, fmt.Errorf("no open transaction: %w", core.ERR_TX_UNKNOWN)
	}
	id := w.tx
	if w.tmMode {
		o, err := w.e.Coordinator.Commit(ctx, id, w.session, w.key())
		if o == txn.OutcomeCommitted || o == txn.OutcomeRolledBack {
			w.tx = uuid.Nil
		}
		return o, err
	}

	if err := w.e.AFS.Commit(ctx, id); err != nil {
		if s, ok := w.e.AFS.Status(id); !ok || s != txn.StatusCommitStarted {
			return txn.OutcomeUnknown, err
		}
		// decided, the participant finishes it in the background
		elog.Warn("commit pending", elog.String("tx", id.String()), elog.Any("err", err))
	}
	w.tx = uuid.Nil
	return txn.OutcomeCommitted, nil
}

func (w *Worker) Rollback(ctx context.Context) error {
	if w.tx == uuid.Nil {
		return nil
	}
	var err error
	if w.tmMode {
		err = w.e.Coordinator.Rollback(ctx, w.tx, w.session, w.key())
	} else {
		err = w.e.AFS.Rollback(ctx, w.tx)
	}
	if err != nil {
		return err
	}
	w.tx = uuid.Nil
	return nil
}

// Execute enrolls op with any participant of the coordinator, within the open transaction.
func (w *Worker) Execute(ctx context.Context, participantID string, op txn.Op) (txn.Result, error) {
	if err := w.checkBound(); err != nil {
		return txn.Result{}, err
	}
	if !w.tmMode {
		return txn.Result{}, fmt.Errorf("participant operations need transaction manager mode: %w", core.ERR_INVALID_ARGS)
	}
	if w.tx == uuid.Nil {
		return txn.Result{}, fmt.Errorf("no open transaction: %w", core.ERR_TX_UNKNOWN)
	}
	return w.e.Coordinator.Execute(ctx, w.tx, w.session, w.key(), participantID, op)
}

// mutate runs op inside the open transaction, or as its own one-phase transaction
// when there is none.
func (w *Worker) mutate(ctx context.Context, op afs.Operation) error {
	if err := w.checkBound(); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}
	if w.tmMode {
		_, err := w.Execute(ctx, w.e.Config.Tx.AFSParticipantID, txn.AFSOp(op))
		return err
	}
	if w.tx != uuid.Nil {
		_, err := w.e.AFS.Execute(ctx, w.tx, w.session, txn.AFSOp(op))
		return err
	}

	id := uuid.New()
	if err := w.e.AFS.BeginOnePhase(ctx, id, w.session); err != nil {
		return err
	}
	if _, err := w.e.AFS.Execute(ctx, id, w.session, txn.AFSOp(op)); err != nil {
		if rerr := w.e.AFS.Rollback(context.WithoutCancel(ctx), id); rerr != nil {
			elog.Warn("auto-commit rollback failed", elog.String("tx", id.String()), elog.Any("err", rerr))
		}
		return err
	}
	if err := w.e.AFS.Commit(ctx, id); err != nil {
		if s, ok := w.e.AFS.Status(id); ok && s == txn.StatusCommitStarted {
			elog.Warn("commit pending", elog.String("tx", id.String()), elog.Any("err", err))
			return nil
		}
		return err
	}
	return nil
}

func (w *Worker) List(ctx context.Context, owner, p string, recursive bool) ([]afs.FileEntry, error) {
	if err := w.checkBound(); err != nil {
		return nil, err
	}
	return w.e.Files.List(owner, p, recursive)
}

func (w *Worker) Read(ctx context.Context, owner, p string, offset, limit int64) ([]byte, error) {
	if err := w.checkBound(); err != nil {
		return nil, err
	}
	return w.e.Files.Read(owner, p, offset, limit)
}

func (w *Worker) Write(ctx context.Context, owner, p string, offset int64, data []byte, md5Hex string) error {
	return w.mutate(ctx, afs.NewWrite(owner, p, offset, data, md5Hex))
}

func (w *Worker) Delete(ctx context.Context, owner, p string) error {
	return w.mutate(ctx, afs.NewDelete(owner, p))
}

func (w *Worker) Copy(ctx context.Context, owner, p, targetOwner, targetPath string) error {
	return w.mutate(ctx, afs.NewCopy(owner, p, targetOwner, targetPath))
}

func (w *Worker) Move(ctx context.Context, owner, p, targetOwner, targetPath string) error {
	return w.mutate(ctx, afs.NewMove(owner, p, targetOwner, targetPath))
}

// CleanConnection rolls back the open transaction, which releases its locks and stack
// entries, and returns the connection. It runs on every exit path of a session.
func (w *Worker) CleanConnection(ctx context.Context) (err error) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			elog.Error("clean connection panicked", elog.Int64("worker", w.id), elog.Any("panic", r))
			err = fmt.Errorf("clean connection: %v", r)
		}
		w.conns.CheckIn(w.conn)
		w.conn = -1
		if w.fsm.Can(EventClean) {
			w.fsm.Event(ctx, EventClean)
		}
	}()

	if w.tx != uuid.Nil {
		id := w.tx
		if err = w.Rollback(ctx); err != nil {
			// the participants finish the rollback in the background
			if !errors.Is(err, core.ERR_TX_DECIDED) {
				elog.Warn("rollback on clean failed", elog.String("tx", id.String()), elog.Any("err", err))
			}
			w.tx = uuid.Nil
		}
	}
	return err
}

// CleanContext forgets the session and modes so the worker can serve another session.
func (w *Worker) CleanContext(ctx context.Context) error {
	w.session = ""
	w.tmMode = false
	w.interactive = false
	w.tx = uuid.Nil
	if w.fsm.Can(EventClean) {
		if err := w.fsm.Event(ctx, EventClean); err != nil {
			return err
		}
	}
	return w.fsm.Event(ctx, EventReset)
}

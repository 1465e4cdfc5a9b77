package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotomicro/ego/core/elog"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
)

// Kind is the closed set of participant implementations.
type Kind uint8

const (
	KindAFS Kind = iota + 1
	KindDB
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindAFS:
		return "afs"
	case KindDB:
		return "db"
	case KindRemote:
		return "remote"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Op carries exactly one operation for the participant it is routed to.
type Op struct {
	AFS *afs.Operation `json:"afs,omitempty"`
	DB  *db.Mutation   `json:"db,omitempty"`
}

func AFSOp(op afs.Operation) Op { return Op{AFS: &op} }
func DBOp(m db.Mutation) Op     { return Op{DB: &m} }

// Result of an executed operation. Staged is the payload-free form of a file operation.
type Result struct {
	Staged *afs.Operation `json:"staged,omitempty"`
}

// Participant is the capability every transaction participant offers to a coordinator.
type Participant interface {
	ID() string
	Kind() Kind
	Begin(ctx context.Context, txID uuid.UUID, session string) error
	Execute(ctx context.Context, txID uuid.UUID, session string, op Op) (Result, error)
	Prepare(ctx context.Context, txID uuid.UUID) error
	Commit(ctx context.Context, txID uuid.UUID) error
	Rollback(ctx context.Context, txID uuid.UUID) error
	Recover(ctx context.Context, txID uuid.UUID) (Outcome, error)
	// Transactions lists the prepared transactions waiting for a decision.
	Transactions(ctx context.Context) ([]uuid.UUID, error)
}

// Resource is the storage a LocalParticipant drives.
type Resource interface {
	Begin(ctx context.Context, txID string) error
	Execute(ctx context.Context, txID string, op Op) (Result, error)
	Prepare(ctx context.Context, txID string) error
	// Commit after a successful Prepare may only fail on transient errors.
	Commit(ctx context.Context, txID string) error
	// Rollback of an unknown transaction is a no-op.
	Rollback(ctx context.Context, txID string) error
	// Restore reattaches a transaction found in the log after a restart.
	Restore(ctx context.Context, txID string, prepared bool) error
	// Pending lists transactions that left state behind.
	Pending(ctx context.Context) ([]string, error)
}

type afsResource struct {
	*afs.Resource
}

func (r afsResource) Execute(ctx context.Context, txID string, op Op) (Result, error) {
	if op.AFS == nil {
		return Result{}, fmt.Errorf("afs participant needs a file operation: %w", core.ERR_INVALID_ARGS)
	}
	staged, err := r.Resource.Execute(ctx, txID, *op.AFS)
	if err != nil {
		return Result{}, err
	}
	return Result{Staged: &staged}, nil
}

type dbResource struct {
	*db.Resource
}

func (r dbResource) Execute(ctx context.Context, txID string, op Op) (Result, error) {
	if op.DB == nil {
		return Result{}, fmt.Errorf("db participant needs a mutation: %w", core.ERR_INVALID_ARGS)
	}
	return Result{}, r.Resource.Execute(ctx, txID, *op.DB)
}

func NewAFSParticipant(id string, r *afs.Resource, log Log, cfg *core.Config) *LocalParticipant {
	return NewLocalParticipant(id, KindAFS, afsResource{r}, log, cfg)
}

func NewDBParticipant(id string, r *db.Resource, log Log, cfg *core.Config) *LocalParticipant {
	return NewLocalParticipant(id, KindDB, dbResource{r}, log, cfg)
}

type ptx struct {
	id         uuid.UUID
	session    string
	twoPhase   bool
	status     Status
	lastAccess time.Time
	busy       sync.Mutex
}

// LocalParticipant runs the participant side of the protocol over a Resource.
// Each status change is logged before it takes effect.
type LocalParticipant struct {
	id   string
	kind Kind
	res  Resource
	log  Log

	timeout    time.Duration
	countLimit int

	mu       sync.Mutex
	txs      map[uuid.UUID]*ptx
	sessions map[string]uuid.UUID
}

func NewLocalParticipant(id string, kind Kind, res Resource, log Log, cfg *core.Config) *LocalParticipant {
	return &LocalParticipant{
		id:         id,
		kind:       kind,
		res:        res,
		log:        log,
		timeout:    cfg.Tx.Timeout.Duration,
		countLimit: cfg.Tx.CountLimit,
		txs:        map[uuid.UUID]*ptx{},
		sessions:   map[string]uuid.UUID{},
	}
}

func (p *LocalParticipant) ID() string { return p.id }
func (p *LocalParticipant) Kind() Kind { return p.kind }

// lockOrFail takes the per-transaction lock for a caller request.
func (p *LocalParticipant) lockOrFail(txID uuid.UUID) (*ptx, error) {
	p.mu.Lock()
	t := p.txs[txID]
	p.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}
	if !t.busy.TryLock() {
		return nil, fmt.Errorf("%s: %w", txID, core.ERR_TX_BUSY)
	}
	return t, nil
}

// lockOrSkip is lockOrFail for background work, which just moves on.
func (p *LocalParticipant) lockOrSkip(txID uuid.UUID) *ptx {
	t, err := p.lockOrFail(txID)
	if err != nil {
		return nil
	}
	return t
}

// must be called with t.busy held
func (p *LocalParticipant) setStatus(ctx context.Context, t *ptx, s Status) error {
	if err := p.log.LogStatus(ctx, Record{TxID: t.id, Status: s, Session: t.session, TwoPhase: t.twoPhase}); err != nil {
		return err
	}
	t.status = s
	return nil
}

// must be called with t.busy held
func (p *LocalParticipant) forget(t *ptx) {
	p.mu.Lock()
	delete(p.txs, t.id)
	if p.sessions[t.session] == t.id {
		delete(p.sessions, t.session)
	}
	p.mu.Unlock()
}

// Begin starts a two-phase transaction on behalf of a coordinator.
func (p *LocalParticipant) Begin(ctx context.Context, txID uuid.UUID, session string) error {
	return p.begin(ctx, txID, session, true)
}

// BeginOnePhase starts an auto-commit transaction: no prepare, commit straight from BEGUN.
func (p *LocalParticipant) BeginOnePhase(ctx context.Context, txID uuid.UUID, session string) error {
	return p.begin(ctx, txID, session, false)
}

func (p *LocalParticipant) begin(ctx context.Context, txID uuid.UUID, session string, twoPhase bool) error {
	p.mu.Lock()
	if _, ok := p.txs[txID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_EXISTS)
	}
	if session != "" {
		if other, ok := p.sessions[session]; ok {
			p.mu.Unlock()
			return fmt.Errorf("session has %s: %w", other, core.ERR_SESSION_BUSY)
		}
	}
	if len(p.txs) >= p.countLimit {
		p.mu.Unlock()
		return fmt.Errorf("%d transactions: %w", len(p.txs), core.ERR_TX_LIMIT)
	}
	t := &ptx{id: txID, session: session, twoPhase: twoPhase, status: StatusNew, lastAccess: time.Now()}
	t.busy.Lock()
	defer t.busy.Unlock()
	p.txs[txID] = t
	if session != "" {
		p.sessions[session] = txID
	}
	p.mu.Unlock()

	if err := p.setStatus(ctx, t, StatusBeginStarted); err != nil {
		p.forget(t)
		return err
	}
	if err := p.res.Begin(ctx, txID.String()); err != nil {
		p.rollback(ctx, t)
		return err
	}
	if err := p.setStatus(ctx, t, StatusBegun); err != nil {
		p.rollback(ctx, t)
		return err
	}
	return nil
}

func (p *LocalParticipant) Execute(ctx context.Context, txID uuid.UUID, session string, op Op) (Result, error) {
	t, err := p.lockOrFail(txID)
	if err != nil {
		return Result{}, err
	}
	defer t.busy.Unlock()
	if t.session != session {
		return Result{}, fmt.Errorf("%s: %w", txID, core.ERR_TX_ACCESS)
	}
	if t.status != StatusBegun {
		return Result{}, fmt.Errorf("%s is %s: %w", txID, t.status, core.ERR_TX_STATUS)
	}
	t.lastAccess = time.Now()
	if op.AFS != nil {
		o := *op.AFS
		o.Session = session
		op.AFS = &o
	}
	return p.res.Execute(ctx, txID.String(), op)
}

func (p *LocalParticipant) Prepare(ctx context.Context, txID uuid.UUID) error {
	t, err := p.lockOrFail(txID)
	if err != nil {
		return err
	}
	defer t.busy.Unlock()
	if !t.twoPhase {
		return fmt.Errorf("%s is one-phase: %w", txID, core.ERR_TX_STATUS)
	}
	switch t.status {
	case StatusPrepared:
		return nil
	case StatusBegun, StatusPrepareStarted:
	default:
		return fmt.Errorf("prepare %s in %s: %w", txID, t.status, core.ERR_TX_STATUS)
	}
	t.lastAccess = time.Now()
	if err := p.setStatus(ctx, t, StatusPrepareStarted); err != nil {
		return err
	}
	if err := p.res.Prepare(ctx, txID.String()); err != nil {
		return err
	}
	return p.setStatus(ctx, t, StatusPrepared)
}

// Commit of a transaction this participant no longer tracks succeeds when the log says it
// committed.
func (p *LocalParticipant) Commit(ctx context.Context, txID uuid.UUID) error {
	t, err := p.lockOrFail(txID)
	if errors.Is(err, core.ERR_TX_UNKNOWN) {
		rec, ok, lerr := p.log.Last(ctx, txID)
		if lerr != nil {
			return lerr
		}
		if ok && rec.Status == StatusCommitted {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	defer t.busy.Unlock()

	switch {
	case t.status == StatusCommitStarted:
	case t.twoPhase && t.status == StatusPrepared:
	case !t.twoPhase && t.status == StatusBegun:
	default:
		return fmt.Errorf("commit %s in %s: %w", txID, t.status, core.ERR_TX_STATUS)
	}
	return p.commit(ctx, t)
}

// must be called with t.busy held
func (p *LocalParticipant) commit(ctx context.Context, t *ptx) error {
	if t.status != StatusCommitStarted {
		if err := p.setStatus(ctx, t, StatusCommitStarted); err != nil {
			return err
		}
	}
	if err := p.res.Commit(ctx, t.id.String()); err != nil {
		return core.Retriable(err)
	}
	if err := p.setStatus(ctx, t, StatusCommitted); err != nil {
		return err
	}
	p.forget(t)
	return nil
}

// Rollback is a no-op for unknown transactions and refused once commit has started.
func (p *LocalParticipant) Rollback(ctx context.Context, txID uuid.UUID) error {
	t, err := p.lockOrFail(txID)
	if errors.Is(err, core.ERR_TX_UNKNOWN) {
		return nil
	}
	if err != nil {
		return err
	}
	defer t.busy.Unlock()
	if t.status == StatusCommitStarted {
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_DECIDED)
	}
	return p.rollback(ctx, t)
}

// must be called with t.busy held
func (p *LocalParticipant) rollback(ctx context.Context, t *ptx) error {
	if t.status != StatusRollbackStarted {
		if err := p.setStatus(ctx, t, StatusRollbackStarted); err != nil {
			return err
		}
	}
	if err := p.res.Rollback(ctx, t.id.String()); err != nil {
		elog.Warn("participant rollback failed", elog.String("participant", p.id),
			elog.String("tx", t.id.String()), elog.Any("err", err))
		return core.Retriable(err)
	}
	if err := p.setStatus(ctx, t, StatusRolledBack); err != nil {
		return err
	}
	p.forget(t)
	return nil
}

func (p *LocalParticipant) Recover(ctx context.Context, txID uuid.UUID) (Outcome, error) {
	p.mu.Lock()
	t := p.txs[txID]
	p.mu.Unlock()
	if t != nil {
		t.busy.Lock()
		s := t.status
		t.busy.Unlock()
		if s == StatusPrepared || s == StatusCommitStarted {
			return OutcomePrepared, nil
		}
		return OutcomeActive, nil
	}
	rec, ok, err := p.log.Last(ctx, txID)
	if err != nil || !ok {
		return OutcomeUnknown, err
	}
	switch rec.Status {
	case StatusCommitted:
		return OutcomeCommitted, nil
	case StatusRolledBack:
		return OutcomeRolledBack, nil
	}
	return OutcomeUnknown, nil
}

func (p *LocalParticipant) Transactions(ctx context.Context) ([]uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range p.txs {
		if t.busy.TryLock() {
			if t.status == StatusPrepared || t.status == StatusCommitStarted {
				ids = append(ids, id)
			}
			t.busy.Unlock()
		}
	}
	return ids, nil
}

// Status of a tracked transaction.
func (p *LocalParticipant) Status(txID uuid.UUID) (Status, bool) {
	p.mu.Lock()
	t := p.txs[txID]
	p.mu.Unlock()
	if t == nil {
		return 0, false
	}
	t.busy.Lock()
	defer t.busy.Unlock()
	return t.status, true
}

// Len is the number of tracked transactions.
func (p *LocalParticipant) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

// RecoverFromLog runs once at startup before any request: it reattaches the unfinished
// transactions of the log, rolls back resource leftovers the log does not know and
// finishes whatever was abandoned mid-phase.
func (p *LocalParticipant) RecoverFromLog(ctx context.Context) error {
	last, err := p.log.LastStatuses(ctx)
	if err != nil {
		return err
	}
	for id, rec := range last {
		if rec.Status.Terminal() {
			continue
		}
		prepared := rec.Status == StatusPrepared || rec.Status == StatusCommitStarted
		if err := p.res.Restore(ctx, id.String(), prepared); err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
		p.mu.Lock()
		p.txs[id] = &ptx{id: id, session: rec.Session, twoPhase: rec.TwoPhase, status: rec.Status, lastAccess: rec.Timestamp}
		if rec.Session != "" {
			p.sessions[rec.Session] = id
		}
		p.mu.Unlock()
	}

	pending, err := p.res.Pending(ctx)
	if err != nil {
		return err
	}
	for _, s := range pending {
		id, err := uuid.Parse(s)
		if err == nil {
			if rec, ok := last[id]; ok && !rec.Status.Terminal() {
				continue
			}
		}
		elog.Info("rolling back leftover", elog.String("participant", p.id), elog.String("tx", s))
		if err := p.res.Rollback(ctx, s); err != nil {
			return err
		}
	}
	p.finishAbandoned(ctx, true)
	return nil
}

// FinishAbandoned rolls back idle transactions and retries unfinished commits and rollbacks.
func (p *LocalParticipant) FinishAbandoned(ctx context.Context) {
	p.finishAbandoned(ctx, false)
}

func (p *LocalParticipant) finishAbandoned(ctx context.Context, startup bool) {
	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.txs))
	for id := range p.txs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		t := p.lockOrSkip(id)
		if t == nil {
			continue
		}
		idle := time.Since(t.lastAccess) > p.timeout
		var err error
		switch t.status {
		case StatusCommitStarted:
			err = p.commit(ctx, t)
		case StatusRollbackStarted:
			err = p.rollback(ctx, t)
		case StatusBeginStarted, StatusPrepareStarted:
			if startup || idle {
				err = p.rollback(ctx, t)
			}
		case StatusNew, StatusBegun:
			if idle {
				elog.Info("rolling back abandoned transaction", elog.String("participant", p.id),
					elog.String("tx", id.String()), elog.String("status", t.status.String()))
				err = p.rollback(ctx, t)
			}
		case StatusPrepared:
			// the coordinator decides
		}
		t.busy.Unlock()
		if err != nil {
			elog.Warn("finish abandoned transaction failed", elog.String("participant", p.id),
				elog.String("tx", id.String()), elog.Any("err", err))
		}
	}
}

// Run finishes abandoned transactions and prunes the log until ctx is done.
func (p *LocalParticipant) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.FinishAbandoned(ctx)
			if n, err := Prune(ctx, p.log, time.Now().Add(-logRetention)); err != nil {
				elog.Warn("prune participant log failed", elog.String("participant", p.id), elog.Any("err", err))
			} else if n > 0 {
				elog.Info("participant log pruned", elog.String("participant", p.id), elog.Int("count", n))
			}
		}
	}
}

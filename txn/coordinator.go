package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gotomicro/ego/core/elog"
	"golang.org/x/sync/singleflight"

	"github.com/orcastor/afs/core"
)

// terminal log records are kept this long for late commit and recover calls
const logRetention = 24 * time.Hour

// PrepareError reports the participant whose prepare failed the transaction.
type PrepareError struct {
	TxID        uuid.UUID
	Participant string
	Err         error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare of %s failed at %s: %v", e.TxID, e.Participant, e.Err)
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}

// SessionValidator tells whether a session token belongs to a logged in user.
type SessionValidator interface {
	IsSessionValid(token string) bool
}

type transaction struct {
	id         uuid.UUID
	session    string
	status     Status
	lastAccess time.Time
	busy       sync.Mutex
}

// Coordinator drives two-phase commit over its participants, in enrollment order.
type Coordinator struct {
	cfg          core.TxConfig
	log          Log
	sessions     SessionValidator
	participants []Participant
	byID         map[string]Participant

	mu       sync.Mutex
	txs      map[uuid.UUID]*transaction
	bySess   map[string]uuid.UUID
	recovery singleflight.Group
}

func NewCoordinator(cfg *core.Config, log Log, sessions SessionValidator, participants ...Participant) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      cfg.Tx,
		log:      log,
		sessions: sessions,
		byID:     map[string]Participant{},
		txs:      map[uuid.UUID]*transaction{},
		bySess:   map[string]uuid.UUID{},
	}
	for _, p := range participants {
		if _, ok := c.byID[p.ID()]; ok {
			return nil, fmt.Errorf("participant %s enrolled twice: %w", p.ID(), core.ERR_INVALID_ARGS)
		}
		c.byID[p.ID()] = p
		c.participants = append(c.participants, p)
	}
	if len(c.participants) == 0 {
		return nil, fmt.Errorf("no participants: %w", core.ERR_NO_PARTICIPANT)
	}
	return c, nil
}

func (c *Coordinator) Participants() []Participant {
	return c.participants
}

func (c *Coordinator) checkKey(key string) error {
	if key != c.cfg.InteractiveSessionKey {
		return core.ERR_INVALID_KEY
	}
	return nil
}

func (c *Coordinator) lockOrFail(txID uuid.UUID, session string) (*transaction, error) {
	c.mu.Lock()
	t := c.txs[txID]
	c.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("%s: %w", txID, core.ERR_TX_UNKNOWN)
	}
	if t.session != session {
		return nil, fmt.Errorf("%s: %w", txID, core.ERR_TX_ACCESS)
	}
	if !t.busy.TryLock() {
		return nil, fmt.Errorf("%s: %w", txID, core.ERR_TX_BUSY)
	}
	return t, nil
}

// must be called with t.busy held
func (c *Coordinator) setStatus(ctx context.Context, t *transaction, s Status) error {
	if err := c.log.LogStatus(ctx, Record{TxID: t.id, Status: s, Session: t.session, TwoPhase: true}); err != nil {
		return err
	}
	t.status = s
	return nil
}

// must be called with t.busy held
func (c *Coordinator) forget(t *transaction) {
	c.mu.Lock()
	delete(c.txs, t.id)
	if c.bySess[t.session] == t.id {
		delete(c.bySess, t.session)
	}
	c.mu.Unlock()
}

func (c *Coordinator) Begin(ctx context.Context, session, key string) (uuid.UUID, error) {
	id := uuid.New()
	return id, c.BeginWithID(ctx, id, session, key)
}

// BeginWithID begins txID on every participant. A participant failing to begin rolls the
// whole transaction back.
func (c *Coordinator) BeginWithID(ctx context.Context, txID uuid.UUID, session, key string) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if c.sessions != nil && !c.sessions.IsSessionValid(session) {
		return core.ERR_NEED_LOGIN
	}

	c.mu.Lock()
	if _, ok := c.txs[txID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", txID, core.ERR_TX_EXISTS)
	}
	if other, ok := c.bySess[session]; ok {
		c.mu.Unlock()
		return fmt.Errorf("session has %s: %w", other, core.ERR_SESSION_BUSY)
	}
	if len(c.txs) >= c.cfg.CountLimit {
		c.mu.Unlock()
		return fmt.Errorf("%d transactions: %w", len(c.txs), core.ERR_TX_LIMIT)
	}
	t := &transaction{id: txID, session: session, status: StatusNew, lastAccess: time.Now()}
	t.busy.Lock()
	defer t.busy.Unlock()
	c.txs[txID] = t
	c.bySess[session] = txID
	c.mu.Unlock()

	if err := c.setStatus(ctx, t, StatusBeginStarted); err != nil {
		c.forget(t)
		return err
	}
	for _, p := range c.participants {
		if err := p.Begin(ctx, txID, session); err != nil {
			elog.Warn("participant begin failed", elog.String("tx", txID.String()),
				elog.String("participant", p.ID()), elog.Any("err", err))
			c.rollback(context.WithoutCancel(ctx), t)
			return fmt.Errorf("begin at %s: %w", p.ID(), err)
		}
	}
	if err := c.setStatus(ctx, t, StatusBegun); err != nil {
		c.rollback(context.WithoutCancel(ctx), t)
		return err
	}
	TxOutcome("coordinator", "begun")
	return nil
}

// Execute routes op to participantID. A failed operation leaves the transaction open.
func (c *Coordinator) Execute(ctx context.Context, txID uuid.UUID, session, key, participantID string, op Op) (Result, error) {
	if err := c.checkKey(key); err != nil {
		return Result{}, err
	}
	p, ok := c.byID[participantID]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", participantID, core.ERR_NO_PARTICIPANT)
	}
	t, err := c.lockOrFail(txID, session)
	if err != nil {
		return Result{}, err
	}
	defer t.busy.Unlock()
	if t.status != StatusBegun {
		return Result{}, fmt.Errorf("%s is %s: %w", txID, t.status, core.ERR_TX_STATUS)
	}
	t.lastAccess = time.Now()
	return p.Execute(ctx, txID, session, op)
}

// Commit prepares every participant and, once all are prepared, commits them. A failed
// prepare rolls the transaction back and returns a *PrepareError. Once prepared the
// transaction commits: if participants keep failing past the retry window it stays
// COMMIT_STARTED and Run retries it, the caller still gets OutcomeCommitted.
func (c *Coordinator) Commit(ctx context.Context, txID uuid.UUID, session, key string) (Outcome, error) {
	if err := c.checkKey(key); err != nil {
		return OutcomeUnknown, err
	}
	t, err := c.lockOrFail(txID, session)
	if errors.Is(err, core.ERR_TX_UNKNOWN) {
		return c.outcomeFromLog(ctx, txID, err)
	}
	if err != nil {
		return OutcomeUnknown, err
	}
	defer t.busy.Unlock()
	if t.status != StatusBegun {
		return OutcomeUnknown, fmt.Errorf("commit %s in %s: %w", txID, t.status, core.ERR_TX_STATUS)
	}
	t.lastAccess = time.Now()

	if err := c.setStatus(ctx, t, StatusPrepareStarted); err != nil {
		return OutcomeUnknown, err
	}
	for _, p := range c.participants {
		if err := c.prepare(ctx, p, txID); err != nil {
			elog.Warn("prepare failed, rolling back", elog.String("tx", txID.String()),
				elog.String("participant", p.ID()), elog.Any("err", err))
			c.rollback(context.WithoutCancel(ctx), t)
			return OutcomeRolledBack, &PrepareError{TxID: txID, Participant: p.ID(), Err: err}
		}
	}

	// from here on the caller can no longer cancel the outcome
	dctx := context.WithoutCancel(ctx)
	if err := c.setStatus(dctx, t, StatusPrepared); err != nil {
		return OutcomeUnknown, err
	}
	if err := c.setStatus(dctx, t, StatusCommitStarted); err != nil {
		// PREPARED is durable, recovery commits
		return OutcomeCommitted, nil
	}
	c.commit(dctx, t, c.cfg.CommitRetryWindow.Duration)
	return OutcomeCommitted, nil
}

func (c *Coordinator) outcomeFromLog(ctx context.Context, txID uuid.UUID, cause error) (Outcome, error) {
	rec, ok, err := c.log.Last(ctx, txID)
	if err != nil {
		return OutcomeUnknown, err
	}
	if ok {
		switch rec.Status {
		case StatusCommitted:
			return OutcomeCommitted, nil
		case StatusRolledBack:
			return OutcomeRolledBack, nil
		}
	}
	return OutcomeUnknown, cause
}

// prepare tries p up to PrepareAttempts times while it fails with retriable errors, each
// attempt bounded by PrepareTimeout.
func (c *Coordinator) prepare(ctx context.Context, p Participant, txID uuid.UUID) error {
	attempts := c.cfg.PrepareAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout.Duration)
		defer cancel()
		err := p.Prepare(pctx, txID)
		if err != nil && (!core.IsRetriable(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// commit commits every participant, retrying for up to window. It reports whether the
// transaction reached COMMITTED.
// must be called with t.busy held
func (c *Coordinator) commit(ctx context.Context, t *transaction, window time.Duration) bool {
	id := t.id.String()
	for _, p := range c.participants {
		if o, err := p.Recover(ctx, t.id); err == nil && o == OutcomeCommitted {
			continue
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = window
		err := backoff.Retry(func() error {
			err := p.Commit(ctx, t.id)
			if errors.Is(err, core.ERR_TX_UNKNOWN) {
				// nothing left at the participant, its log was pruned after it committed
				elog.Warn("participant no longer knows transaction", elog.String("tx", id), elog.String("participant", p.ID()))
				return nil
			}
			if err != nil {
				CommitRetry(p.ID())
			}
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			elog.Error("commit not finished, will keep retrying", elog.String("tx", id),
				elog.String("participant", p.ID()), elog.Any("err", err))
			TxOutcome("coordinator", "commit_pending")
			return false
		}
	}
	if err := c.setStatus(ctx, t, StatusCommitted); err != nil {
		elog.Error("log committed failed", elog.String("tx", id), elog.Any("err", err))
		return false
	}
	c.forget(t)
	TxOutcome("coordinator", "committed")
	return true
}

// rollback rolls back every participant. On failure the transaction stays
// ROLLBACK_STARTED for Run to retry.
// must be called with t.busy held
func (c *Coordinator) rollback(ctx context.Context, t *transaction) bool {
	id := t.id.String()
	if t.status != StatusRollbackStarted {
		if err := c.setStatus(ctx, t, StatusRollbackStarted); err != nil {
			elog.Error("log rollback started failed", elog.String("tx", id), elog.Any("err", err))
			return false
		}
	}
	ok := true
	for _, p := range c.participants {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = c.cfg.CommitRetryWindow.Duration
		if err := backoff.Retry(func() error {
			return p.Rollback(ctx, t.id)
		}, backoff.WithContext(bo, ctx)); err != nil {
			elog.Error("rollback not finished, will keep retrying", elog.String("tx", id),
				elog.String("participant", p.ID()), elog.Any("err", err))
			ok = false
		}
	}
	if !ok {
		return false
	}
	if err := c.setStatus(ctx, t, StatusRolledBack); err != nil {
		elog.Error("log rolled back failed", elog.String("tx", id), elog.Any("err", err))
		return false
	}
	c.forget(t)
	TxOutcome("coordinator", "rolled_back")
	return true
}

// Rollback aborts a transaction that has not been prepared. Unknown ids are a no-op.
func (c *Coordinator) Rollback(ctx context.Context, txID uuid.UUID, session, key string) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	t, err := c.lockOrFail(txID, session)
	if errors.Is(err, core.ERR_TX_UNKNOWN) {
		if rec, ok, lerr := c.log.Last(ctx, txID); lerr == nil && ok && rec.Status == StatusCommitted {
			return fmt.Errorf("%s: %w", txID, core.ERR_TX_DECIDED)
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer t.busy.Unlock()
	if t.status.Decided() {
		return fmt.Errorf("%s is %s: %w", txID, t.status, core.ERR_TX_DECIDED)
	}
	if !c.rollback(context.WithoutCancel(ctx), t) {
		return core.Retriable(fmt.Errorf("rollback of %s pending: %w", txID, core.ERR_UNREACHABLE))
	}
	return nil
}

// Status of a live transaction.
func (c *Coordinator) Status(txID uuid.UUID) (Status, bool) {
	c.mu.Lock()
	t := c.txs[txID]
	c.mu.Unlock()
	if t == nil {
		return 0, false
	}
	t.busy.Lock()
	defer t.busy.Unlock()
	return t.status, true
}

// Recover finishes what the log says was in flight: undecided transactions roll back,
// prepared ones commit. Concurrent calls share one run and running it again is a no-op.
func (c *Coordinator) Recover(ctx context.Context) error {
	_, err, _ := c.recovery.Do("recover", func() (interface{}, error) {
		return nil, c.recover(ctx)
	})
	return err
}

func (c *Coordinator) recover(ctx context.Context) error {
	last, err := c.log.LastStatuses(ctx)
	if err != nil {
		return err
	}
	for id, rec := range last {
		if rec.Status.Terminal() {
			continue
		}
		c.mu.Lock()
		t, live := c.txs[id]
		if !live {
			t = &transaction{id: id, session: rec.Session, status: rec.Status, lastAccess: rec.Timestamp}
			c.txs[id] = t
			if rec.Session != "" {
				c.bySess[rec.Session] = id
			}
		}
		c.mu.Unlock()
		// transactions still held in memory belong to live sessions
		c.finish(ctx, t, !live)
	}
	return nil
}

// finish moves an abandoned or failed transaction to a terminal status if it can.
func (c *Coordinator) finish(ctx context.Context, t *transaction, force bool) {
	if !t.busy.TryLock() {
		return
	}
	defer t.busy.Unlock()

	switch t.status {
	case StatusPrepared:
		if err := c.setStatus(ctx, t, StatusCommitStarted); err != nil {
			elog.Error("log commit started failed", elog.String("tx", t.id.String()), elog.Any("err", err))
			return
		}
		c.commit(ctx, t, c.cfg.CommitRetryWindow.Duration)
	case StatusCommitStarted:
		c.commit(ctx, t, c.cfg.CommitRetryWindow.Duration)
	case StatusRollbackStarted:
		c.rollback(ctx, t)
	case StatusNew, StatusBeginStarted, StatusBegun, StatusPrepareStarted:
		if force || time.Since(t.lastAccess) > c.cfg.Timeout.Duration {
			elog.Info("rolling back abandoned transaction", elog.String("tx", t.id.String()),
				elog.String("status", t.status.String()))
			c.rollback(ctx, t)
		}
	}
}

// Run retries pending commits and rollbacks and aborts idle transactions until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.cfg.RecoveryInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ts := make([]*transaction, 0, len(c.txs))
			for _, t := range c.txs {
				ts = append(ts, t)
			}
			c.mu.Unlock()
			for _, t := range ts {
				c.finish(ctx, t, false)
			}
			if _, err := Prune(ctx, c.log, time.Now().Add(-logRetention)); err != nil {
				elog.Warn("prune coordinator log failed", elog.Any("err", err))
			}
		}
	}
}

// Len is the number of live transactions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

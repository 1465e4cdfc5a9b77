package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotomicro/ego/core/elog"
	"github.com/orca-zhang/idgen"

	"github.com/orcastor/afs/core"
)

// transaction control methods, only interactive sessions may call them
var txControl = map[string]bool{
	"begin":        true,
	"prepare":      true,
	"commit":       true,
	"rollback":     true,
	"recover":      true,
	"transactions": true,
}

// Request describes an incoming call for checkout purposes.
type Request struct {
	Method         string
	Session        string
	CoordinatorKey string
	InteractiveKey string
}

// Pool multiplexes sessions onto at most PoolSize workers.
//
// An interactive session keeps its worker between requests until it commits, rolls back,
// fails a request or stays idle past IdleTimeout. Any other request gets a worker for
// its own duration; with a session it runs in an implicit transaction that commits on
// check-in unless the request failed.
type Pool struct {
	e     *Engine
	cfg   *core.Config
	conns *ConnPool
	ig    *idgen.IDGen

	mu         sync.Mutex
	idle       []*Worker
	created    int
	inUse      map[string]*Worker
	lastAccess map[*Worker]time.Time
	shutdown   bool
}

func NewPool(e *Engine) *Pool {
	return &Pool{
		e:          e,
		cfg:        e.Config,
		conns:      NewConnPool(e.Config.Worker.PoolSize),
		ig:         idgen.NewIDGen(nil, 0),
		inUse:      map[string]*Worker{},
		lastAccess: map[*Worker]time.Time{},
	}
}

// Do checks out a worker for req, runs fn on it and checks the worker back in.
func (p *Pool) Do(ctx context.Context, req Request, fn func(w *Worker) error) (err error) {
	p.mu.Lock()
	shutdown := p.shutdown
	p.mu.Unlock()
	if shutdown {
		return core.ERR_SHUTTING_DOWN
	}

	hasSession := req.Session != ""
	tmMode := req.CoordinatorKey != "" && req.CoordinatorKey == p.cfg.Tx.CoordinatorKey
	interactive := req.InteractiveKey != "" && req.InteractiveKey == p.cfg.Tx.InteractiveSessionKey
	finished := interactive && (req.Method == "commit" || req.Method == "rollback" || !hasSession)
	nonInteractive := !interactive && !txControl[req.Method]
	if !interactive && !nonInteractive {
		return fmt.Errorf("%s needs an interactive session: %w", req.Method, core.ERR_INVALID_KEY)
	}

	w, err := p.checkOut(ctx, tmMode, interactive, nonInteractive, req.Session)
	if err != nil {
		return err
	}

	failed := true
	defer func() {
		if r := recover(); r != nil {
			elog.Error("request panicked", elog.String("method", req.Method), elog.Any("panic", r))
			err = fmt.Errorf("%s: %v", req.Method, r)
			failed = true
		}
		p.checkIn(ctx, interactive, finished, nonInteractive, failed, req.Session, w)
	}()

	err = p.run(w, req.Session, fn)
	failed = err != nil
	return err
}

func (p *Pool) run(w *Worker, session string, fn func(w *Worker) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	// the worker may have been cleaned while this request waited for it
	if w.State() != StateBound || w.session != session {
		return fmt.Errorf("session worker was released: %w", core.ERR_TX_BUSY)
	}
	return fn(w)
}

func (p *Pool) take() (*Worker, error) {
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return w, nil
	}
	if p.created >= p.cfg.Worker.PoolSize {
		return nil, fmt.Errorf("%d workers busy: %w", p.created, core.ERR_NO_WORKER)
	}
	id, err := p.ig.New()
	if err != nil {
		return nil, err
	}
	p.created++
	return newWorker(id, p.e, p.conns), nil
}

func (p *Pool) checkOut(ctx context.Context, tmMode, interactive, nonInteractive bool, session string) (w *Worker, err error) {
	p.mu.Lock()
	if interactive && session != "" {
		if w, ok := p.inUse[session]; ok {
			p.lastAccess[w] = time.Now()
			p.mu.Unlock()
			return w, nil
		}
	}
	w, err = p.take()
	if err == nil && interactive && session != "" {
		p.inUse[session] = w
		p.lastAccess[w] = time.Now()
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			p.checkIn(ctx, interactive, false, nonInteractive, true, session, w)
		}
	}()
	conn, err := p.conns.CheckOut(session)
	if err != nil {
		return nil, err
	}
	if err = w.Bind(ctx, session, conn); err != nil {
		p.conns.CheckIn(conn)
		return nil, err
	}
	w.SetTransactionManagerMode(tmMode)
	w.SetInteractiveSessionMode(interactive)
	if nonInteractive && session != "" {
		if err = w.Begin(ctx, uuid.New()); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (p *Pool) checkIn(ctx context.Context, interactive, finished, nonInteractive, failed bool, session string, w *Worker) {
	if w == nil {
		return
	}
	if session != "" && interactive && (finished || failed) {
		p.mu.Lock()
		if p.inUse[session] == w {
			delete(p.inUse, session)
		}
		delete(p.lastAccess, w)
		p.mu.Unlock()
	}

	if !(finished || nonInteractive || failed) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if nonInteractive && !failed {
		if id, ok := w.TxID(); ok {
			if _, err := w.Commit(ctx); err != nil {
				elog.Error("implicit commit failed", elog.String("tx", id.String()), elog.Any("err", err))
			}
		}
	}
	p.release(ctx, w)
}

// must be called with w.mu held
func (p *Pool) release(ctx context.Context, w *Worker) {
	if err := w.CleanConnection(ctx); err != nil {
		elog.Warn("clean connection failed", elog.Int64("worker", w.ID()), elog.Any("err", err))
	}
	if err := w.CleanContext(ctx); err != nil {
		elog.Error("clean context failed, dropping worker", elog.Int64("worker", w.ID()), elog.Any("err", err))
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// CleanIdle releases interactive workers not used for IdleTimeout.
func (p *Pool) CleanIdle(ctx context.Context) int {
	deadline := time.Now().Add(-p.cfg.Worker.IdleTimeout.Duration)
	p.mu.Lock()
	var stale []*Worker
	for session, w := range p.inUse {
		if p.lastAccess[w].Before(deadline) && w.mu.TryLock() {
			delete(p.inUse, session)
			delete(p.lastAccess, w)
			stale = append(stale, w)
		}
	}
	p.mu.Unlock()

	for _, w := range stale {
		elog.Info("releasing idle worker", elog.Int64("worker", w.ID()), elog.String("session", w.Session()))
		p.release(ctx, w)
		w.mu.Unlock()
	}
	return len(stale)
}

// Run cleans idle workers until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.Worker.IdleTimeout.Duration / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CleanIdle(ctx)
		}
	}
}

// Shutdown refuses new requests and releases every session worker.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutdown = true
	ws := make([]*Worker, 0, len(p.inUse))
	for session, w := range p.inUse {
		delete(p.inUse, session)
		delete(p.lastAccess, w)
		ws = append(ws, w)
	}
	p.mu.Unlock()

	for _, w := range ws {
		w.mu.Lock()
		p.release(ctx, w)
		w.mu.Unlock()
	}
}

// InUse is the number of workers bound to interactive sessions.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Idle is the number of pooled workers ready for a new session.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

package txn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
	"github.com/orcastor/afs/lock"
)

// env is one process worth of participants over a state dir; reopening it simulates a restart.
type env struct {
	cfg    *core.Config
	pool   *core.DBPool
	locks  *lock.Manager
	afsRes *afs.Resource
	dbRes  *db.Resource
	logs   []*SQLLog
	afsP   *LocalParticipant
	dbP    *LocalParticipant
	coLog  *SQLLog
	closed bool
}

func openEnv(t *testing.T, cfg *core.Config, pool *core.DBPool) *env {
	e := &env{cfg: cfg, pool: pool, locks: lock.NewManager()}
	var err error
	if e.afsRes, err = afs.NewResource(cfg, e.locks); err != nil {
		t.Fatal(err)
	}
	if e.dbRes, err = db.NewResource(cfg, pool); err != nil {
		t.Fatal(err)
	}
	openLog := func(name string) *SQLLog {
		l, err := NewSQLLog(pool, filepath.Join(cfg.Storage.StatePath, name))
		if err != nil {
			t.Fatal(err)
		}
		e.logs = append(e.logs, l)
		return l
	}
	e.afsP = NewAFSParticipant(cfg.Tx.AFSParticipantID, e.afsRes, openLog("afs_txlog.db"), cfg)
	e.dbP = NewDBParticipant(cfg.Tx.DBParticipantID, e.dbRes, openLog("db_txlog.db"), cfg)
	e.coLog = openLog("coordinator_txlog.db")
	return e
}

func (e *env) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.afsRes.Close()
	e.dbRes.Close()
	for _, l := range e.logs {
		l.Close()
	}
}

type validatorFunc func(string) bool

func (f validatorFunc) IsSessionValid(token string) bool { return f(token) }

// faulty injects errors in front of a real participant.
type faulty struct {
	Participant
	mu          sync.Mutex
	prepareErrs []error
	commitErr   error
	commits     int
}

func (f *faulty) Prepare(ctx context.Context, txID uuid.UUID) error {
	f.mu.Lock()
	if len(f.prepareErrs) > 0 {
		err := f.prepareErrs[0]
		f.prepareErrs = f.prepareErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		f.mu.Unlock()
	}
	return f.Participant.Prepare(ctx, txID)
}

func (f *faulty) Commit(ctx context.Context, txID uuid.UUID) error {
	f.mu.Lock()
	f.commits++
	err := f.commitErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Participant.Commit(ctx, txID)
}

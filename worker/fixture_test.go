package worker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
	"github.com/orcastor/afs/lock"
	"github.com/orcastor/afs/txn"
)

type fixture struct {
	cfg   *core.Config
	pool  *core.DBPool
	files *afs.Resource
	db    *db.Resource
	logs  []*txn.SQLLog
	auth  *Authenticator
	e     *Engine
	p     *Pool
}

func newFixture(t *testing.T, cfg *core.Config) *fixture {
	f := &fixture{cfg: cfg, pool: core.NewDBPool(cfg.DB)}
	var err error
	if f.files, err = afs.NewResource(cfg, lock.NewManager()); err != nil {
		t.Fatal(err)
	}
	if f.db, err = db.NewResource(cfg, f.pool); err != nil {
		t.Fatal(err)
	}
	if f.auth, err = NewAuthenticator(cfg, f.pool); err != nil {
		t.Fatal(err)
	}
	openLog := func(name string) *txn.SQLLog {
		l, err := txn.NewSQLLog(f.pool, filepath.Join(cfg.Storage.StatePath, name))
		if err != nil {
			t.Fatal(err)
		}
		f.logs = append(f.logs, l)
		return l
	}
	afsP := txn.NewAFSParticipant(cfg.Tx.AFSParticipantID, f.files, openLog("afs_txlog.db"), cfg)
	dbP := txn.NewDBParticipant(cfg.Tx.DBParticipantID, f.db, openLog("db_txlog.db"), cfg)
	co, err := txn.NewCoordinator(cfg, openLog("coordinator_txlog.db"), f.auth, afsP, dbP)
	if err != nil {
		t.Fatal(err)
	}
	f.e = &Engine{Config: cfg, Files: f.files, AFS: afsP, Coordinator: co}
	f.p = NewPool(f.e)
	return f
}

func (f *fixture) close() {
	f.p.Shutdown(context.Background())
	f.files.Close()
	f.db.Close()
	f.auth.Close()
	for _, l := range f.logs {
		l.Close()
	}
	f.pool.Close()
}

func (f *fixture) login(t *testing.T, usr string) string {
	ctx := context.Background()
	if _, err := f.auth.AddUser(ctx, usr, "pwd-"+usr, usr, USER); err != nil {
		t.Fatal(err)
	}
	token, _, err := f.auth.Login(ctx, usr, "pwd-"+usr)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

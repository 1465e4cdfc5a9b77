package rpc

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gotomicro/ego/core/elog"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
	"github.com/orcastor/afs/lock"
	"github.com/orcastor/afs/sdk"
	"github.com/orcastor/afs/txn"
	"github.com/orcastor/afs/worker"
)

// App owns every component of one server process.
type App struct {
	Config      *core.Config
	Pool        *core.DBPool
	Locks       *lock.Manager
	Files       *afs.Resource
	DB          *db.Resource
	Auth        *worker.Authenticator
	AFS         *txn.LocalParticipant
	Apps        *txn.LocalParticipant
	Coordinator *txn.Coordinator
	Workers     *worker.Pool
	Server      *Server

	logs []*txn.SQLLog
}

// NewApp opens the stores under the configured state path and wires the participants:
// the file participant, the database participant, then the remote ones.
func NewApp(cfg *core.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.MkdirAll(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Pool: core.NewDBPool(cfg.DB), Locks: lock.NewManager()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Files, err = afs.NewResource(cfg, a.Locks); err != nil {
		return nil, err
	}
	if a.DB, err = db.NewResource(cfg, a.Pool); err != nil {
		return nil, err
	}
	if a.Auth, err = worker.NewAuthenticator(cfg, a.Pool); err != nil {
		return nil, err
	}
	logs := map[string]*txn.SQLLog{}
	for _, name := range []string{"afs_txlog.db", "db_txlog.db", "coordinator_txlog.db"} {
		l, lerr := txn.NewSQLLog(a.Pool, filepath.Join(cfg.Storage.StatePath, name))
		if lerr != nil {
			return nil, lerr
		}
		a.logs = append(a.logs, l)
		logs[name] = l
	}

	a.AFS = txn.NewAFSParticipant(cfg.Tx.AFSParticipantID, a.Files, logs["afs_txlog.db"], cfg)
	a.Apps = txn.NewDBParticipant(cfg.Tx.DBParticipantID, a.DB, logs["db_txlog.db"], cfg)
	participants := []txn.Participant{a.AFS, a.Apps}
	for _, r := range cfg.Tx.Remote {
		participants = append(participants, sdk.NewRemoteParticipant(r.ID, r.Endpoint, cfg.Tx.CoordinatorKey, r.Timeout.Duration))
	}
	if a.Coordinator, err = txn.NewCoordinator(cfg, logs["coordinator_txlog.db"], a.Auth, participants...); err != nil {
		return nil, err
	}

	a.Workers = worker.NewPool(&worker.Engine{Config: cfg, Files: a.Files, AFS: a.AFS, Coordinator: a.Coordinator})
	a.Server = NewServer(cfg, a.Auth, a.Workers, a.Coordinator, a.AFS, a.Apps)
	return a, nil
}

// Recover brings the participants back from their logs, then lets the coordinator finish
// what was in flight. It runs before the server takes requests.
func (a *App) Recover(ctx context.Context) error {
	for _, p := range []*txn.LocalParticipant{a.AFS, a.Apps} {
		if err := p.RecoverFromLog(ctx); err != nil {
			return fmt.Errorf("recover participant %s: %w", p.ID(), err)
		}
	}
	if err := a.Coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recover coordinator: %w", err)
	}
	elog.Info("recovery finished", elog.Int("coordinator", a.Coordinator.Len()),
		elog.Int("afs", a.AFS.Len()), elog.Int("db", a.Apps.Len()))
	return nil
}

// Run starts the background loops, they stop with ctx.
func (a *App) Run(ctx context.Context) {
	interval := a.Config.Tx.RecoveryInterval.Duration
	go a.AFS.Run(ctx, interval)
	go a.Apps.Run(ctx, interval)
	go a.Coordinator.Run(ctx)
	go a.Workers.Run(ctx)
	go core.NewCheckpointer(a.Pool, a.Config.DB.CheckpointInterval.Duration).Run(ctx)
}

func (a *App) Close() {
	if a.Workers != nil {
		a.Workers.Shutdown(context.Background())
	}
	if a.Files != nil {
		a.Files.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Auth != nil {
		a.Auth.Close()
	}
	for _, l := range a.logs {
		l.Close()
	}
	a.Pool.Close()
}

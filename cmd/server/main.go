package main

import (
	"context"

	"github.com/gotomicro/ego"
	"github.com/gotomicro/ego/core/elog"
	"github.com/gotomicro/ego/server/egin"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/rpc"
)

// AFS_CONFIG=afs.toml EGO_DEBUG=true go run main.go --config=config.toml
func main() {
	cfg, err := core.LoadConfig(core.AFS_CONFIG)
	if err != nil {
		elog.Panic("config", elog.Any("err", err))
	}
	app, err := rpc.NewApp(cfg)
	if err != nil {
		elog.Panic("startup", elog.Any("err", err))
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Recover(ctx); err != nil {
		elog.Panic("recovery", elog.Any("err", err))
	}
	app.Run(ctx)

	if err := ego.New().Serve(func() *egin.Component {
		server := egin.Load("server.http").Build()
		app.Server.Register(server)
		return server
	}()).Run(); err != nil {
		elog.Panic("startup", elog.Any("err", err))
	}
}

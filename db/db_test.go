package db

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/afs/core"
)

func TestResource(t *testing.T) {
	Convey("DB resource", t, func() {
		ctx := context.Background()
		cfg := core.NewTestConfig(t.TempDir())
		pool := core.NewDBPool(cfg.DB)
		defer pool.Close()
		r, err := NewResource(cfg, pool)
		So(err, ShouldBeNil)

		Convey("two-phase commit", func() {
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/a.txt", 5, "5d41402abc4b2a76b9719d911017c592")), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/b.txt", 1, "x")), ShouldBeNil)
			So(r.Execute(ctx, "tx1", DeleteFile("owner1", "/b.txt")), ShouldBeNil)
			So(r.Prepare(ctx, "tx1"), ShouldBeNil)

			ids, err := r.Pending(ctx)
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"tx1"})

			So(r.Commit(ctx, "tx1"), ShouldBeNil)
			f, err := r.Get(ctx, "owner1", "/a.txt")
			So(err, ShouldBeNil)
			So(f, ShouldNotBeNil)
			So(f.Size, ShouldEqual, 5)
			f, err = r.Get(ctx, "owner1", "/b.txt")
			So(err, ShouldBeNil)
			So(f, ShouldBeNil)

			ids, _ = r.Pending(ctx)
			So(ids, ShouldBeEmpty)
			// commit is idempotent
			So(r.Commit(ctx, "tx1"), ShouldBeNil)
			r.Close()
		})

		Convey("prepare holds up against a cancelled caller context", func() {
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/a.txt", 5, "m")), ShouldBeNil)
			cctx, cancel := context.WithCancel(ctx)
			So(r.Prepare(cctx, "tx1"), ShouldBeNil)
			cancel()
			So(r.Commit(ctx, "tx1"), ShouldBeNil)
			f, _ := r.Get(ctx, "owner1", "/a.txt")
			So(f, ShouldNotBeNil)
			r.Close()
		})

		Convey("rollback leaves no trace", func() {
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/a.txt", 5, "m")), ShouldBeNil)
			So(r.Prepare(ctx, "tx1"), ShouldBeNil)
			So(r.Rollback(ctx, "tx1"), ShouldBeNil)
			So(r.Rollback(ctx, "tx1"), ShouldBeNil)
			f, _ := r.Get(ctx, "owner1", "/a.txt")
			So(f, ShouldBeNil)
			ids, _ := r.Pending(ctx)
			So(ids, ShouldBeEmpty)
			r.Close()
		})

		Convey("one-phase commit without prepare", func() {
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/a.txt", 5, "m")), ShouldBeNil)
			So(r.Commit(ctx, "tx1"), ShouldBeNil)
			fs, err := r.List(ctx, "owner1")
			So(err, ShouldBeNil)
			So(len(fs), ShouldEqual, 1)
			r.Close()
		})

		Convey("prepared batch is replayed exactly once after a restart", func() {
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(r.Execute(ctx, "tx1", PutFile("owner1", "/a.txt", 5, "m")), ShouldBeNil)
			So(r.Prepare(ctx, "tx1"), ShouldBeNil)
			// crash: the open sql transaction is lost
			r.Close()

			r2, err := NewResource(cfg, pool)
			So(err, ShouldBeNil)
			defer r2.Close()
			ids, _ := r2.Pending(ctx)
			So(ids, ShouldResemble, []string{"tx1"})
			So(r2.Restore(ctx, "tx1", true), ShouldBeNil)
			So(r2.Commit(ctx, "tx1"), ShouldBeNil)
			So(r2.Commit(ctx, "tx1"), ShouldBeNil)
			fs, _ := r2.List(ctx, "owner1")
			So(len(fs), ShouldEqual, 1)
		})

		Convey("invalid mutations and unknown transactions", func() {
			So(errors.Is(r.Execute(ctx, "tx1", PutFile("", "/a", 1, "m")), core.ERR_INVALID_ARGS), ShouldBeTrue)
			So(errors.Is(r.Execute(ctx, "tx1", Mutation{Kind: 7}), core.ERR_INVALID_ARGS), ShouldBeTrue)
			So(errors.Is(r.Execute(ctx, "nope", DeleteFile("o", "/a")), core.ERR_TX_UNKNOWN), ShouldBeTrue)
			So(errors.Is(r.Prepare(ctx, "nope"), core.ERR_TX_UNKNOWN), ShouldBeTrue)
			So(r.Rollback(ctx, "nope"), ShouldBeNil)
			So(r.Begin(ctx, "tx1"), ShouldBeNil)
			So(errors.Is(r.Begin(ctx, "tx1"), core.ERR_TX_EXISTS), ShouldBeTrue)
			r.Close()
		})
	})
}

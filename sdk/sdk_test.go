package sdk_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
	"github.com/orcastor/afs/rpc"
	"github.com/orcastor/afs/sdk"
	"github.com/orcastor/afs/txn"
	"github.com/orcastor/afs/worker"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func serve(t *testing.T, cfg *core.Config) (*rpc.App, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	app, err := rpc.NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	app.Server.Register(r)
	return app, httptest.NewServer(r)
}

func TestChunks(t *testing.T) {
	Convey("SplitChunks", t, func() {
		var chunks []sdk.Chunk
		collect := func(c sdk.Chunk) error {
			chunks = append(chunks, c)
			return nil
		}

		Convey("cuts a stream at the chunk size", func() {
			So(sdk.SplitChunks(strings.NewReader("0123456789"), 4, collect), ShouldBeNil)
			So(len(chunks), ShouldEqual, 3)
			So(chunks[1].Offset, ShouldEqual, 4)
			So(string(chunks[1].Data), ShouldEqual, "4567")
			So(string(chunks[2].Data), ShouldEqual, "89")
			So(chunks[2].MD5, ShouldEqual, sdk.MD5Hex([]byte("89")))
		})

		Convey("yields one chunk for an empty stream", func() {
			So(sdk.SplitChunks(strings.NewReader(""), 4, collect), ShouldBeNil)
			So(len(chunks), ShouldEqual, 1)
			So(len(chunks[0].Data), ShouldEqual, 0)
		})

		Convey("stops at the first error", func() {
			boom := errors.New("boom")
			err := sdk.SplitChunks(strings.NewReader("0123456789"), 4, func(c sdk.Chunk) error {
				chunks = append(chunks, c)
				return boom
			})
			So(err, ShouldEqual, boom)
			So(len(chunks), ShouldEqual, 1)
		})

		Convey("hashes a reader", func() {
			sum, n, err := sdk.MD5FromReader(bytes.NewReader([]byte("hello")))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 5)
			So(sum, ShouldEqual, helloMD5)
		})
	})
}

func TestClient(t *testing.T) {
	Convey("Client", t, func() {
		ctx := context.Background()
		cfg := core.NewTestConfig(t.TempDir())
		app, srv := serve(t, cfg)
		defer app.Close()
		defer srv.Close()

		_, err := app.Auth.AddUser(ctx, "orca", "pwd", "orca", worker.USER)
		So(err, ShouldBeNil)
		c := sdk.NewClient(sdk.Config{Endpoint: srv.URL, Timeout: 5 * time.Second})

		Convey("needs a login", func() {
			err := c.Login(ctx, "orca", "wrong")
			So(errors.Is(err, core.ERR_INCORRECT_PWD), ShouldBeTrue)
			_, err = c.List(ctx, "owner1", "/", false)
			So(err, ShouldNotBeNil)
		})

		So(c.Login(ctx, "orca", "pwd"), ShouldBeNil)

		Convey("writes and reads files", func() {
			So(c.Write(ctx, "owner1", "/a.txt", 0, []byte("hello")), ShouldBeNil)
			b, err := c.Read(ctx, "owner1", "/a.txt", 0, 0)
			So(err, ShouldBeNil)
			So(string(b), ShouldEqual, "hello")

			So(c.Copy(ctx, "owner1", "/a.txt", "owner1", "/b.txt"), ShouldBeNil)
			So(c.Move(ctx, "owner1", "/b.txt", "owner1", "/c.txt"), ShouldBeNil)
			So(c.Delete(ctx, "owner1", "/a.txt"), ShouldBeNil)
			es, err := c.List(ctx, "owner1", "/", false)
			So(err, ShouldBeNil)
			So(len(es), ShouldEqual, 1)
			So(es[0].Path, ShouldEqual, "/c.txt")

			_, err = c.Read(ctx, "owner1", "/a.txt", 0, 0)
			So(errors.Is(err, core.ERR_NOT_FOUND), ShouldBeTrue)
		})

		Convey("uploads in chunks", func() {
			data := []byte(strings.Repeat("0123456789", 10))
			So(c.Upload(ctx, "owner1", "/big.bin", bytes.NewReader(data), 7), ShouldBeNil)
			b, err := c.Read(ctx, "owner1", "/big.bin", 0, 0)
			So(err, ShouldBeNil)
			So(bytes.Equal(b, data), ShouldBeTrue)
		})

		Convey("keeps the error class of the server", func() {
			err := c.Ops(ctx, "write", sdk.OpsRequest{Owner: "owner1", Path: "/a.txt", Data: []byte("hello"), MD5: "00000000000000000000000000000000"}, nil)
			So(errors.Is(err, core.ERR_CHECKSUM_MISMATCH), ShouldBeTrue)
			So(core.IsRetriable(err), ShouldBeFalse)

			_, err = c.Begin(ctx)
			So(errors.Is(err, core.ERR_INVALID_KEY), ShouldBeTrue)
		})

		Convey("runs interactive transactions", func() {
			ic := sdk.NewClient(sdk.Config{Endpoint: srv.URL, Timeout: 5 * time.Second, InteractiveKey: cfg.Tx.InteractiveSessionKey})
			So(ic.Login(ctx, "orca", "pwd"), ShouldBeNil)

			_, err := ic.Begin(ctx)
			So(err, ShouldBeNil)
			So(ic.Write(ctx, "owner1", "/a.txt", 0, []byte("hello")), ShouldBeNil)
			So(ic.Rollback(ctx), ShouldBeNil)
			So(app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)

			_, err = ic.Begin(ctx)
			So(err, ShouldBeNil)
			So(ic.Write(ctx, "owner1", "/a.txt", 0, []byte("hello")), ShouldBeNil)
			So(app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
			o, err := ic.Commit(ctx)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, txn.OutcomeCommitted)
			So(app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)

			Convey("and in transaction manager mode spans the database", func() {
				tc := sdk.NewClient(sdk.Config{
					Endpoint:       srv.URL,
					Timeout:        5 * time.Second,
					InteractiveKey: cfg.Tx.InteractiveSessionKey,
					CoordinatorKey: cfg.Tx.CoordinatorKey,
				})
				So(tc.Login(ctx, "orca", "pwd"), ShouldBeNil)
				_, err := tc.Begin(ctx)
				So(err, ShouldBeNil)
				So(tc.Delete(ctx, "owner1", "/a.txt"), ShouldBeNil)
				_, err = tc.Execute(ctx, cfg.Tx.DBParticipantID, txn.DBOp(db.DeleteFile("owner1", "/a.txt")))
				So(err, ShouldBeNil)
				o, err := tc.Commit(ctx)
				So(err, ShouldBeNil)
				So(o, ShouldEqual, txn.OutcomeCommitted)
				So(app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
			})
		})

		So(c.Logout(ctx), ShouldBeNil)
	})
}

func TestRemoteParticipant(t *testing.T) {
	Convey("Remote participant", t, func() {
		ctx := context.Background()

		rcfg := core.NewTestConfig(t.TempDir())
		rcfg.Tx.DBParticipantID = "remote-db"
		remote, srv := serve(t, rcfg)
		defer remote.Close()
		defer srv.Close()

		cfg := core.NewTestConfig(t.TempDir())
		cfg.Tx.Remote = []core.RemoteConfig{{ID: "remote-db", Endpoint: srv.URL, Timeout: core.Duration{Duration: 5 * time.Second}}}
		app, err := rpc.NewApp(cfg)
		So(err, ShouldBeNil)
		defer app.Close()

		_, err = app.Auth.AddUser(ctx, "orca", "pwd", "orca", worker.USER)
		So(err, ShouldBeNil)
		token, _, err := app.Auth.Login(ctx, "orca", "pwd")
		So(err, ShouldBeNil)
		key := cfg.Tx.InteractiveSessionKey
		co := app.Coordinator

		stage := func() txn.Outcome {
			id, err := co.Begin(ctx, token, key)
			So(err, ShouldBeNil)
			_, err = co.Execute(ctx, id, token, key, cfg.Tx.AFSParticipantID,
				txn.AFSOp(afs.NewWrite("owner1", "/a.txt", 0, []byte("hello"), helloMD5)))
			So(err, ShouldBeNil)
			_, err = co.Execute(ctx, id, token, key, "remote-db", txn.DBOp(db.PutFile("owner1", "/a.txt", 5, helloMD5)))
			So(err, ShouldBeNil)
			out, err := co.Commit(ctx, id, token, key)
			So(err, ShouldBeNil)
			return out
		}

		Convey("commits across processes", func() {
			So(stage(), ShouldEqual, txn.OutcomeCommitted)
			So(app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)
			row, err := remote.DB.Get(ctx, "owner1", "/a.txt")
			So(err, ShouldBeNil)
			So(row, ShouldNotBeNil)
			So(row.MD5, ShouldEqual, helloMD5)
			So(remote.Apps.Len(), ShouldEqual, 0)
		})

		Convey("answers the participant protocol", func() {
			p := sdk.NewRemoteParticipant("remote-db", srv.URL, cfg.Tx.CoordinatorKey, time.Second)
			So(p.Kind(), ShouldEqual, txn.KindRemote)
			ids, err := p.Transactions(ctx)
			So(err, ShouldBeNil)
			So(len(ids), ShouldEqual, 0)

			bad := sdk.NewRemoteParticipant("remote-db", srv.URL, "guess", time.Second)
			_, err = bad.Transactions(ctx)
			So(errors.Is(err, core.ERR_INVALID_KEY), ShouldBeTrue)
		})

		Convey("is retriable while unreachable", func() {
			srv.Close()
			p := sdk.NewRemoteParticipant("remote-db", srv.URL, cfg.Tx.CoordinatorKey, time.Second)
			_, err := p.Transactions(ctx)
			So(errors.Is(err, core.ERR_UNREACHABLE), ShouldBeTrue)
			So(core.IsRetriable(err), ShouldBeTrue)
		})
	})
}

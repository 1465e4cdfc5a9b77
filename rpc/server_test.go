package rpc

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
	"github.com/orcastor/afs/rpc/middleware"
	"github.com/orcastor/afs/txn"
	"github.com/orcastor/afs/worker"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

type answer struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Retry bool            `json:"retry"`
	Data  json.RawMessage `json:"data"`
}

type testServer struct {
	app *App
	r   *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	app, err := NewApp(core.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	app.Server.Register(r)
	return &testServer{app: app, r: r}
}

func (s *testServer) post(path string, header http.Header, body interface{}, out interface{}) answer {
	b, err := json.Marshal(body)
	So(err, ShouldBeNil)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	So(w.Code, ShouldEqual, http.StatusOK)

	var a answer
	So(json.Unmarshal(w.Body.Bytes(), &a), ShouldBeNil)
	if out != nil && a.Code == 0 {
		So(json.Unmarshal(a.Data, out), ShouldBeNil)
	}
	return a
}

func (s *testServer) login(usr string) string {
	_, err := s.app.Auth.AddUser(context.Background(), usr, "pwd-"+usr, usr, worker.USER)
	So(err, ShouldBeNil)
	var out struct {
		Token string `json:"access_token"`
	}
	a := s.post("/api/login", nil, map[string]string{"u": usr, "p": "pwd-" + usr}, &out)
	So(a.Code, ShouldEqual, 0)
	So(out.Token, ShouldNotBeEmpty)
	return out.Token
}

func TestServer(t *testing.T) {
	Convey("HTTP server", t, func() {
		s := newTestServer(t)
		defer s.app.Close()
		cfg := s.app.Config

		Convey("login", func() {
			token := s.login("orca")

			Convey("rejects a wrong password", func() {
				a := s.post("/api/login", nil, map[string]string{"u": "orca", "p": "nope"}, nil)
				So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INCORRECT_PWD))
			})

			Convey("is required by the file operations", func() {
				a := s.post("/api/ops/list", nil, OpsRequest{Owner: "owner1", Path: "/"}, nil)
				So(a.Code, ShouldEqual, int(middleware.TokenExpiredCode))
				a = s.post("/api/ops/list", http.Header{"Authorization": {"garbage"}}, OpsRequest{Owner: "owner1", Path: "/"}, nil)
				So(a.Code, ShouldEqual, int(middleware.TokenExpiredCode))
			})

			Convey("ends with logout", func() {
				h := http.Header{"Authorization": {token}}
				var out struct {
					OK bool `json:"ok"`
				}
				So(s.post("/api/logout", h, struct{}{}, &out).Code, ShouldEqual, 0)
				So(out.OK, ShouldBeTrue)
				a := s.post("/api/ops/list", h, OpsRequest{Owner: "owner1", Path: "/"}, nil)
				So(a.Code, ShouldEqual, int(middleware.TokenExpiredCode))
			})
		})

		Convey("file operations", func() {
			h := http.Header{"Authorization": {s.login("orca")}}

			a := s.post("/api/ops/write", h, OpsRequest{Owner: "owner1", Path: "/a.txt", Data: []byte("hello"), MD5: helloMD5}, nil)
			So(a.Code, ShouldEqual, 0)

			var read struct {
				Data []byte `json:"d"`
			}
			So(s.post("/api/ops/read", h, OpsRequest{Owner: "owner1", Path: "/a.txt", Offset: 1}, &read).Code, ShouldEqual, 0)
			So(string(read.Data), ShouldEqual, "ello")

			var list struct {
				Entries []afs.FileEntry `json:"e"`
			}
			So(s.post("/api/ops/list", h, OpsRequest{Owner: "owner1", Path: "/"}, &list).Code, ShouldEqual, 0)
			So(len(list.Entries), ShouldEqual, 1)

			Convey("answer errors with their code", func() {
				a := s.post("/api/ops/write", h, OpsRequest{Owner: "owner1", Path: "/b.txt", Data: []byte("hello"), MD5: "00000000000000000000000000000000"}, nil)
				So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_CHECKSUM_MISMATCH))
				So(a.Retry, ShouldBeFalse)

				a = s.post("/api/ops/chmod", h, OpsRequest{Owner: "owner1", Path: "/a.txt"}, nil)
				So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_ARGS))

				a = s.post("/api/ops/begin", h, OpsRequest{}, nil)
				So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_KEY))
			})

			Convey("run in an interactive transaction", func() {
				ih := h.Clone()
				ih.Set(HeaderInteractiveKey, cfg.Tx.InteractiveSessionKey)
				var begun struct {
					TxID uuid.UUID `json:"tx"`
				}
				So(s.post("/api/ops/begin", ih, OpsRequest{}, &begun).Code, ShouldEqual, 0)
				So(begun.TxID, ShouldNotEqual, uuid.Nil)

				So(s.post("/api/ops/delete", ih, OpsRequest{Owner: "owner1", Path: "/a.txt"}, nil).Code, ShouldEqual, 0)
				So(s.app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)

				var committed struct {
					Outcome txn.Outcome `json:"outcome"`
				}
				So(s.post("/api/ops/commit", ih, OpsRequest{}, &committed).Code, ShouldEqual, 0)
				So(committed.Outcome, ShouldEqual, txn.OutcomeCommitted)
				So(s.app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
				So(s.app.Workers.InUse(), ShouldEqual, 0)
			})
		})

		Convey("coordinator endpoint", func() {
			token := s.login("orca")
			h := http.Header{"Authorization": {token}}
			key := cfg.Tx.InteractiveSessionKey

			var begun struct {
				TxID uuid.UUID `json:"tx"`
			}
			So(s.post("/api/coordinator", h, TxRequest{Method: "begin", Key: key}, &begun).Code, ShouldEqual, 0)
			tx := begun.TxID.String()

			op := txn.AFSOp(afs.NewWrite("owner1", "/a.txt", 0, []byte("hello"), helloMD5))
			a := s.post("/api/coordinator", h, TxRequest{Method: "execute", Key: key, TxID: tx, Participant: cfg.Tx.AFSParticipantID, Op: &op}, nil)
			So(a.Code, ShouldEqual, 0)
			dop := txn.DBOp(db.PutFile("owner1", "/a.txt", 5, helloMD5))
			a = s.post("/api/coordinator", h, TxRequest{Method: "execute", Key: key, TxID: tx, Participant: cfg.Tx.DBParticipantID, Op: &dop}, nil)
			So(a.Code, ShouldEqual, 0)

			var status struct {
				Live   bool       `json:"live"`
				Status txn.Status `json:"status"`
			}
			So(s.post("/api/coordinator", h, TxRequest{Method: "status", Key: key, TxID: tx}, &status).Code, ShouldEqual, 0)
			So(status.Live, ShouldBeTrue)
			So(status.Status, ShouldEqual, txn.StatusBegun)

			var committed struct {
				Outcome txn.Outcome `json:"outcome"`
			}
			So(s.post("/api/coordinator", h, TxRequest{Method: "commit", Key: key, TxID: tx}, &committed).Code, ShouldEqual, 0)
			So(committed.Outcome, ShouldEqual, txn.OutcomeCommitted)
			So(s.app.Files.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)
			row, err := s.app.DB.Get(context.Background(), "owner1", "/a.txt")
			So(err, ShouldBeNil)
			So(row.Size, ShouldEqual, 5)

			a = s.post("/api/coordinator", h, TxRequest{Method: "rollback", Key: key, TxID: tx}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_TX_DECIDED))

			a = s.post("/api/coordinator", h, TxRequest{Method: "begin", Key: "guess"}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_KEY))
			a = s.post("/api/coordinator", h, TxRequest{Method: "recover", Key: key}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_KEY))
			So(s.post("/api/coordinator", h, TxRequest{Method: "recover", Key: cfg.Tx.CoordinatorKey}, nil).Code, ShouldEqual, 0)
			a = s.post("/api/coordinator", h, TxRequest{Method: "prepare", Key: key, TxID: tx}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_ARGS))
		})

		Convey("participant endpoint", func() {
			pid := cfg.Tx.DBParticipantID
			key := cfg.Tx.CoordinatorKey
			tx := uuid.NewString()

			a := s.post("/api/participant", nil, TxRequest{Method: "begin", Key: "guess", TxID: tx, Participant: pid}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_KEY))
			a = s.post("/api/participant", nil, TxRequest{Method: "begin", Key: key, TxID: tx, Participant: "nobody"}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_NO_PARTICIPANT))

			So(s.post("/api/participant", nil, TxRequest{Method: "begin", Key: key, TxID: tx, Session: "remote", Participant: pid}, nil).Code, ShouldEqual, 0)
			op := txn.DBOp(db.PutFile("owner1", "/a.txt", 5, helloMD5))
			So(s.post("/api/participant", nil, TxRequest{Method: "execute", Key: key, TxID: tx, Session: "remote", Participant: pid, Op: &op}, nil).Code, ShouldEqual, 0)
			So(s.post("/api/participant", nil, TxRequest{Method: "prepare", Key: key, TxID: tx, Participant: pid}, nil).Code, ShouldEqual, 0)

			var pending struct {
				TxIDs []uuid.UUID `json:"txs"`
			}
			So(s.post("/api/participant", nil, TxRequest{Method: "transactions", Key: key, Participant: pid}, &pending).Code, ShouldEqual, 0)
			So(len(pending.TxIDs), ShouldEqual, 1)
			So(pending.TxIDs[0].String(), ShouldEqual, tx)

			var rec struct {
				Outcome txn.Outcome `json:"outcome"`
			}
			So(s.post("/api/participant", nil, TxRequest{Method: "recover", Key: key, TxID: tx, Participant: pid}, &rec).Code, ShouldEqual, 0)
			So(rec.Outcome, ShouldEqual, txn.OutcomePrepared)

			So(s.post("/api/participant", nil, TxRequest{Method: "commit", Key: key, TxID: tx, Participant: pid}, nil).Code, ShouldEqual, 0)
			row, err := s.app.DB.Get(context.Background(), "owner1", "/a.txt")
			So(err, ShouldBeNil)
			So(row, ShouldNotBeNil)

			a = s.post("/api/participant", nil, TxRequest{Method: "begin", Key: key, TxID: "not-a-uuid", Participant: pid}, nil)
			So(a.Code, ShouldEqual, core.ErrorCode(core.ERR_INVALID_ARGS))
		})
	})
}

func TestNewApp(t *testing.T) {
	Convey("NewApp refuses a config without a prepare timeout", t, func() {
		cfg := core.NewTestConfig(t.TempDir())
		cfg.Tx.PrepareTimeout = core.Duration{}
		app, err := NewApp(cfg)
		So(errors.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
		So(app, ShouldBeNil)
	})
}

package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orcastor/afs/afs"
	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/db"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func waitFor(cond func() bool) bool {
	for i := 0; i < 200; i++ {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestCoordinator(t *testing.T) {
	Convey("Coordinator", t, func() {
		ctx := context.Background()
		cfg := core.NewTestConfig(t.TempDir())
		pool := core.NewDBPool(cfg.DB)
		defer pool.Close()
		e := openEnv(t, cfg, pool)
		defer e.close()

		key := cfg.Tx.InteractiveSessionKey
		afsID, dbID := cfg.Tx.AFSParticipantID, cfg.Tx.DBParticipantID
		fa := &faulty{Participant: e.afsP}
		fd := &faulty{Participant: e.dbP}
		c, err := NewCoordinator(cfg, e.coLog, nil, fa, fd)
		So(err, ShouldBeNil)

		stage := func(session string) uuid.UUID {
			id, err := c.Begin(ctx, session, key)
			So(err, ShouldBeNil)
			res, err := c.Execute(ctx, id, session, key, afsID,
				AFSOp(afs.NewWrite("owner1", "/a.txt", 0, []byte("hello"), helloMD5)))
			So(err, ShouldBeNil)
			So(res.Staged, ShouldNotBeNil)
			_, err = c.Execute(ctx, id, session, key, dbID, DBOp(db.PutFile("owner1", "/a.txt", 5, helloMD5)))
			So(err, ShouldBeNil)
			return id
		}

		Convey("commits every participant", func() {
			id := stage("s1")
			o, err := c.Commit(ctx, id, "s1", key)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, OutcomeCommitted)

			b, err := e.afsRes.Read("owner1", "/a.txt", 0, -1)
			So(err, ShouldBeNil)
			So(string(b), ShouldEqual, "hello")
			f, err := e.dbRes.Get(ctx, "owner1", "/a.txt")
			So(err, ShouldBeNil)
			So(f.MD5, ShouldEqual, helloMD5)
			So(e.afsRes.Stack().Len(), ShouldEqual, 0)
			So(c.Len(), ShouldEqual, 0)

			// a late retry learns the outcome from the log
			o, err = c.Commit(ctx, id, "s1", key)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, OutcomeCommitted)
			So(errors.Is(c.Rollback(ctx, id, "s1", key), core.ERR_TX_DECIDED), ShouldBeTrue)

			// the session is free again
			_, err = c.Begin(ctx, "s1", key)
			So(err, ShouldBeNil)
		})

		Convey("a failed prepare rolls everything back", func() {
			fd.prepareErrs = []error{core.ERR_CHECKSUM_MISMATCH}
			id := stage("s1")
			o, err := c.Commit(ctx, id, "s1", key)
			So(o, ShouldEqual, OutcomeRolledBack)
			var pe *PrepareError
			So(errors.As(err, &pe), ShouldBeTrue)
			So(pe.Participant, ShouldEqual, dbID)
			So(errors.Is(err, core.ERR_CHECKSUM_MISMATCH), ShouldBeTrue)

			So(e.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
			f, _ := e.dbRes.Get(ctx, "owner1", "/a.txt")
			So(f, ShouldBeNil)
			So(e.afsRes.Stack().Len(), ShouldEqual, 0)
			So(e.afsP.Len()+e.dbP.Len()+c.Len(), ShouldEqual, 0)
		})

		Convey("retriable prepare failures are retried", func() {
			fd.prepareErrs = []error{core.Retriable(errors.New("flaky link"))}
			id := stage("s1")
			o, err := c.Commit(ctx, id, "s1", key)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, OutcomeCommitted)
			So(e.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)
		})

		Convey("rollback before prepare", func() {
			id := stage("s1")
			So(c.Rollback(ctx, id, "s1", key), ShouldBeNil)
			So(c.Rollback(ctx, id, "s1", key), ShouldBeNil)
			So(e.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
			So(e.afsRes.Stack().Len(), ShouldEqual, 0)
			o, err := c.Commit(ctx, id, "s1", key)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, OutcomeRolledBack)
		})

		Convey("guards requests", func() {
			_, err := c.Begin(ctx, "s1", "wrong")
			So(errors.Is(err, core.ERR_INVALID_KEY), ShouldBeTrue)

			id := stage("s1")
			_, err = c.Begin(ctx, "s1", key)
			So(errors.Is(err, core.ERR_SESSION_BUSY), ShouldBeTrue)
			_, err = c.Execute(ctx, id, "s2", key, afsID, AFSOp(afs.NewDelete("owner1", "/a.txt")))
			So(errors.Is(err, core.ERR_TX_ACCESS), ShouldBeTrue)
			_, err = c.Execute(ctx, id, "s1", key, "nobody", AFSOp(afs.NewDelete("owner1", "/a.txt")))
			So(errors.Is(err, core.ERR_NO_PARTICIPANT), ShouldBeTrue)
			_, err = c.Commit(ctx, uuid.New(), "s1", key)
			So(errors.Is(err, core.ERR_TX_UNKNOWN), ShouldBeTrue)

			vc, err := NewCoordinator(cfg, e.coLog, validatorFunc(func(s string) bool { return s == "good" }), e.afsP)
			So(err, ShouldBeNil)
			_, err = vc.Begin(ctx, "bad", key)
			So(errors.Is(err, core.ERR_NEED_LOGIN), ShouldBeTrue)

			_, err = NewCoordinator(cfg, e.coLog, nil, e.afsP, e.afsP)
			So(errors.Is(err, core.ERR_INVALID_ARGS), ShouldBeTrue)
			_, err = NewCoordinator(cfg, e.coLog, nil)
			So(errors.Is(err, core.ERR_NO_PARTICIPANT), ShouldBeTrue)
		})

		Convey("a stuck commit is finished by Run", func() {
			fa.commitErr = core.Retriable(core.ERR_UNREACHABLE)
			id := stage("s1")
			o, err := c.Commit(ctx, id, "s1", key)
			So(err, ShouldBeNil)
			So(o, ShouldEqual, OutcomeCommitted)
			s, ok := c.Status(id)
			So(ok, ShouldBeTrue)
			So(s, ShouldEqual, StatusCommitStarted)
			So(errors.Is(c.Rollback(ctx, id, "s1", key), core.ERR_TX_DECIDED), ShouldBeTrue)

			fa.mu.Lock()
			fa.commitErr = nil
			fa.mu.Unlock()
			rctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go c.Run(rctx)
			So(waitFor(func() bool { return c.Len() == 0 }), ShouldBeTrue)
			So(e.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeTrue)
		})

		Convey("recovered transactions without a session keep their own slots", func() {
			fa.commitErr = core.Retriable(core.ERR_UNREACHABLE)
			ids := []uuid.UUID{uuid.New(), uuid.New()}
			for _, id := range ids {
				So(e.coLog.LogStatus(ctx, Record{TxID: id, Status: StatusCommitStarted, TwoPhase: true, Timestamp: time.Now()}), ShouldBeNil)
			}
			So(c.Recover(ctx), ShouldBeNil)
			So(c.Len(), ShouldEqual, 2)
			c.mu.Lock()
			_, shared := c.bySess[""]
			c.mu.Unlock()
			So(shared, ShouldBeFalse)

			fa.mu.Lock()
			fa.commitErr = nil
			fa.mu.Unlock()
			So(c.Recover(ctx), ShouldBeNil)
			So(c.Len(), ShouldEqual, 0)
		})

		Convey("recovery after a crash", func() {
			restart := func() (*env, *Coordinator) {
				e.close()
				e2 := openEnv(t, cfg, pool)
				So(e2.afsP.RecoverFromLog(ctx), ShouldBeNil)
				So(e2.dbP.RecoverFromLog(ctx), ShouldBeNil)
				c2, err := NewCoordinator(cfg, e2.coLog, nil, e2.afsP, e2.dbP)
				So(err, ShouldBeNil)
				return e2, c2
			}

			Convey("commits a decided transaction", func() {
				fa.commitErr = core.Retriable(core.ERR_UNREACHABLE)
				fd.commitErr = core.Retriable(core.ERR_UNREACHABLE)
				id := stage("s1")
				o, err := c.Commit(ctx, id, "s1", key)
				So(err, ShouldBeNil)
				So(o, ShouldEqual, OutcomeCommitted)
				So(e.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)

				e2, c2 := restart()
				defer e2.close()
				s, ok := e2.afsP.Status(id)
				So(ok, ShouldBeTrue)
				So(s, ShouldEqual, StatusPrepared)

				So(c2.Recover(ctx), ShouldBeNil)
				So(c2.Recover(ctx), ShouldBeNil)
				b, err := e2.afsRes.Read("owner1", "/a.txt", 0, -1)
				So(err, ShouldBeNil)
				So(string(b), ShouldEqual, "hello")
				f, err := e2.dbRes.Get(ctx, "owner1", "/a.txt")
				So(err, ShouldBeNil)
				So(f, ShouldNotBeNil)
				So(e2.afsRes.Stack().Len(), ShouldEqual, 0)
				So(e2.afsP.Len()+e2.dbP.Len()+c2.Len(), ShouldEqual, 0)

				o, err = c2.Commit(ctx, id, "s1", key)
				So(err, ShouldBeNil)
				So(o, ShouldEqual, OutcomeCommitted)
			})

			Convey("rolls back an undecided transaction", func() {
				id := stage("s1")

				e2, c2 := restart()
				defer e2.close()
				So(e2.afsP.Len(), ShouldEqual, 1)

				So(c2.Recover(ctx), ShouldBeNil)
				So(e2.afsRes.Executor().Exists("owner1", "/a.txt"), ShouldBeFalse)
				f, _ := e2.dbRes.Get(ctx, "owner1", "/a.txt")
				So(f, ShouldBeNil)
				So(e2.afsRes.Stack().Len(), ShouldEqual, 0)
				So(e2.afsP.Len()+e2.dbP.Len()+c2.Len(), ShouldEqual, 0)

				o, err := c2.Commit(ctx, id, "s1", key)
				So(err, ShouldBeNil)
				So(o, ShouldEqual, OutcomeRolledBack)
			})
		})
	})
}

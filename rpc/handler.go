package rpc

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/rpc/middleware"
	"github.com/orcastor/afs/rpc/util"
	"github.com/orcastor/afs/txn"
	"github.com/orcastor/afs/worker"
)

func (s *Server) login(ctx *gin.Context) {
	var req struct {
		UserName string `json:"u"`
		Password string `json:"p"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AbortError(ctx, fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS))
		return
	}
	token, u, err := s.auth.Login(ctx.Request.Context(), req.UserName, req.Password)
	if err != nil {
		util.AbortError(ctx, err)
		return
	}
	util.Response(ctx, gin.H{
		"u":            u,
		"access_token": token,
	})
}

func (s *Server) logout(ctx *gin.Context) {
	util.Response(ctx, gin.H{
		"ok": s.auth.Logout(middleware.GetSession(ctx)),
	})
}

// OpsRequest is the body of /api/ops/:method, fields unused by a method are ignored.
type OpsRequest struct {
	TxID        string  `json:"tx,omitempty"`
	Owner       string  `json:"o,omitempty"`
	Path        string  `json:"p,omitempty"`
	TargetOwner string  `json:"to,omitempty"`
	TargetPath  string  `json:"tp,omitempty"`
	Offset      int64   `json:"off,omitempty"`
	Limit       int64   `json:"l,omitempty"`
	Recursive   bool    `json:"r,omitempty"`
	Data        []byte  `json:"d,omitempty"`
	MD5         string  `json:"md5,omitempty"`
	Participant string  `json:"pid,omitempty"`
	Op          *txn.Op `json:"op,omitempty"`
}

func parseTxID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tx id %q: %w", s, core.ERR_INVALID_ARGS)
	}
	return id, nil
}

func (s *Server) ops(ctx *gin.Context) {
	method := ctx.Param("method")
	switch method {
	case "list", "read", "write", "delete", "copy", "move", "begin", "commit", "rollback", "execute":
	default:
		util.AbortError(ctx, fmt.Errorf("unknown method %q: %w", method, core.ERR_INVALID_ARGS))
		return
	}
	var req OpsRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AbortError(ctx, fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS))
		return
	}

	c := ctx.Request.Context()
	data := gin.H{}
	err := s.workers.Do(c, worker.Request{
		Method:         method,
		Session:        middleware.GetSession(ctx),
		CoordinatorKey: ctx.GetHeader(HeaderCoordinatorKey),
		InteractiveKey: ctx.GetHeader(HeaderInteractiveKey),
	}, func(w *worker.Worker) error {
		switch method {
		case "list":
			es, err := w.List(c, req.Owner, req.Path, req.Recursive)
			data["e"] = es
			return err
		case "read":
			limit := req.Limit
			if limit == 0 {
				limit = -1
			}
			b, err := w.Read(c, req.Owner, req.Path, req.Offset, limit)
			data["d"] = b
			return err
		case "write":
			return w.Write(c, req.Owner, req.Path, req.Offset, req.Data, req.MD5)
		case "delete":
			return w.Delete(c, req.Owner, req.Path)
		case "copy":
			return w.Copy(c, req.Owner, req.Path, req.TargetOwner, req.TargetPath)
		case "move":
			return w.Move(c, req.Owner, req.Path, req.TargetOwner, req.TargetPath)
		case "begin":
			id, err := parseTxID(req.TxID)
			if err != nil {
				return err
			}
			data["tx"] = id
			return w.Begin(c, id)
		case "commit":
			o, err := w.Commit(c)
			data["outcome"] = o
			return err
		case "rollback":
			return w.Rollback(c)
		case "execute":
			if req.Op == nil {
				return fmt.Errorf("execute needs an op: %w", core.ERR_INVALID_ARGS)
			}
			res, err := w.Execute(c, req.Participant, *req.Op)
			data["result"] = res
			return err
		}
		return nil
	})
	if err != nil {
		util.AbortError(ctx, err)
		return
	}
	util.Response(ctx, data)
}

// TxRequest is the body of /api/coordinator and /api/participant.
type TxRequest struct {
	Method      string  `json:"method"`
	Key         string  `json:"key"`
	TxID        string  `json:"tx,omitempty"`
	Session     string  `json:"session,omitempty"`
	Participant string  `json:"pid,omitempty"`
	Op          *txn.Op `json:"op,omitempty"`
}

func (r TxRequest) txID() (uuid.UUID, error) {
	id, err := uuid.Parse(r.TxID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tx id %q: %w", r.TxID, core.ERR_INVALID_ARGS)
	}
	return id, nil
}

// coordinate drives the coordinator for the calling session, the key is the interactive
// session key.
func (s *Server) coordinate(ctx *gin.Context) {
	var req TxRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AbortError(ctx, fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS))
		return
	}
	c := ctx.Request.Context()
	session := middleware.GetSession(ctx)
	co := s.coordinator

	var id uuid.UUID
	var err error
	switch req.Method {
	case "begin":
		id, err = parseTxID(req.TxID)
	case "execute", "commit", "rollback", "status":
		id, err = req.txID()
	case "recover":
	default:
		err = fmt.Errorf("unknown method %q: %w", req.Method, core.ERR_INVALID_ARGS)
	}
	if err != nil {
		util.AbortError(ctx, err)
		return
	}

	data := gin.H{}
	switch req.Method {
	case "begin":
		err = co.BeginWithID(c, id, session, req.Key)
		data["tx"] = id
	case "execute":
		if req.Op == nil {
			err = fmt.Errorf("execute needs an op: %w", core.ERR_INVALID_ARGS)
			break
		}
		var res txn.Result
		res, err = co.Execute(c, id, session, req.Key, req.Participant, *req.Op)
		data["result"] = res
	case "commit":
		var o txn.Outcome
		o, err = co.Commit(c, id, session, req.Key)
		data["outcome"] = o
	case "rollback":
		err = co.Rollback(c, id, session, req.Key)
	case "status":
		st, ok := co.Status(id)
		data["live"] = ok
		if ok {
			data["status"] = st
		}
	case "recover":
		if req.Key != s.cfg.Tx.CoordinatorKey {
			err = core.ERR_INVALID_KEY
			break
		}
		err = co.Recover(c)
	}
	if err != nil {
		util.AbortError(ctx, err)
		return
	}
	util.Response(ctx, data)
}

// participate serves the participant protocol to a coordinator holding the coordinator key.
func (s *Server) participate(ctx *gin.Context) {
	var req TxRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AbortError(ctx, fmt.Errorf("%v: %w", err, core.ERR_INVALID_ARGS))
		return
	}
	if req.Key != s.cfg.Tx.CoordinatorKey {
		util.AbortError(ctx, core.ERR_INVALID_KEY)
		return
	}
	p, ok := s.participants[req.Participant]
	if !ok {
		util.AbortError(ctx, fmt.Errorf("%s: %w", req.Participant, core.ERR_NO_PARTICIPANT))
		return
	}
	c := ctx.Request.Context()

	var id uuid.UUID
	var err error
	switch req.Method {
	case "begin", "execute", "prepare", "commit", "rollback", "recover":
		id, err = req.txID()
	case "transactions":
	default:
		err = fmt.Errorf("unknown method %q: %w", req.Method, core.ERR_INVALID_ARGS)
	}
	if err != nil {
		util.AbortError(ctx, err)
		return
	}

	data := gin.H{}
	switch req.Method {
	case "begin":
		err = p.Begin(c, id, req.Session)
	case "execute":
		if req.Op == nil {
			err = fmt.Errorf("execute needs an op: %w", core.ERR_INVALID_ARGS)
			break
		}
		var res txn.Result
		res, err = p.Execute(c, id, req.Session, *req.Op)
		data["result"] = res
	case "prepare":
		err = p.Prepare(c, id)
	case "commit":
		err = p.Commit(c, id)
	case "rollback":
		err = p.Rollback(c, id)
	case "recover":
		var o txn.Outcome
		o, err = p.Recover(c, id)
		data["outcome"] = o
	case "transactions":
		var ids []uuid.UUID
		ids, err = p.Transactions(c)
		data["txs"] = ids
	}
	if err != nil {
		util.AbortError(ctx, err)
		return
	}
	util.Response(ctx, data)
}

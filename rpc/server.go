package rpc

import (
	"github.com/gin-gonic/gin"

	"github.com/orcastor/afs/core"
	"github.com/orcastor/afs/rpc/middleware"
	"github.com/orcastor/afs/txn"
	"github.com/orcastor/afs/worker"
)

const (
	HeaderInteractiveKey = "X-Interactive-Session-Key"
	HeaderCoordinatorKey = "X-Transaction-Manager-Key"
)

// Server exposes the session, file and transaction APIs over HTTP.
type Server struct {
	cfg          *core.Config
	auth         *worker.Authenticator
	workers      *worker.Pool
	coordinator  *txn.Coordinator
	participants map[string]txn.Participant
}

// NewServer serves participants to remote coordinators, usually the local ones.
func NewServer(cfg *core.Config, auth *worker.Authenticator, workers *worker.Pool, co *txn.Coordinator, participants ...txn.Participant) *Server {
	s := &Server{
		cfg:          cfg,
		auth:         auth,
		workers:      workers,
		coordinator:  co,
		participants: map[string]txn.Participant{},
	}
	for _, p := range participants {
		s.participants[p.ID()] = p
	}
	return s
}

// Register mounts the routes on r, an egin component in production.
func (s *Server) Register(r gin.IRouter) {
	r.Use(middleware.Metrics())
	r.Use(middleware.JWT(s.auth))

	api := r.Group("/api")
	api.POST("/login", s.login)
	api.POST("/logout", s.logout)
	api.POST("/ops/:method", s.ops)
	api.POST("/coordinator", s.coordinate)
	api.POST("/participant", s.participate)
}

package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/orca-zhang/idgen"

	"github.com/orcastor/afs/core"
)

// Conn is the server side of a client connection. Workers refer to it by handle only.
type Conn struct {
	ID       int64
	Session  string
	OpenedAt time.Time
}

type slot struct {
	conn  Conn
	inUse bool
}

// ConnPool is a fixed arena of connections addressed by integer handles.
type ConnPool struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	ig    *idgen.IDGen
}

func NewConnPool(size int) *ConnPool {
	p := &ConnPool{slots: make([]slot, size), free: make([]int, 0, size), ig: idgen.NewIDGen(nil, 0)}
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// CheckOut opens a connection for session and returns its handle.
func (p *ConnPool) CheckOut(session string) (int, error) {
	id, err := p.ig.New()
	if err != nil {
		return -1, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1, fmt.Errorf("%d connections in use: %w", len(p.slots), core.ERR_NO_WORKER)
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.slots[h] = slot{conn: Conn{ID: id, Session: session, OpenedAt: time.Now()}, inUse: true}
	return h, nil
}

// CheckIn returns h to the arena. Unknown or returned handles are ignored.
func (p *ConnPool) CheckIn(h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || h >= len(p.slots) || !p.slots[h].inUse {
		return
	}
	p.slots[h] = slot{}
	p.free = append(p.free, h)
}

func (p *ConnPool) Get(h int) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || h >= len(p.slots) || !p.slots[h].inUse {
		return Conn{}, false
	}
	return p.slots[h].conn, true
}

// InUse is the number of checked out connections.
func (p *ConnPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Package lock serializes conflicting access to owner file paths.
//
// Locks are re-entrant per owner, shared locks are compatible with each other and
// an exclusive lock excludes everyone else. Intent modes are taken on the ancestors of a
// path so that a lock on a directory conflicts with locks below it. Waiters are woken
// in arrival order per key.
package lock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/orcastor/afs/core"
)

type Mode uint8

const (
	Shared Mode = iota
	Exclusive
	IntentShared
	IntentExclusive

	numModes = 4
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case IntentShared:
		return "intent-shared"
	case IntentExclusive:
		return "intent-exclusive"
	}
	return "shared"
}

// compat[a][b] tells whether a may be granted while another owner holds b.
var compat = [numModes][numModes]bool{
	Shared:          {Shared: true, IntentShared: true},
	Exclusive:       {},
	IntentShared:    {Shared: true, IntentShared: true, IntentExclusive: true},
	IntentExclusive: {IntentShared: true, IntentExclusive: true},
}

// Compatible reports whether a and b may be held on one key by different owners.
func Compatible(a, b Mode) bool {
	return compat[a][b]
}

// strength orders modes for snapshots, the strongest held mode is reported.
var strength = [numModes]int{IntentShared: 0, IntentExclusive: 1, Shared: 2, Exclusive: 3}

// Combine is the weakest mode covering both a and b.
func Combine(a, b Mode) Mode {
	switch {
	case a == b:
		return a
	case a == Exclusive || b == Exclusive:
		return Exclusive
	case a == IntentShared:
		return b
	case b == IntentShared:
		return a
	}
	// shared with intent-exclusive
	return Exclusive
}

// Lock is a request for a key on behalf of an owner (a transaction or session token).
type Lock struct {
	Owner string `json:"owner"`
	Key   string `json:"key"`
	Mode  Mode   `json:"mode"`
}

// Key normalizes a file path into a lock key: "owner:/clean/path".
func Key(owner, p string) string {
	return owner + ":" + path.Clean("/"+p)
}

// Ancestors returns the keys of the directories above p, outermost first.
// The owner root is left out.
func Ancestors(owner, p string) []string {
	p = path.Clean("/" + p)
	var keys []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		keys = append(keys, Key(owner, dir))
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// holder counts the grants of one owner on a key per mode.
type holder struct {
	counts [numModes]int
}

func (h *holder) mode() Mode {
	best := Mode(0)
	found := false
	for m, n := range h.counts {
		if n > 0 && (!found || strength[m] > strength[best]) {
			best, found = Mode(m), true
		}
	}
	return best
}

func (h *holder) count() int {
	n := 0
	for _, c := range h.counts {
		n += c
	}
	return n
}

type waiter struct {
	owner string
	key   string
	mode  Mode
	ch    chan struct{}
	// set by wake under m.mu before ch is closed
	granted *Handle
}

type entry struct {
	holders map[string]*holder
	waiters []*waiter
}

// Handle is one granted acquisition; release it exactly once, extra releases are ignored.
type Handle struct {
	m        *Manager
	owner    string
	key      string
	mode     Mode
	released bool
}

func (h *Handle) Owner() string { return h.owner }
func (h *Handle) Key() string   { return h.key }
func (h *Handle) Mode() Mode    { return h.mode }

func (h *Handle) Release() {
	h.m.Release(h)
}

type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	owners  map[string]map[*Handle]struct{}
}

func NewManager() *Manager {
	return &Manager{
		entries: map[string]*entry{},
		owners:  map[string]map[*Handle]struct{}{},
	}
}

// compatible must be called under m.mu
func (e *entry) compatible(owner string, mode Mode) bool {
	for o, h := range e.holders {
		if o == owner {
			continue
		}
		for held, n := range h.counts {
			if n > 0 && !compat[mode][held] {
				return false
			}
		}
	}
	return true
}

// grant must be called under m.mu
func (m *Manager) grant(e *entry, owner, key string, mode Mode) *Handle {
	h := e.holders[owner]
	if h == nil {
		h = &holder{}
		e.holders[owner] = h
	}
	h.counts[mode]++

	hd := &Handle{m: m, owner: owner, key: key, mode: mode}
	hs := m.owners[owner]
	if hs == nil {
		hs = map[*Handle]struct{}{}
		m.owners[owner] = hs
	}
	hs[hd] = struct{}{}
	return hd
}

// wake grants queued waiters in order until the first one that still conflicts.
// must be called under m.mu
func (m *Manager) wake(e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !e.compatible(w.owner, w.mode) {
			return
		}
		e.waiters = e.waiters[1:]
		// the grant is recorded before the next waiter is checked
		w.granted = m.grant(e, w.owner, w.key, w.mode)
		close(w.ch)
	}
}

// Acquire blocks until the lock is granted, timeout elapses or ctx is done.
// A timeout <= 0 waits on ctx alone.
func (m *Manager) Acquire(ctx context.Context, owner, key string, mode Mode, timeout time.Duration) (*Handle, error) {
	if mode >= numModes {
		return nil, fmt.Errorf("lock mode %d: %w", mode, core.ERR_INVALID_ARGS)
	}
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		e = &entry{holders: map[string]*holder{}}
		m.entries[key] = e
	}

	_, reentrant := e.holders[owner]
	// re-entrant requests jump the queue, otherwise an owner could wait on itself
	if (reentrant || len(e.waiters) == 0) && e.compatible(owner, mode) {
		h := m.grant(e, owner, key, mode)
		m.mu.Unlock()
		return h, nil
	}

	w := &waiter{owner: owner, key: key, mode: mode, ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var cause error
	select {
	case <-w.ch:
	case <-expired:
		cause = fmt.Errorf("waited %v for %s lock on %s: %w", timeout, mode, key, core.ERR_LOCK_TIMEOUT)
	case <-ctx.Done():
		cause = fmt.Errorf("%v while waiting for %s lock on %s: %w", ctx.Err(), mode, key, core.ERR_LOCK_TIMEOUT)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted != nil {
		// woken concurrently with the timeout, keep the grant
		return w.granted, nil
	}
	for i, x := range e.waiters {
		if x == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	// leaving the queue may unblock whoever was behind us
	m.wake(e)
	m.gc(key, e)
	return nil, cause
}

// AcquireAll takes every lock in ascending key order and merges duplicate keys of the
// same owner with Combine. On failure the locks taken so far are released.
func (m *Manager) AcquireAll(ctx context.Context, locks []Lock, timeout time.Duration) ([]*Handle, error) {
	merged := Merge(locks)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	handles := make([]*Handle, 0, len(merged))
	for _, l := range merged {
		wait := timeout
		if timeout > 0 {
			if wait = time.Until(deadline); wait <= 0 {
				wait = time.Nanosecond
			}
		}
		h, err := m.Acquire(ctx, l.Owner, l.Key, l.Mode, wait)
		if err != nil {
			for _, x := range handles {
				m.Release(x)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Merge sorts locks by key and folds duplicates of the same owner into one request.
func Merge(locks []Lock) []Lock {
	idx := map[[2]string]int{}
	merged := make([]Lock, 0, len(locks))
	for _, l := range locks {
		k := [2]string{l.Owner, l.Key}
		if i, ok := idx[k]; ok {
			merged[i].Mode = Combine(merged[i].Mode, l.Mode)
			continue
		}
		idx[k] = len(merged)
		merged = append(merged, l)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Key != merged[j].Key {
			return merged[i].Key < merged[j].Key
		}
		return merged[i].Owner < merged[j].Owner
	})
	return merged
}

func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(h)
}

// must be called under m.mu
func (m *Manager) release(h *Handle) {
	if h.released {
		return
	}
	h.released = true

	if hs := m.owners[h.owner]; hs != nil {
		delete(hs, h)
		if len(hs) == 0 {
			delete(m.owners, h.owner)
		}
	}

	e := m.entries[h.key]
	if e == nil {
		return
	}
	if hd := e.holders[h.owner]; hd != nil {
		hd.counts[h.mode]--
		if hd.count() <= 0 {
			delete(e.holders, h.owner)
		}
	}
	m.wake(e)
	m.gc(h.key, e)
}

// must be called under m.mu
func (m *Manager) gc(key string, e *entry) {
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		delete(m.entries, key)
	}
}

// ReleaseOwner drops every lock held by owner and returns how many handles it released.
func (m *Manager) ReleaseOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.owners[owner]
	n := 0
	for h := range hs {
		m.release(h)
		n++
	}
	return n
}

// Holder is a snapshot of one owner's grant on a key.
type Holder struct {
	Owner string
	Mode  Mode
	Count int
}

func (m *Manager) Holders(key string) []Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		return nil
	}
	res := make([]Holder, 0, len(e.holders))
	for o, h := range e.holders {
		res = append(res, Holder{Owner: o, Mode: h.mode(), Count: h.count()})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Owner < res[j].Owner })
	return res
}

// Waiting returns the number of queued requests on key.
func (m *Manager) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[key]; e != nil {
		return len(e.waiters)
	}
	return 0
}

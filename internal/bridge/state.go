package bridge

import (
	"errors"
	"sort"
	"sync"

	"relay-bridge/internal/relay"
)

var (
	// ErrNotConnected means a bridge needed the third-party session before
	// its supervisor had (re)established one.
	ErrNotConnected = errors.New("relay session not connected")

	// ErrBroadcastNotFound means the source stream was not available on the
	// third-party origin, either outright or after an announce round-trip.
	ErrBroadcastNotFound = errors.New("broadcast not found")
)

// ActiveBridges tracks which stream ids currently have a bridge running.
// A stream id is present exactly while its bridge goroutine is alive.
type ActiveBridges struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewActiveBridges() *ActiveBridges {
	return &ActiveBridges{ids: make(map[string]struct{})}
}

// TryReserve atomically checks and inserts the id. It returns false when the
// id is already reserved, so two overlapping polls can never start two
// bridges for the same stream.
func (a *ActiveBridges) TryReserve(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; ok {
		return false
	}
	a.ids[id] = struct{}{}
	return true
}

func (a *ActiveBridges) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, id)
}

func (a *ActiveBridges) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

func (a *ActiveBridges) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

// Snapshot returns the reserved ids, sorted.
func (a *ActiveBridges) Snapshot() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.ids))
	for id := range a.ids {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// SessionRef holds the currently-live third-party session, if any. The
// supervisor sets it on connect and clears it on disconnect; bridge tasks
// read it per use and never cache the handle. Cleared exposes a signal that
// fires once when the current session goes away, so waiters do not have to
// poll the reference.
type SessionRef struct {
	mu      sync.RWMutex
	session relay.Session
	cleared chan struct{}
}

func NewSessionRef() *SessionRef {
	cleared := make(chan struct{})
	close(cleared)
	return &SessionRef{cleared: cleared}
}

func (r *SessionRef) Set(s relay.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = s
	r.cleared = make(chan struct{})
}

func (r *SessionRef) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	r.session = nil
	close(r.cleared)
}

func (r *SessionRef) Get() (relay.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session, r.session != nil
}

// Cleared resolves when the session current at call time is gone. With no
// session it resolves immediately.
func (r *SessionRef) Cleared() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cleared
}

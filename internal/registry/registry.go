package registry

import (
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
)

// entry tracks one trusted client: its most recent heartbeat and the send
// handle of the connection that delivered it.
type entry struct {
	lastHeartbeat time.Time
	peer          *Peer
}

// Registry is the trusted-client map keyed by peer "ip:port". All mutation and
// iteration happens under one mutex; nothing does I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// Refresh registers or refreshes the trusted client for addr, pointing it at
// the current connection's peer. Last writer wins, which repairs entries after
// a reconnect lands on a new connection. Reports whether the entry was created.
func (r *Registry) Refresh(addr string, p *Peer) bool {
	r.mu.Lock()
	e, ok := r.entries[addr]
	if !ok {
		e = &entry{}
		r.entries[addr] = e
	}
	e.lastHeartbeat = r.now()
	e.peer = p
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetTrustedClients(n)
	if !ok {
		logging.L().Info("trusted_client_added", "addr", addr, "clients", n)
	}
	return !ok
}

// Sweep removes every entry whose heartbeat is strictly older than timeout and
// returns the evicted addresses. It never touches peer writers; a dead
// connection is the reader's problem, a live one keeps working until the next
// heartbeat re-registers it.
func (r *Registry) Sweep(timeout time.Duration) []string {
	r.mu.Lock()
	now := r.now()
	var evicted []string
	for addr, e := range r.entries {
		if now.Sub(e.lastHeartbeat) > timeout {
			evicted = append(evicted, addr)
			delete(r.entries, addr)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetTrustedClients(n)
	for _, addr := range evicted {
		metrics.EvictedClients.Inc()
		logging.L().Warn("trusted_client_timeout", "addr", addr)
	}
	return evicted
}

// Snapshot returns the peers of all current entries, skipping those whose
// writer is closing. Safe to iterate without the registry lock.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.entries))
	for _, e := range r.entries {
		if e.peer != nil && !e.peer.Closing() {
			peers = append(peers, e.peer)
		}
	}
	r.mu.Unlock()
	return peers
}

// Contains reports whether addr currently has a trusted-client entry.
func (r *Registry) Contains(addr string) bool {
	r.mu.Lock()
	_, ok := r.entries[addr]
	r.mu.Unlock()
	return ok
}

// Count returns the number of trusted clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}

// LastHeartbeat returns the recorded heartbeat instant for addr.
func (r *Registry) LastHeartbeat(addr string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[addr]
	if !ok {
		return time.Time{}, false
	}
	return e.lastHeartbeat, true
}

// SetClock overrides the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Package registry is the single source of truth for "is this identity
// currently reachable". It maps an identity to its one active live
// connection; registering again replaces the previous connection
// (last-registered wins).
package registry

import (
	"hash/fnv"
	"sync"

	"cipherchat/internal/model"
)

// Conn is the write side of a live connection. The server wraps a websocket
// behind this so every other component can push events without knowing the
// transport.
type Conn interface {
	WriteEvent(ev *model.Event) error
	Close() error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Registry is a sharded identity → connection map. Each identity's entry is
// only ever touched by operations concerning that identity, so per-shard
// locking is all the coordination required.
type Registry struct {
	shards [shardCount]*shard

	hookMu       sync.RWMutex
	onDeregister []func(identity string)
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return r.shards[h.Sum32()%shardCount]
}

// OnDeregister installs a hook invoked after an identity's mapping is
// removed. The signaling coordinator uses this to purge pending calls
// authored by a vanished caller.
func (r *Registry) OnDeregister(fn func(identity string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDeregister = append(r.onDeregister, fn)
}

// Register installs conn as the identity's live connection and returns the
// replaced connection, if any.
func (r *Registry) Register(identity string, conn Conn) (Conn, bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	prev, had := s.conns[identity]
	s.conns[identity] = conn
	s.mu.Unlock()
	return prev, had
}

// Deregister removes the mapping only if it still points at conn; a
// connection that was already replaced must not evict its successor.
func (r *Registry) Deregister(identity string, conn Conn) bool {
	s := r.shardFor(identity)
	s.mu.Lock()
	current, ok := s.conns[identity]
	if !ok || current != conn {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, identity)
	s.mu.Unlock()

	r.hookMu.RLock()
	hooks := r.onDeregister
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(identity)
	}
	return true
}

// Lookup returns the identity's live connection.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	s := r.shardFor(identity)
	s.mu.RLock()
	conn, ok := s.conns[identity]
	s.mu.RUnlock()
	return conn, ok
}

// Reachable reports presence without exposing the connection.
func (r *Registry) Reachable(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// Push delivers an event to the identity's connection if one is present.
// Returns false when the identity is unreachable or the write failed.
func (r *Registry) Push(identity string, ev *model.Event) bool {
	conn, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	return conn.WriteEvent(ev) == nil
}

// Size counts registered identities across all shards.
func (r *Registry) Size() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

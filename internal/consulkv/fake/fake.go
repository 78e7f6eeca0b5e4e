// Package fake provides an in-memory simulation of consulkv.Gateway's
// surface for tests that would otherwise need a live Consul agent.
//
// Grounded on other_examples/.../Orangeca-tritontube__internal-metadata-
// etcdsim-etcdsim.go, a hand-rolled in-process simulator of a client's
// minimal surface built the same way: a mutex-guarded map, a monotonic
// index, and channel-based wakeups for blocking watchers.
package fake

import (
	"context"
	"sync"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
)

type kvEntry struct {
	value   []byte
	session string
	index   uint64
}

type sessionState struct {
	id     string
	name   string
	checks []string
	valid  bool
}

type checkState struct {
	id        string
	serviceID string
	critical  bool
}

type serviceState struct {
	id   string
	name string
	tags []string
}

// Gateway is the in-memory fake. Zero value is not usable; use New.
type Gateway struct {
	mu sync.Mutex

	kv       map[string]kvEntry
	sessions map[string]*sessionState
	checks   map[string]*checkState
	services map[string]*serviceState

	generation int
	changed    chan struct{} // closed and replaced on every mutation

	nextSessionID int
}

// New returns an empty fake Gateway.
func New() *Gateway {
	return &Gateway{
		kv:       make(map[string]kvEntry),
		sessions: make(map[string]*sessionState),
		checks:   make(map[string]*checkState),
		services: make(map[string]*serviceState),
		changed:  make(chan struct{}),
	}
}

func (g *Gateway) notifyLocked() uint64 {
	g.generation++
	close(g.changed)
	g.changed = make(chan struct{})
	return uint64(g.generation)
}

// Get implements the consulkv.Gateway surface.
func (g *Gateway) Get(_ context.Context, key string) ([]byte, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.kv[key]
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// GetIndexed implements the consulkv.Gateway surface.
func (g *Gateway) GetIndexed(_ context.Context, key string) ([]byte, uint64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.kv[key]
	if !ok {
		return nil, 0, false, nil
	}
	return e.value, e.index, true, nil
}

// List implements the consulkv.Gateway surface.
func (g *Gateway) List(_ context.Context, prefix string) (map[string][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(prefix), nil
}

func (g *Gateway) snapshotLocked(prefix string) map[string][]byte {
	out := make(map[string][]byte)
	for k, e := range g.kv {
		if hasPrefix(k, prefix) {
			out[k] = e.value
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Put implements the consulkv.Gateway surface.
func (g *Gateway) Put(_ context.Context, key string, value []byte, opts consulkv.PutOptions) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if opts.AcquireSession != "" {
		sess, ok := g.sessions[opts.AcquireSession]
		if !ok || !sess.valid {
			return false, clustererr.Contentionf("kv.put.acquire", nil)
		}
		if existing, ok := g.kv[key]; ok && existing.session != "" && existing.session != opts.AcquireSession {
			return false, nil // held by another session
		}
		idx := g.notifyLocked()
		g.kv[key] = kvEntry{value: value, session: opts.AcquireSession, index: idx}
		return true, nil
	}

	if opts.CASIndex != nil {
		existing, exists := g.kv[key]
		var currentIndex uint64
		if exists {
			currentIndex = existing.index
		}
		if *opts.CASIndex != currentIndex {
			return false, nil
		}
		idx := g.notifyLocked()
		g.kv[key] = kvEntry{value: value, index: idx}
		return true, nil
	}

	idx := g.notifyLocked()
	g.kv[key] = kvEntry{value: value, index: idx}
	return true, nil
}

// Delete implements the consulkv.Gateway surface.
func (g *Gateway) Delete(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.kv[key]; ok {
		delete(g.kv, key)
		g.notifyLocked()
	}
	return nil
}

// DeletePrefix implements the consulkv.Gateway surface.
func (g *Gateway) DeletePrefix(_ context.Context, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := false
	for k := range g.kv {
		if hasPrefix(k, prefix) {
			delete(g.kv, k)
			changed = true
		}
	}
	if changed {
		g.notifyLocked()
	}
	return nil
}

// WatchPrefix implements the consulkv.Gateway surface, blocking until ctx
// is cancelled.
func (g *Gateway) WatchPrefix(ctx context.Context, prefix string, handler consulkv.PrefixHandler) error {
	g.mu.Lock()
	prev := g.snapshotLocked(prefix)
	ch := g.changed
	g.mu.Unlock()

	handler(nil, prev)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		}

		g.mu.Lock()
		next := g.snapshotLocked(prefix)
		ch = g.changed
		g.mu.Unlock()

		if !snapshotEqual(prev, next) {
			handler(prev, next)
			prev = next
		}
	}
}

func snapshotEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || string(v) != string(bv) {
			return false
		}
	}
	return true
}

// CreateSession implements the consulkv.Gateway surface.
func (g *Gateway) CreateSession(_ context.Context, opts consulkv.SessionOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSessionID++
	id := sessionIDFor(g.nextSessionID)
	g.sessions[id] = &sessionState{id: id, name: opts.Name, checks: opts.Checks, valid: true}
	return id, nil
}

func sessionIDFor(n int) string {
	const alphabet = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = alphabet[(n+i*7)%16]
	}
	return "sess-" + string(buf)
}

// DestroySession implements the consulkv.Gateway surface: unconditional,
// idempotent, and deletes every key acquired under id (DELETE behavior,
// invariant I1).
func (g *Gateway) DestroySession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invalidateSessionLocked(id)
	return nil
}

func (g *Gateway) invalidateSessionLocked(id string) {
	if sess, ok := g.sessions[id]; ok {
		sess.valid = false
		delete(g.sessions, id)
	}
	changed := false
	for k, e := range g.kv {
		if e.session == id {
			delete(g.kv, k)
			changed = true
		}
	}
	if changed {
		g.notifyLocked()
	}
}

// RegisterService implements the consulkv.Gateway surface.
func (g *Gateway) RegisterService(_ context.Context, reg consulkv.ServiceRegistration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services[reg.ID] = &serviceState{id: reg.ID, name: reg.Name, tags: append([]string(nil), reg.Tags...)}
	g.notifyLocked()
	return nil
}

// DeregisterService implements the consulkv.Gateway surface.
func (g *Gateway) DeregisterService(_ context.Context, serviceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.services[serviceID]; ok {
		delete(g.services, serviceID)
		g.notifyLocked()
	}
	return nil
}

// RegisterCheck implements the consulkv.Gateway surface.
func (g *Gateway) RegisterCheck(_ context.Context, reg consulkv.CheckRegistration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[reg.CheckID] = &checkState{id: reg.CheckID, serviceID: reg.ServiceID}
	return nil
}

// DeregisterCheck implements the consulkv.Gateway surface.
func (g *Gateway) DeregisterCheck(_ context.Context, checkID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checks, checkID)
	return nil
}

// ListTaggedServices implements the consulkv.Gateway surface.
func (g *Gateway) ListTaggedServices(_ context.Context, tag string) (map[string]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taggedLocked(tag), nil
}

func (g *Gateway) taggedLocked(tag string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, svc := range g.services {
		for _, t := range svc.tags {
			if t == tag {
				out[svc.name] = struct{}{}
				break
			}
		}
	}
	return out
}

// WatchTaggedServices implements the consulkv.Gateway surface.
func (g *Gateway) WatchTaggedServices(ctx context.Context, tag string, handler consulkv.TaggedHandler) error {
	g.mu.Lock()
	prev := g.taggedLocked(tag)
	ch := g.changed
	g.mu.Unlock()

	handler(nil, prev)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		}

		g.mu.Lock()
		next := g.taggedLocked(tag)
		ch = g.changed
		g.mu.Unlock()

		if !taggedEqual(prev, next) {
			handler(prev, next)
			prev = next
		}
	}
}

func taggedEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// FailCheck simulates the external agent's check-failure + deregisterAfter
// timeout firing all at once: the check and its bound service are
// deregistered and every session naming it is invalidated, draining that
// node's ephemeral footprint per I1. Test-only; no equivalent on the real
// Gateway.
func (g *Gateway) FailCheck(checkID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	chk, ok := g.checks[checkID]
	if !ok {
		return
	}
	chk.critical = true
	delete(g.checks, checkID)
	if _, ok := g.services[chk.serviceID]; ok {
		delete(g.services, chk.serviceID)
	}
	var toInvalidate []string
	for id, sess := range g.sessions {
		for _, c := range sess.checks {
			if c == checkID {
				toInvalidate = append(toInvalidate, id)
				break
			}
		}
	}
	g.notifyLocked()
	for _, id := range toInvalidate {
		g.invalidateSessionLocked(id)
	}
}

// SessionValid implements the consulkv.Gateway surface (real signature
// takes ctx and returns an error too, for parity with a network call).
func (g *Gateway) SessionValid(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	return ok && s.valid, nil
}

// SessionAlive is the old test-only boolean-returning helper, kept for
// call sites that don't need the ctx/error shape.
func (g *Gateway) SessionAlive(id string) bool {
	ok, _ := g.SessionValid(context.Background(), id)
	return ok
}

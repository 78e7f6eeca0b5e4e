// Package multimap implements the Async Multimap (spec §4.6, component
// C6): an event-bus subscription registry layered on the KV store, with
// per-node ephemeral entries and randomized round-robin selection.
package multimap

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/keys"
)

// Gateway is the slice of consulkv.Gateway the multimap needs.
type Gateway interface {
	Put(ctx context.Context, key string, value []byte, opts consulkv.PutOptions) (bool, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
}

// Codec tells the multimap how to move a subscriber value to and from
// bytes, and how to read/compare the owning node id embedded in it
// (§4.6: "endpoint plus the nodeId of the owner; sufficient to identify
// and route"). Value encoding itself stays the external collaborator
// spec.md names as opaque — Codec is the seam application code plugs into.
type Codec[V any] struct {
	Encode func(V) ([]byte, error)
	Decode func([]byte) (V, error)
	Owner  func(V) string
	Equal  func(a, b V) bool
}

// Multimap is a per-address multiset of subscribers tied to the
// subscribing node's session.
type Multimap[V any] struct {
	name   string
	gw     Gateway
	codec  Codec[V]
	nodeID string
	log    *zap.Logger

	countersMu sync.Mutex
	counters   map[string]*atomic.Uint64
}

// New constructs a Multimap named name (the façade caches one instance
// per name, §4.9 "Singletons per-map-name").
func New[V any](name string, gw Gateway, codec Codec[V], nodeID string, logger *zap.Logger) *Multimap[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multimap[V]{
		name:     name,
		gw:       gw,
		codec:    codec,
		nodeID:   nodeID,
		log:      logger.With(zap.String("component", "multimap"), zap.String("map", name)),
		counters: make(map[string]*atomic.Uint64),
	}
}

// root is the fixed __vertx.subs/ prefix (§3, §6: "Implementers MUST use
// the exact prefixes... to remain interoperable with existing deployments
// sharing the same KV namespace"). name only keys the façade's per-name
// object cache (§4.9 "singleton per name") — it never appears in the wire
// key, or this instance's subscriptions would live in a namespace no other
// implementation of this spec ever reads from.
func (m *Multimap[V]) root() string {
	return keys.SubsPrefix
}

func (m *Multimap[V]) addrPrefix(address string) string {
	return keys.SubsAddress(address)
}

func (m *Multimap[V]) key(address string) string {
	return keys.Sub(address, m.nodeID)
}

// Add registers sub under address, bound to the current session. Overwrite
// semantics: a second Add for the same (address, nodeID) replaces the
// first (invariant I3).
func (m *Multimap[V]) Add(ctx context.Context, address string, sub V, session string) error {
	raw, err := m.codec.Encode(sub)
	if err != nil {
		return clustererr.Decodef("multimap.add.encode", err)
	}
	ok, err := m.gw.Put(ctx, m.key(address), raw, consulkv.PutOptions{AcquireSession: session})
	if err != nil {
		return err
	}
	if !ok {
		return clustererr.Contentionf("multimap.add", nil)
	}
	return nil
}

// Choosable is a set-like container delivering one element per Choose()
// call via round-robin, sharing a counter across every Choosable returned
// for the same address (§4.6, §8 property 5: fairness holds across
// consecutive get().choose() calls, not just within one Choosable).
type Choosable[V any] struct {
	items   []V
	counter *atomic.Uint64
}

// Choose returns the next element in round-robin order, or the zero value
// and false if the set is empty.
func (c *Choosable[V]) Choose() (V, bool) {
	var zero V
	if len(c.items) == 0 {
		return zero, false
	}
	idx := c.counter.Add(1) - 1
	return c.items[int(idx%uint64(len(c.items)))], true
}

// Len reports the number of subscribers currently visible.
func (c *Choosable[V]) Len() int { return len(c.items) }

func (m *Multimap[V]) counterFor(address string) *atomic.Uint64 {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	c, ok := m.counters[address]
	if !ok {
		c = &atomic.Uint64{}
		m.counters[address] = c
	}
	return c
}

// Get lists every subscriber of address and returns a Choosable over them.
// Missing/decode-failure entries are skipped silently (§4.6).
func (m *Multimap[V]) Get(ctx context.Context, address string) (*Choosable[V], error) {
	raw, err := m.gw.List(ctx, m.addrPrefix(address))
	if err != nil {
		return nil, err
	}
	// Sorted key order keeps the shared counter's index stable across Get
	// calls over an unchanged subscriber set.
	sortedKeys := make([]string, 0, len(raw))
	for key := range raw {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)
	items := make([]V, 0, len(raw))
	for _, key := range sortedKeys {
		v, err := m.codec.Decode(raw[key])
		if err != nil {
			m.log.Debug("skipping undecodable subscriber", zap.String("key", key), zap.Error(err))
			continue
		}
		items = append(items, v)
	}
	return &Choosable[V]{items: items, counter: m.counterFor(address)}, nil
}

// Remove deletes the specific key for sub if it is present at
// <address>/<sub's owner node> and decodes equal to sub (§4.6). Returns
// true iff a key was deleted.
func (m *Multimap[V]) Remove(ctx context.Context, address string, sub V) (bool, error) {
	ownerKey := m.addrPrefix(address) + m.codec.Owner(sub)
	raw, err := m.gw.List(ctx, m.addrPrefix(address))
	if err != nil {
		return false, err
	}
	bytes, ok := raw[ownerKey]
	if !ok {
		return false, nil
	}
	existing, err := m.codec.Decode(bytes)
	if err != nil {
		return false, nil
	}
	if !m.codec.Equal(existing, sub) || m.codec.Owner(existing) != m.codec.Owner(sub) {
		return false, nil
	}
	if err := m.gw.Delete(ctx, ownerKey); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAllMatching deletes every entry across the whole multimap
// satisfying pred. Not atomic across keys (§4.9): a mid-way failure
// leaves a partial deletion, acceptable because I1 still drains ephemeral
// entries on session loss. Concurrent per-key deletes run in parallel;
// the call fails if any delete fails.
func (m *Multimap[V]) RemoveAllMatching(ctx context.Context, pred func(V) bool) error {
	all, err := m.gw.List(ctx, m.root())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(all))
	for key, bytes := range all {
		v, derr := m.codec.Decode(bytes)
		if derr != nil {
			continue
		}
		if !pred(v) {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := m.gw.Delete(ctx, key); err != nil {
				errCh <- err
			}
		}(key)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// RemoveAllForValue removes every entry whose decoded value equals v,
// via codec.Equal — sugar for RemoveAllMatching.
func (m *Multimap[V]) RemoveAllForValue(ctx context.Context, v V) error {
	return m.RemoveAllMatching(ctx, func(candidate V) bool {
		return m.codec.Equal(candidate, v)
	})
}

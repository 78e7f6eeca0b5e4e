// Package node implements the Node Manager (spec §4.4, component C4):
// the join/leave orchestration, the authoritative local membership set,
// and the membership watcher that keeps it current.
package node

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/health"
	"github.com/mrofi/vertx-consul-clustermanager/internal/keys"
	"github.com/mrofi/vertx-consul-clustermanager/internal/session"
	"github.com/mrofi/vertx-consul-clustermanager/internal/watchcache"
)

// Gateway is the slice of consulkv.Gateway the Node Manager needs
// directly, beyond what it delegates to health.Probe and session.Manager.
type Gateway interface {
	RegisterService(ctx context.Context, reg consulkv.ServiceRegistration) error
	DeregisterService(ctx context.Context, serviceID string) error
	ListTaggedServices(ctx context.Context, tag string) (map[string]struct{}, error)
	WatchTaggedServices(ctx context.Context, tag string, handler consulkv.TaggedHandler) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	WatchPrefix(ctx context.Context, prefix string, handler func(prev, next map[string][]byte)) error
}

func decodeRaw(raw []byte) ([]byte, error) { return raw, nil }

// Listener receives membership change notifications. Callbacks must not
// block (§5) — the manager invokes them from a dedicated goroutine, never
// from the watch-delivery goroutine itself.
type Listener interface {
	NodeAdded(id string)
	NodeLeft(id string)
}

// ListenerFuncs adapts a pair of plain functions to Listener.
type ListenerFuncs struct {
	OnAdded func(id string)
	OnLeft  func(id string)
}

func (l ListenerFuncs) NodeAdded(id string) {
	if l.OnAdded != nil {
		l.OnAdded(id)
	}
}

func (l ListenerFuncs) NodeLeft(id string) {
	if l.OnLeft != nil {
		l.OnLeft(id)
	}
}

// Manager owns this node's join/leave lifecycle and local membership view.
type Manager struct {
	gw     Gateway
	sess   *session.Manager
	probe  *health.Probe
	cfg    *config.Config
	nodeID string
	log    *zap.Logger

	mu       sync.RWMutex
	members  map[string]struct{}
	haCache  *watchcache.Cache[[]byte]
	listener Listener

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	haWatchDone chan struct{}

	notifyCh chan notification
	stopCh   chan struct{}
}

type notification struct {
	added  bool
	nodeID string
}

// New constructs an unjoined Manager for nodeID.
func New(gw Gateway, sess *session.Manager, probe *health.Probe, cfg *config.Config, nodeID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gw:       gw,
		sess:     sess,
		probe:    probe,
		cfg:      cfg,
		nodeID:   nodeID,
		log:      logger.With(zap.String("component", "node"), zap.String("node_id", nodeID)),
		members:  make(map[string]struct{}),
		haCache:  watchcache.New(keys.HAInfoPrefix, decodeRaw, keys.TrailingSegment, logger),
		notifyCh: make(chan notification, 64),
	}
}

// SetListener installs the membership listener. Must be called before
// Join to avoid missing early events.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Manager) checkID() string { return "check:" + m.nodeID }

// Join runs the 8-step join pipeline (§4.4). On any step's failure it
// rolls back every prior step, best-effort, and returns a JoinError
// wrapping the original cause; rollback failures are aggregated and
// logged, not returned.
func (m *Manager) Join(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	var rollback []func(context.Context) error
	runRollback := func() error {
		var merr error
		for i := len(rollback) - 1; i >= 0; i-- {
			if err := rollback[i](context.WithoutCancel(ctx)); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return merr
	}

	// Steps 1-2: allocate TCP endpoint, start listener.
	port, err := m.probe.Start(ctx, m.nodeID, m.checkID(),
		m.cfg.TCPProbePortLow, m.cfg.TCPProbePortHigh,
		m.cfg.CheckInterval, m.cfg.DeregisterAfterCritical)
	if err != nil {
		return clustererr.Joinf("node.join.listen", err)
	}
	rollback = append(rollback, func(ctx context.Context) error { return m.probe.Stop(ctx) })
	m.log.Debug("health listener started", zap.Int("port", port))

	// Step 3: register service record.
	if err := m.gw.RegisterService(ctx, consulkv.ServiceRegistration{
		ID:   m.nodeID,
		Name: m.nodeID,
		Tags: []string{m.cfg.ClusteringTag},
	}); err != nil {
		if rerr := runRollback(); rerr != nil {
			m.log.Warn("join rollback reported errors", zap.Error(rerr))
		}
		return clustererr.Joinf("node.join.register_service", err)
	}
	rollback = append(rollback, func(ctx context.Context) error { return m.gw.DeregisterService(ctx, m.nodeID) })

	// Step 4: register check bound to that service is already done inside
	// probe.Start (C3 registers its own check against serviceID=nodeID).
	// Deregistration is likewise already wired into probe.Stop's rollback.

	// Step 5: create session bound to checkId and serfHealth.
	if _, err := m.sess.Register(ctx, m.checkID()); err != nil {
		if rerr := runRollback(); rerr != nil {
			m.log.Warn("join rollback reported errors", zap.Error(rerr))
		}
		return clustererr.Joinf("node.join.session", err)
	}
	rollback = append(rollback, func(ctx context.Context) error { return m.sess.Destroy(ctx) })

	// Step 6: seed local membership from the current tagged service set,
	// including self.
	seed, err := m.gw.ListTaggedServices(ctx, m.cfg.ClusteringTag)
	if err != nil {
		if rerr := runRollback(); rerr != nil {
			m.log.Warn("join rollback reported errors", zap.Error(rerr))
		}
		return clustererr.Joinf("node.join.seed_members", err)
	}
	m.mu.Lock()
	for id := range seed {
		m.members[id] = struct{}{}
	}
	m.members[m.nodeID] = struct{}{}
	m.mu.Unlock()

	// Step 7: preload HA-info snapshot into the watch-driven cache (I5, C5)
	// synchronously, so a read immediately after Join sees every entry
	// already present — the watch started in step 8 only needs to pick up
	// changes from here on.
	ha, err := m.gw.List(ctx, keys.HAInfoPrefix)
	if err != nil {
		if rerr := runRollback(); rerr != nil {
			m.log.Warn("join rollback reported errors", zap.Error(rerr))
		}
		return clustererr.Joinf("node.join.preload_hainfo", err)
	}
	for k, v := range ha {
		m.haCache.PutLocal(keys.TrailingSegment(k), v)
	}

	// Step 8: start the membership watcher, the HA-info cache watcher, and
	// the notification dispatcher.
	watchCtx, watchCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.watchCancel = watchCancel
	m.watchDone = make(chan struct{})
	m.haWatchDone = make(chan struct{})
	m.stopCh = make(chan struct{})

	go m.dispatchLoop()
	go func() {
		defer close(m.watchDone)
		if err := m.gw.WatchTaggedServices(watchCtx, m.cfg.ClusteringTag, m.onMembershipDiff); err != nil {
			m.log.Warn("membership watch exited with error", zap.Error(err))
		}
	}()
	go func() {
		defer close(m.haWatchDone)
		if err := m.haCache.Run(watchCtx, m.gw); err != nil {
			m.log.Warn("ha-info watch exited with error", zap.Error(err))
		}
	}()

	m.log.Info("node joined", zap.Int("member_count", len(m.members)))
	return nil
}

// onMembershipDiff is invoked on the watch's own goroutine; it must not
// block (§5, §9 "watches must not recurse into the agent"). It only
// updates the membership set and enqueues notifications; actual listener
// callouts happen on dispatchLoop's goroutine.
//
// The watch's own first delivery carries prev=nil as a sentinel. Per
// §4.4, that first snapshot must be reconciled against the step-6 seed
// silently — peers already known from join must not re-fire nodeAdded.
func (m *Manager) onMembershipDiff(prev, next map[string]struct{}) {
	if prev == nil {
		m.mu.Lock()
		for id := range next {
			m.members[id] = struct{}{}
		}
		m.mu.Unlock()
		return
	}

	added, removed := diffTagged(prev, next)

	m.mu.Lock()
	for id := range removed {
		delete(m.members, id)
	}
	for id := range added {
		m.members[id] = struct{}{}
	}
	m.mu.Unlock()

	// Removed-then-added ordering for a single delivery (§4.4, §5).
	for id := range removed {
		m.enqueue(notification{added: false, nodeID: id})
	}
	for id := range added {
		m.enqueue(notification{added: true, nodeID: id})
	}
}

func (m *Manager) enqueue(n notification) {
	if n.nodeID == m.nodeID {
		return // self events are never emitted (§9, resolved open question)
	}
	select {
	case m.notifyCh <- n:
	default:
		m.log.Warn("listener notification dropped, channel full", zap.String("node_id", n.nodeID))
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case n := <-m.notifyCh:
			m.mu.RLock()
			l := m.listener
			m.mu.RUnlock()
			if l == nil {
				continue
			}
			if n.added {
				l.NodeAdded(n.nodeID)
			} else {
				l.NodeLeft(n.nodeID)
			}
		}
	}
}

func diffTagged(prev, next map[string]struct{}) (added, removed map[string]struct{}) {
	added = make(map[string]struct{})
	removed = make(map[string]struct{})
	for id := range next {
		if _, ok := prev[id]; !ok {
			added[id] = struct{}{}
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed[id] = struct{}{}
		}
	}
	return added, removed
}

// Leave tears the node down: destroy session, then deregister check and
// stop listener together (probe.Stop), then deregister service — each
// attempted regardless of the others' failure (§4.4), aggregated into one
// error. The listener is therefore closed before the service record is
// deregistered, not after.
func (m *Manager) Leave(ctx context.Context) error {
	if m.watchCancel != nil {
		m.watchCancel()
		<-m.watchDone
		<-m.haWatchDone
	}
	if m.stopCh != nil {
		close(m.stopCh)
	}

	var merr error
	if err := m.sess.Destroy(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	// probe.Stop handles both check deregistration and listener shutdown
	// (C3 owns both; see §4.3).
	if err := m.probe.Stop(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := m.gw.DeregisterService(ctx, m.nodeID); err != nil {
		merr = multierror.Append(merr, err)
	}

	m.mu.Lock()
	m.members = make(map[string]struct{})
	m.mu.Unlock()

	m.log.Info("node left", zap.Error(merr))
	return merr
}

// Members returns a snapshot of the current membership set.
func (m *Manager) Members() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.members))
	for id := range m.members {
		out[id] = struct{}{}
	}
	return out
}

// HAInfo returns the cached HA-info value for key, if any, read through the
// watch-driven cache (C5) kept current by the watch started in Join's step 8.
func (m *Manager) HAInfo(key string) ([]byte, bool) {
	return m.haCache.Get(key)
}

// PutHAInfoLocal updates the watch-driven cache synchronously after a
// successful write, C5's local-write path (§4.5): a caller's own write is
// visible to its own next read without waiting on the watch to catch up.
func (m *Manager) PutHAInfoLocal(key string, value []byte) {
	m.haCache.PutLocal(key, value)
}

// Package cluster is the Cluster Façade (spec §4.8, component C8): it
// assembles the KV Gateway, Session Manager, Health Probe, and Node
// Manager, and exposes the four application-facing primitives (async
// multimap, lock, counter, membership) plus the node lifecycle state
// machine.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/counter"
	"github.com/mrofi/vertx-consul-clustermanager/internal/health"
	"github.com/mrofi/vertx-consul-clustermanager/internal/keys"
	"github.com/mrofi/vertx-consul-clustermanager/internal/lock"
	"github.com/mrofi/vertx-consul-clustermanager/internal/multimap"
	"github.com/mrofi/vertx-consul-clustermanager/internal/node"
	"github.com/mrofi/vertx-consul-clustermanager/internal/session"
)

// State is a node lifetime state (§4.8).
type State string

const (
	StateNew     State = "NEW"
	StateJoining State = "JOINING"
	StateActive  State = "ACTIVE"
	StateLeaving State = "LEAVING"
	StateStopped State = "STOPPED"
	StateFailed  State = "FAILED"
)

// Subscriber is the event-bus subscription record the multimap stores:
// an endpoint plus the owning node's id, per the glossary's
// "Subscriber / ClusterNodeInfo" entry.
type Subscriber struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	NodeID string `json:"nodeId"`
}

func subscriberCodec() multimap.Codec[Subscriber] {
	return multimap.Codec[Subscriber]{
		Encode: func(s Subscriber) ([]byte, error) { return json.Marshal(s) },
		Decode: func(raw []byte) (Subscriber, error) {
			var s Subscriber
			err := json.Unmarshal(raw, &s)
			return s, err
		},
		Owner: func(s Subscriber) string { return s.NodeID },
		Equal: func(a, b Subscriber) bool { return a == b },
	}
}

// Listener receives membership change notifications, mirroring
// node.Listener at the façade boundary.
type Listener = node.Listener

// Gateway is the union of every sub-component's narrow Gateway interface:
// the full surface the façade needs to assemble C1-C7. Satisfied by both
// *consulkv.Gateway and *fake.Gateway, the same "accept interfaces at the
// point of use, but assemble them at the composition root" shape the rest
// of this module follows.
type Gateway interface {
	session.Gateway
	health.Gateway
	node.Gateway
	multimap.Gateway
	lock.Gateway
	counter.Gateway

	SessionValid(ctx context.Context, id string) (bool, error)
}

// Cluster is the façade's runtime instance: one per node process.
type Cluster struct {
	cfg    *config.Config
	nodeID string
	log    *zap.Logger

	gw   Gateway
	sess *session.Manager
	prb  *health.Probe
	nm   *node.Manager

	mu    sync.Mutex
	state State

	multimaps map[string]*multimap.Multimap[Subscriber]
	locks     map[string]*lock.Lock
	counters  map[string]*counter.Counter

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New constructs a Cluster for nodeID using cfg, dialing the KV agent
// immediately (the gateway's construction step, §4.1).
func New(cfg *config.Config, nodeID string, logger *zap.Logger) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gw, err := consulkv.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newCluster(cfg, nodeID, gw, logger), nil
}

// newCluster assembles a Cluster over any Gateway implementation; tests
// pass a *fake.Gateway where New's caller would pass a real *consulkv.Gateway.
func newCluster(cfg *config.Config, nodeID string, gw Gateway, logger *zap.Logger) *Cluster {
	sess := session.New(gw, nodeID, logger)
	prb := health.New(gw, logger)
	nm := node.New(gw, sess, prb, cfg, nodeID, logger)
	return &Cluster{
		cfg:       cfg,
		nodeID:    nodeID,
		log:       logger.With(zap.String("component", "cluster"), zap.String("node_id", nodeID)),
		gw:        gw,
		sess:      sess,
		prb:       prb,
		nm:        nm,
		state:     StateNew,
		multimaps: make(map[string]*multimap.Multimap[Subscriber]),
		locks:     make(map[string]*lock.Lock),
		counters:  make(map[string]*counter.Counter),
	}
}

// State returns the current lifecycle state.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cluster) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetListener installs the membership listener.
func (c *Cluster) SetListener(l Listener) {
	c.nm.SetListener(l)
}

// Join transitions NEW → JOINING → ACTIVE, or → FAILED on error.
func (c *Cluster) Join(ctx context.Context) error {
	if c.State() != StateNew {
		return fmt.Errorf("cluster: Join called from state %s, expected %s", c.State(), StateNew)
	}
	c.setState(StateJoining)

	if err := c.nm.Join(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StateActive)
	c.startSessionMonitor()
	c.log.Info("cluster joined")
	return nil
}

// startSessionMonitor polls session validity so a session invalidated
// from outside (agent-declared check failure, manual session destroy)
// surfaces as a FAILED transition even absent an in-flight write (§7
// SessionInvalidated, §4.8 "FAILED ... session-invalidation from
// outside").
func (c *Cluster) startSessionMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	c.monitorDone = make(chan struct{})

	go func() {
		defer close(c.monitorDone)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sid := c.sess.SessionID()
				if sid == "" {
					continue
				}
				valid, err := c.gw.SessionValid(ctx, sid)
				if err != nil {
					c.log.Debug("session validity check failed, retrying next tick", zap.Error(err))
					continue
				}
				if !valid && c.State() == StateActive {
					c.log.Warn("session invalidated from outside, transitioning to FAILED", zap.String("session_id", sid))
					c.setState(StateFailed)
					return
				}
			}
		}
	}()
}

// Leave transitions ACTIVE → LEAVING → STOPPED. Safe to call from FAILED
// too, to release local resources (listener, monitor goroutine); the KV
// side is already gone in that case.
func (c *Cluster) Leave(ctx context.Context) error {
	state := c.State()
	if state != StateActive && state != StateFailed {
		return fmt.Errorf("cluster: Leave called from state %s", state)
	}
	c.setState(StateLeaving)

	joined := c.monitorCancel != nil
	if c.monitorCancel != nil {
		c.monitorCancel()
		<-c.monitorDone
	}

	var err error
	if state == StateActive {
		err = c.nm.Leave(ctx)
	} else if joined {
		// FAILED after a successful join: the node manager still owns the
		// listener and watch goroutines. Teardown errors for the already-gone
		// KV side are logged, not returned.
		if lerr := c.nm.Leave(ctx); lerr != nil {
			c.log.Debug("leave from FAILED reported errors", zap.Error(lerr))
		}
	}

	c.setState(StateStopped)
	c.log.Info("cluster left")
	return err
}

// Members returns the current membership snapshot.
func (c *Cluster) Members() map[string]struct{} { return c.nm.Members() }

// GetAsyncMultimap returns the singleton multimap for name, creating it
// on first access (§4.9).
func (c *Cluster) GetAsyncMultimap(name string) *multimap.Multimap[Subscriber] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mm, ok := c.multimaps[name]; ok {
		return mm
	}
	mm := multimap.New(name, c.gw, subscriberCodec(), c.nodeID, c.log)
	c.multimaps[name] = mm
	return mm
}

// AddSubscriber is sugar binding the multimap add call to this node's
// current session, the detail callers would otherwise have to thread
// through by hand.
func (c *Cluster) AddSubscriber(ctx context.Context, mapName, address string, sub Subscriber) error {
	sid := c.sess.SessionID()
	if sid == "" {
		return clustererr.Contentionf("cluster.add_subscriber.no_session", nil)
	}
	return c.GetAsyncMultimap(mapName).Add(ctx, address, sub, sid)
}

// GetLock returns the singleton lock for name, creating it on first
// access (§4.9).
func (c *Cluster) GetLock(name string) *lock.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[name]; ok {
		return l
	}
	l := lock.New(name, c.gw, c.nodeID, c.log)
	c.locks[name] = l
	return l
}

// GetCounter returns the singleton counter for name, creating it on first
// access (§4.9).
func (c *Cluster) GetCounter(name string) *counter.Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := counter.New(name, c.gw)
	c.counters[name] = ctr
	return ctr
}

// PutHAInfo writes a cluster-wide HA-info entry (§3, non-ephemeral,
// writer-owns-cleanup per §9) and updates the node manager's watch-driven
// cache (C5) synchronously, so this write is visible to this node's own
// next GetHAInfo ahead of the prefix watch's next delivery.
func (c *Cluster) PutHAInfo(ctx context.Context, key string, value []byte) error {
	ok, err := c.gw.Put(ctx, keys.HAInfo(key), value, consulkv.PutOptions{})
	if err != nil {
		return err
	}
	if !ok {
		return clustererr.Contentionf("cluster.put_hainfo", nil)
	}
	c.nm.PutHAInfoLocal(key, value)
	return nil
}

// GetHAInfo reads a cached HA-info value via C1 + C5 (cache read-through):
// preloaded at join and kept current afterward by the node manager's
// prefix watch over __vertx.haInfo/.
func (c *Cluster) GetHAInfo(key string) ([]byte, bool) { return c.nm.HAInfo(key) }

// NodeID returns this node's stable identifier.
func (c *Cluster) NodeID() string { return c.nodeID }

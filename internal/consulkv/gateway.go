// Package consulkv is the KV Gateway (spec §4.1, component C1): a thin,
// stateless adapter over the external KV client. It owns no cluster state
// of its own — every method either round-trips to the agent or composes a
// request from caller-supplied options.
//
// The backing client is github.com/hashicorp/consul/api rather than the
// teacher's go.etcd.io/etcd/client/v3: see SPEC_FULL.md §10 for why. The
// shape (a Gateway struct wrapping the raw client, exposing Client() as an
// escape hatch for components that need the session/agent/health
// sub-clients directly) mirrors the teacher's store.Store.
package consulkv

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
)

// Gateway wraps a Consul agent client. It is safe for concurrent use: the
// underlying *consulapi.Client already serializes nothing and needs no
// additional locking, matching §5's "no in-process mutex required" stance
// for KV traffic.
type Gateway struct {
	client *consulapi.Client
	log    *zap.Logger
}

// New dials the KV agent described by cfg. Failure to construct the
// client (bad address, TLS misconfiguration) is a TransportError: nothing
// has been attempted against the agent yet, but the caller's contract is
// "this Gateway is unusable."
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	acfg := consulapi.DefaultConfig()
	acfg.Address = fmt.Sprintf("%s:%d", cfg.KVHost, cfg.KVPort)

	client, err := consulapi.NewClient(acfg)
	if err != nil {
		return nil, clustererr.Transportf("consulkv.New", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{client: client, log: logger.With(zap.String("component", "consulkv"))}, nil
}

// Client returns the underlying Consul API client, an escape hatch for
// callers that need parts of the Consul API this Gateway doesn't itself
// wrap. The components in this module (C2-C8) go through Gateway methods
// only and do not call it.
func (g *Gateway) Client() *consulapi.Client { return g.client }

// PutOptions parameterizes Put per §4.1.
type PutOptions struct {
	// AcquireSession binds the key's ephemerality to this session id.
	AcquireSession string
	// CASIndex, if non-nil, makes the write a compare-and-swap against the
	// key's current ModifyIndex.
	CASIndex *uint64
}

// Get fetches a single key. A missing key is (nil, false, nil), not an
// error.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, bool, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := g.client.KV().Get(key, q)
	if err != nil {
		return nil, false, clustererr.Transportf("kv.get", err)
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

// GetIndexed fetches a single key along with its ModifyIndex, the form a
// compare-and-swap read-modify-write loop (the counter, C8's getCounter)
// needs. A missing key reports index 0, the value CAS expects for "create
// if absent".
func (g *Gateway) GetIndexed(ctx context.Context, key string) (value []byte, index uint64, found bool, err error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := g.client.KV().Get(key, q)
	if err != nil {
		return nil, 0, false, clustererr.Transportf("kv.get_indexed", err)
	}
	if pair == nil {
		return nil, 0, false, nil
	}
	return pair.Value, pair.ModifyIndex, true, nil
}

// List returns every key under prefix as a flat map, the snapshot shape
// watches and the cache (C5) both use.
func (g *Gateway) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	snapshot, _, err := g.list(ctx, prefix, nil)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// list is the shared implementation behind List and the watch loop: it
// also returns the QueryMeta so callers can chain WaitIndex.
func (g *Gateway) list(ctx context.Context, prefix string, q *consulapi.QueryOptions) (map[string][]byte, *consulapi.QueryMeta, error) {
	if q == nil {
		q = &consulapi.QueryOptions{}
	}
	q = q.WithContext(ctx)
	pairs, meta, err := g.client.KV().List(prefix, q)
	if err != nil {
		return nil, nil, clustererr.Transportf("kv.list", err)
	}
	snapshot := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		snapshot[pair.Key] = pair.Value
	}
	return snapshot, meta, nil
}

// Put writes key=value, optionally binding it to a session (ephemeral) or
// guarding it with a CAS index. Returns false (not an error) when the
// write was rejected by the store — CAS lost, or another session already
// holds an acquire on the key.
func (g *Gateway) Put(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	pair := &consulapi.KVPair{Key: key, Value: value}
	wo := (&consulapi.WriteOptions{}).WithContext(ctx)

	switch {
	case opts.AcquireSession != "":
		pair.Session = opts.AcquireSession
		ok, _, err := g.client.KV().Acquire(pair, wo)
		if err != nil {
			return false, clustererr.Transportf("kv.put.acquire", err)
		}
		return ok, nil
	case opts.CASIndex != nil:
		pair.ModifyIndex = *opts.CASIndex
		ok, _, err := g.client.KV().CAS(pair, wo)
		if err != nil {
			return false, clustererr.Transportf("kv.put.cas", err)
		}
		return ok, nil
	default:
		_, err := g.client.KV().Put(pair, wo)
		if err != nil {
			return false, clustererr.Transportf("kv.put", err)
		}
		return true, nil
	}
}

// Delete removes a single key. Deleting an absent key is not an error.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	wo := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := g.client.KV().Delete(key, wo); err != nil {
		return clustererr.Transportf("kv.delete", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix in one request.
func (g *Gateway) DeletePrefix(ctx context.Context, prefix string) error {
	wo := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := g.client.KV().DeleteTree(prefix, wo); err != nil {
		return clustererr.Transportf("kv.delete_prefix", err)
	}
	return nil
}

// SessionOptions parameterizes CreateSession per §4.2.
type SessionOptions struct {
	Name   string
	Checks []string // bound check ids; session is invalidated if any fails
}

// CreateSession creates a session with DELETE invalidation behavior
// (mandatory per §3: invalidation must delete, not release, every key
// acquired under it).
func (g *Gateway) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	entry := &consulapi.SessionEntry{
		Name:     opts.Name,
		Checks:   opts.Checks,
		Behavior: consulapi.SessionBehaviorDelete,
	}
	id, _, err := g.client.Session().Create(entry, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", clustererr.Transportf("session.create", err)
	}
	return id, nil
}

// DestroySession destroys a session unconditionally; destroying an
// already-gone session is not an error (§4.2 "idempotent").
func (g *Gateway) DestroySession(ctx context.Context, id string) error {
	if _, err := g.client.Session().Destroy(id, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return clustererr.Transportf("session.destroy", err)
	}
	return nil
}

// SessionValid reports whether id still exists as a live session. Used by
// the façade to detect SessionInvalidated (§7) without waiting for a
// write to fail: Session().Info returns a nil entry once the agent has
// expired or destroyed the session.
func (g *Gateway) SessionValid(ctx context.Context, id string) (bool, error) {
	entry, _, err := g.client.Session().Info(id, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return false, clustererr.Transportf("session.info", err)
	}
	return entry != nil, nil
}

// ServiceRegistration is the service record §3 describes.
type ServiceRegistration struct {
	ID   string
	Name string
	Tags []string
}

// RegisterService registers this node as a tagged service. The agent
// endpoints are local to the client's agent and, unlike KV/catalog reads,
// take no blocking-query context of their own; ctx is honored only to the
// extent the caller has already checked it before calling in.
func (g *Gateway) RegisterService(ctx context.Context, reg ServiceRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := g.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:   reg.ID,
		Name: reg.Name,
		Tags: reg.Tags,
	})
	if err != nil {
		return clustererr.Transportf("agent.service_register", err)
	}
	return nil
}

// DeregisterService removes this node's service record.
func (g *Gateway) DeregisterService(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.client.Agent().ServiceDeregister(serviceID); err != nil {
		return clustererr.Transportf("agent.service_deregister", err)
	}
	return nil
}

// CheckRegistration is the liveness check record §3 describes.
type CheckRegistration struct {
	CheckID                 string
	ServiceID               string
	TCPAddr                 string // host:port
	Interval                time.Duration
	DeregisterAfterCritical time.Duration
}

// RegisterCheck registers a TCP check bound to a service, initially
// PASSING (§3).
func (g *Gateway) RegisterCheck(ctx context.Context, reg CheckRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := g.client.Agent().CheckRegister(&consulapi.AgentCheckRegistration{
		ID:        reg.CheckID,
		ServiceID: reg.ServiceID,
		AgentServiceCheck: consulapi.AgentServiceCheck{
			TCP:                            reg.TCPAddr,
			Interval:                       reg.Interval.String(),
			DeregisterCriticalServiceAfter: reg.DeregisterAfterCritical.String(),
			Status:                         consulapi.HealthPassing,
		},
	})
	if err != nil {
		return clustererr.Transportf("agent.check_register", err)
	}
	return nil
}

// DeregisterCheck removes a check.
func (g *Gateway) DeregisterCheck(ctx context.Context, checkID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.client.Agent().CheckDeregister(checkID); err != nil {
		return clustererr.Transportf("agent.check_deregister", err)
	}
	return nil
}

// TaggedHandler receives consecutive (previous, next) sets of service ids
// carrying ClusteringTag.
type TaggedHandler func(prev, next map[string]struct{})

// ListTaggedServices lists the node ids (service names, which §3 fixes
// equal to nodeId) currently tagged with tag.
func (g *Gateway) ListTaggedServices(ctx context.Context, tag string) (map[string]struct{}, error) {
	services, _, err := g.taggedServices(ctx, tag, nil)
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (g *Gateway) taggedServices(ctx context.Context, tag string, q *consulapi.QueryOptions) (map[string]struct{}, *consulapi.QueryMeta, error) {
	if q == nil {
		q = &consulapi.QueryOptions{}
	}
	q = q.WithContext(ctx)
	all, meta, err := g.client.Catalog().Services(q)
	if err != nil {
		return nil, nil, clustererr.Transportf("catalog.services", err)
	}
	tagged := make(map[string]struct{})
	for name, tags := range all {
		for _, t := range tags {
			if t == tag {
				tagged[name] = struct{}{}
				break
			}
		}
	}
	return tagged, meta, nil
}

// WatchTaggedServices blocks, delivering a diff of the tagged-service-id
// set on every catalog change, until ctx is cancelled. Same first-delivery
// sentinel convention as WatchPrefix (prev == nil on the first call).
func (g *Gateway) WatchTaggedServices(ctx context.Context, tag string, handler TaggedHandler) error {
	log := g.log.With(zap.String("clustering_tag", tag))

	var lastIndex uint64
	var prev map[string]struct{}
	first := true

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		q := &consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: longPollWaitTime}
		next, meta, err := g.taggedServices(ctx, tag, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("membership watch poll failed, retrying", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		if meta.LastIndex == lastIndex && !first {
			continue
		}
		lastIndex = meta.LastIndex

		if first {
			handler(nil, next)
			first = false
		} else if !taggedSetsEqual(prev, next) {
			handler(prev, next)
		}
		prev = next
	}
}

func taggedSetsEqual(a, b map[string]struct{}) bool {
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

// Package session implements the Session Manager (spec §4.2, component
// C2): it creates and destroys the single KV session a node's ephemeral
// writes are bound to, and caches its id.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
)

// Gateway is the slice of consulkv.Gateway the Session Manager needs.
// Satisfied by both *consulkv.Gateway and *fake.Gateway.
type Gateway interface {
	CreateSession(ctx context.Context, opts consulkv.SessionOptions) (string, error)
	DestroySession(ctx context.Context, id string) error
}

// serfHealthCheck is the built-in liveness check every Consul agent
// exposes; binding it alongside the node's own TCP check means the
// session also dies if the node's local agent itself goes away (§4.4
// step 5, §3's session record).
const serfHealthCheck = "serfHealth"

// Manager owns exactly one current session id per node (§4.2).
type Manager struct {
	gw     Gateway
	nodeID string
	log    *zap.Logger

	mu  sync.RWMutex
	sid string
}

// New constructs a Manager for nodeID.
func New(gw Gateway, nodeID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{gw: gw, nodeID: nodeID, log: logger.With(zap.String("component", "session"))}
}

// Register creates a session bound to checkID and the built-in serfHealth
// check, named "session:"+nodeId, with DELETE invalidation behavior.
// SessionID() is guaranteed non-empty after Register returns without
// error (§4.2).
func (m *Manager) Register(ctx context.Context, checkID string) (string, error) {
	id, err := m.gw.CreateSession(ctx, consulkv.SessionOptions{
		Name:   "session:" + m.nodeID,
		Checks: []string{checkID, serfHealthCheck},
	})
	if err != nil {
		return "", clustererr.New(clustererr.KindTransport, "session.register", err)
	}

	m.mu.Lock()
	m.sid = id
	m.mu.Unlock()

	m.log.Info("session registered", zap.String("session_id", id), zap.String("check_id", checkID))
	return id, nil
}

// Destroy destroys the current session unconditionally; idempotent.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	id := m.sid
	m.sid = ""
	m.mu.Unlock()

	if id == "" {
		return nil
	}
	if err := m.gw.DestroySession(ctx, id); err != nil {
		m.log.Warn("session destroy failed", zap.String("session_id", id), zap.Error(err))
		return clustererr.New(clustererr.KindTransport, "session.destroy", err)
	}
	return nil
}

// SessionID returns the current session id, or "" if none is registered.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sid
}

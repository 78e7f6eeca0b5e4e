package node_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/health"
	"github.com/mrofi/vertx-consul-clustermanager/internal/node"
	"github.com/mrofi/vertx-consul-clustermanager/internal/session"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.TCPProbePortLow = 20000
	cfg.TCPProbePortHigh = 20500
	cfg.JoinTimeout = 5 * time.Second
	return cfg
}

func newTestManager(gw *fake.Gateway, nodeID string) *node.Manager {
	cfg := testConfig()
	sess := session.New(gw, nodeID, zap.NewNop())
	probe := health.New(gw, zap.NewNop())
	return node.New(gw, sess, probe, cfg, nodeID, zap.NewNop())
}

type recordingListener struct {
	mu    sync.Mutex
	added []string
	left  []string
}

func (r *recordingListener) NodeAdded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, id)
}

func (r *recordingListener) NodeLeft(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, id)
}

func (r *recordingListener) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.added...), append([]string(nil), r.left...)
}

func TestSoloJoinSeesOnlySelf(t *testing.T) {
	gw := fake.New()
	m := newTestManager(gw, "node-a")

	require.NoError(t, m.Join(context.Background()))
	defer m.Leave(context.Background())

	members := m.Members()
	assert.Equal(t, map[string]struct{}{"node-a": {}}, members)
}

func TestSelfJoinNeverFiresNodeAdded(t *testing.T) {
	gw := fake.New()
	m := newTestManager(gw, "node-a")
	listener := &recordingListener{}
	m.SetListener(listener)

	require.NoError(t, m.Join(context.Background()))
	defer m.Leave(context.Background())

	time.Sleep(50 * time.Millisecond)
	added, left := listener.snapshot()
	assert.Empty(t, added, "join must never emit nodeAdded for self")
	assert.Empty(t, left)
}

func TestPeerJoinIsObservedByExistingMember(t *testing.T) {
	gw := fake.New()
	a := newTestManager(gw, "node-a")
	listener := &recordingListener{}
	a.SetListener(listener)

	require.NoError(t, a.Join(context.Background()))
	defer a.Leave(context.Background())

	b := newTestManager(gw, "node-b")
	require.NoError(t, b.Join(context.Background()))
	defer b.Leave(context.Background())

	waitUntil(t, func() bool {
		_, ok := a.Members()["node-b"]
		return ok
	})

	waitUntil(t, func() bool {
		added, _ := listener.snapshot()
		for _, id := range added {
			if id == "node-b" {
				return true
			}
		}
		return false
	})
}

func TestDirtyLeaveRemovesPeerFromMembership(t *testing.T) {
	gw := fake.New()
	a := newTestManager(gw, "node-a")
	listener := &recordingListener{}
	a.SetListener(listener)
	require.NoError(t, a.Join(context.Background()))
	defer a.Leave(context.Background())

	b := newTestManager(gw, "node-b")
	require.NoError(t, b.Join(context.Background()))

	waitUntil(t, func() bool {
		_, ok := a.Members()["node-b"]
		return ok
	})

	// Simulate B's process dying: its check goes critical and the agent
	// deregisters it, invalidating B's session (no clean Leave call).
	gw.FailCheck("check:node-b")

	waitUntil(t, func() bool {
		_, ok := a.Members()["node-b"]
		return !ok
	})

	waitUntil(t, func() bool {
		_, left := listener.snapshot()
		for _, id := range left {
			if id == "node-b" {
				return true
			}
		}
		return false
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within deadline")
	}
}

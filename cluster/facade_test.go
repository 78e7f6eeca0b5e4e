package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.TCPProbePortLow = 22000
	cfg.TCPProbePortHigh = 22500
	cfg.JoinTimeout = 5 * time.Second
	cfg.CheckInterval = 50 * time.Millisecond
	return cfg
}

func TestJoinTransitionsToActive(t *testing.T) {
	gw := fake.New()
	c := newCluster(testConfig(), "node-a", gw, zap.NewNop())

	assert.Equal(t, StateNew, c.State())
	require.NoError(t, c.Join(context.Background()))
	assert.Equal(t, StateActive, c.State())

	members := c.Members()
	assert.Contains(t, members, "node-a")

	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestSessionInvalidationTransitionsToFailed(t *testing.T) {
	gw := fake.New()
	c := newCluster(testConfig(), "node-a", gw, zap.NewNop())

	require.NoError(t, c.Join(context.Background()))

	gw.FailCheck("check:node-a")

	waitUntil(t, func() bool { return c.State() == StateFailed })

	// Leave from FAILED must still succeed and release local resources.
	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestHAInfoRoundTrip(t *testing.T) {
	gw := fake.New()
	c := newCluster(testConfig(), "node-a", gw, zap.NewNop())
	require.NoError(t, c.Join(context.Background()))
	defer c.Leave(context.Background())

	require.NoError(t, c.PutHAInfo(context.Background(), "region", []byte("us-east")))

	v, ok := c.GetHAInfo("region")
	require.True(t, ok)
	assert.Equal(t, "us-east", string(v))
}

func TestAddSubscriberAndChoose(t *testing.T) {
	gw := fake.New()
	c := newCluster(testConfig(), "node-a", gw, zap.NewNop())
	require.NoError(t, c.Join(context.Background()))
	defer c.Leave(context.Background())

	sub := Subscriber{Host: "10.0.0.1", Port: 9000, NodeID: "node-a"}
	require.NoError(t, c.AddSubscriber(context.Background(), "eventbus", "addr.1", sub))

	choosable, err := c.GetAsyncMultimap("eventbus").Get(context.Background(), "addr.1")
	require.NoError(t, err)
	got, ok := choosable.Choose()
	require.True(t, ok)
	assert.Equal(t, sub, got)
}

func TestGetLockAndCounterAreSingletonsPerName(t *testing.T) {
	gw := fake.New()
	c := newCluster(testConfig(), "node-a", gw, zap.NewNop())

	l1 := c.GetLock("L")
	l2 := c.GetLock("L")
	assert.Same(t, l1, l2)

	ctr1 := c.GetCounter("hits")
	ctr2 := c.GetCounter("hits")
	assert.Same(t, ctr1, ctr2)
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

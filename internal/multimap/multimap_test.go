package multimap_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/multimap"
)

type sub struct {
	Endpoint string `json:"endpoint"`
	NodeID   string `json:"nodeId"`
}

func codec() multimap.Codec[sub] {
	return multimap.Codec[sub]{
		Encode: func(s sub) ([]byte, error) { return json.Marshal(s) },
		Decode: func(raw []byte) (sub, error) {
			var s sub
			err := json.Unmarshal(raw, &s)
			return s, err
		},
		Owner: func(s sub) string { return s.NodeID },
		Equal: func(a, b sub) bool { return a == b },
	}
}

func TestAddAndGetRoundRobin(t *testing.T) {
	gw := fake.New()
	sid1 := mustSession(t, gw, "node1")
	sid2 := mustSession(t, gw, "node2")

	mm1 := multimap.New("eventbus", gw, codec(), "node1", zap.NewNop())
	mm2 := multimap.New("eventbus", gw, codec(), "node2", zap.NewNop())

	ctx := context.Background()
	require.NoError(t, mm1.Add(ctx, "addr", sub{Endpoint: "h1:1", NodeID: "node1"}, sid1))
	require.NoError(t, mm2.Add(ctx, "addr", sub{Endpoint: "h2:2", NodeID: "node2"}, sid2))

	choosable, err := mm1.Get(ctx, "addr")
	require.NoError(t, err)
	require.Equal(t, 2, choosable.Len())

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		s, ok := choosable.Choose()
		require.True(t, ok)
		seen[s.NodeID]++
	}
	assert.Equal(t, 2, seen["node1"])
	assert.Equal(t, 2, seen["node2"])
}

func TestAddOverwritesSameNode(t *testing.T) {
	gw := fake.New()
	sid := mustSession(t, gw, "node1")
	mm := multimap.New("eventbus", gw, codec(), "node1", zap.NewNop())

	ctx := context.Background()
	require.NoError(t, mm.Add(ctx, "addr", sub{Endpoint: "h1:1", NodeID: "node1"}, sid))
	require.NoError(t, mm.Add(ctx, "addr", sub{Endpoint: "h1:2", NodeID: "node1"}, sid))

	choosable, err := mm.Get(ctx, "addr")
	require.NoError(t, err)
	assert.Equal(t, 1, choosable.Len(), "re-adding for the same node must overwrite, not accumulate (I3)")
}

func TestRemoveDeletesOnlyMatchingEntry(t *testing.T) {
	gw := fake.New()
	sid1 := mustSession(t, gw, "node1")
	sid2 := mustSession(t, gw, "node2")
	mm := multimap.New("eventbus", gw, codec(), "node1", zap.NewNop())

	ctx := context.Background()
	s1 := sub{Endpoint: "h1:1", NodeID: "node1"}
	s2 := sub{Endpoint: "h2:2", NodeID: "node2"}
	require.NoError(t, mm.Add(ctx, "addr", s1, sid1))
	require.NoError(t, mm.Add(ctx, "addr", s2, sid2))

	ok, err := mm.Remove(ctx, "addr", s1)
	require.NoError(t, err)
	assert.True(t, ok)

	choosable, err := mm.Get(ctx, "addr")
	require.NoError(t, err)
	require.Equal(t, 1, choosable.Len())
	remaining, _ := choosable.Choose()
	assert.Equal(t, "node2", remaining.NodeID)
}

func TestSubscriberEvacuatedOnSessionLoss(t *testing.T) {
	gw := fake.New()
	sid := mustSession(t, gw, "node1")
	mm := multimap.New("eventbus", gw, codec(), "node1", zap.NewNop())

	ctx := context.Background()
	require.NoError(t, mm.Add(ctx, "addr", sub{Endpoint: "h1:1", NodeID: "node1"}, sid))

	require.NoError(t, gw.DestroySession(ctx, sid))

	choosable, err := mm.Get(ctx, "addr")
	require.NoError(t, err)
	assert.Equal(t, 0, choosable.Len())
}

func mustSession(t *testing.T, gw *fake.Gateway, nodeID string) string {
	t.Helper()
	sid, err := gw.CreateSession(context.Background(), consulkv.SessionOptions{Name: "session:" + nodeID})
	require.NoError(t, err)
	return sid
}

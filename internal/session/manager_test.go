package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/session"
)

func TestRegisterNonEmptySessionID(t *testing.T) {
	gw := fake.New()
	m := session.New(gw, "node-a", zap.NewNop())

	sid, err := m.Register(context.Background(), "check:node-a")
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
	assert.Equal(t, sid, m.SessionID())
	assert.True(t, gw.SessionAlive(sid))
}

func TestDestroyIsIdempotent(t *testing.T) {
	gw := fake.New()
	m := session.New(gw, "node-a", zap.NewNop())

	_, err := m.Register(context.Background(), "check:node-a")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background()))
	assert.Empty(t, m.SessionID())

	// Second destroy is a no-op, not an error.
	require.NoError(t, m.Destroy(context.Background()))
}

func TestDestroyDrainsSessionBoundKeys(t *testing.T) {
	gw := fake.New()
	m := session.New(gw, "node-a", zap.NewNop())

	sid, err := m.Register(context.Background(), "check:node-a")
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := gw.Put(ctx, "__vertx.subs/addr/node-a", []byte("x"), consulkv.PutOptions{AcquireSession: sid})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Destroy(ctx))

	_, found, err := gw.Get(ctx, "__vertx.subs/addr/node-a")
	require.NoError(t, err)
	assert.False(t, found, "key acquired under the destroyed session must be gone (I1)")
}

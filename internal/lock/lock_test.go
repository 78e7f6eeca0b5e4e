package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/lock"
)

func TestTryLockThenRelease(t *testing.T) {
	gw := fake.New()
	l := lock.New("L", gw, "node1", zap.NewNop())

	ok, err := l.TryLock(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.Held())

	require.NoError(t, l.Release(context.Background()))
	assert.False(t, l.Held())

	// Double release is a no-op.
	require.NoError(t, l.Release(context.Background()))
}

func TestOnlyOneOfTwoContendersAcquires(t *testing.T) {
	gw := fake.New()
	l1 := lock.New("L", gw, "node1", zap.NewNop())
	l2 := lock.New("L", gw, "node2", zap.NewNop())

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ok, err := l1.TryLock(context.Background(), 2*time.Second)
		require.NoError(t, err)
		results[0] = ok
	}()
	go func() {
		defer wg.Done()
		ok, err := l2.TryLock(context.Background(), time.Second)
		assert.NoError(t, err)
		results[1] = ok
	}()
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one contender must acquire the lock")
}

func TestLockAvailableAfterRelease(t *testing.T) {
	gw := fake.New()
	l1 := lock.New("L", gw, "node1", zap.NewNop())
	l2 := lock.New("L", gw, "node2", zap.NewNop())

	ok, err := l1.TryLock(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l1.Release(context.Background()))

	ok, err = l2.TryLock(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockAvailableAfterHolderSessionLoss(t *testing.T) {
	gw := fake.New()
	l1 := lock.New("L", gw, "node1", zap.NewNop())
	l2 := lock.New("L", gw, "node2", zap.NewNop())

	ok, err := l1.TryLock(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, gw.DestroySession(context.Background(), l1.SessionID()))

	ok, err = l2.TryLock(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock key must be evacuated once the holder's session is destroyed (I1, S6)")
}

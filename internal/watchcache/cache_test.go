package watchcache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/keys"
	"github.com/mrofi/vertx-consul-clustermanager/internal/watchcache"
)

func decodeString(raw []byte) (string, error) { return string(raw), nil }

func TestCacheTracksWatchUpdates(t *testing.T) {
	gw := fake.New()
	c := watchcache.New("__vertx.haInfo/", decodeString, keys.TrailingSegment, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = c.Run(ctx, gw) }()

	time.Sleep(20 * time.Millisecond) // let Run register its watch

	_, err := gw.Put(context.Background(), keys.HAInfo("foo"), []byte("bar"), consulkv.PutOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		v, ok := c.Get("foo")
		return ok && v == "bar"
	})

	require.NoError(t, gw.Delete(context.Background(), keys.HAInfo("foo")))

	waitUntil(t, func() bool {
		_, ok := c.Get("foo")
		return !ok
	})
}

func TestCacheLocalWriteIsImmediatelyVisible(t *testing.T) {
	c := watchcache.New("__vertx.haInfo/", decodeString, keys.TrailingSegment, zap.NewNop())
	c.PutLocal("foo", "bar")

	v, ok := c.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "bar", v)

	c.DeleteLocal("foo")
	_, ok = c.Get("foo")
	assert.False(t, ok)
}

func TestCacheDecodeFailureDoesNotPoisonOtherEntries(t *testing.T) {
	gw := fake.New()
	decode := func(raw []byte) (string, error) {
		if string(raw) == "bad" {
			return "", fmt.Errorf("corrupt entry")
		}
		return string(raw), nil
	}
	c := watchcache.New("__vertx.haInfo/", decode, keys.TrailingSegment, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, gw) }()

	time.Sleep(20 * time.Millisecond)

	_, err := gw.Put(context.Background(), keys.HAInfo("good"), []byte("ok"), consulkv.PutOptions{})
	require.NoError(t, err)
	_, err = gw.Put(context.Background(), keys.HAInfo("bad"), []byte("bad"), consulkv.PutOptions{})
	require.NoError(t, err)

	waitUntil(t, func() bool {
		v, ok := c.Get("good")
		return ok && v == "ok"
	})

	_, ok := c.Get("bad")
	assert.False(t, ok)
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

package counter_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/counter"
)

func TestGetOnUnwrittenCounterIsZero(t *testing.T) {
	gw := fake.New()
	c := counter.New("hits", gw)

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestIncrementAndGet(t *testing.T) {
	gw := fake.New()
	c := counter.New("hits", gw)

	v, err := c.IncrementAndGet(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = c.IncrementAndGet(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestConcurrentIncrementsAllLand(t *testing.T) {
	gw := fake.New()
	c := counter.New("hits", gw)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := c.IncrementAndGet(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), v, "every concurrent increment must eventually land via CAS retry")
}

package health_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv/fake"
	"github.com/mrofi/vertx-consul-clustermanager/internal/health"
)

func TestStartAllocatesPortAndRegistersCheck(t *testing.T) {
	gw := fake.New()
	p := health.New(gw, zap.NewNop())

	port, err := p.Start(context.Background(), "svc-1", "check:svc-1", 21000, 21500, 10*time.Second, 60*time.Second)
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	assert.Equal(t, port, p.Port())

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err, "listener must accept a connection")
	conn.Close()

	require.NoError(t, p.Stop(context.Background()))
}

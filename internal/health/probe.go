// Package health implements the Health Probe (spec §4.3, component C3): a
// TCP listener whose only job is to accept and close connections, plus
// the agent-side check registration instructing the KV agent to poll that
// port.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/clustererr"
	"github.com/mrofi/vertx-consul-clustermanager/internal/consulkv"
)

// Gateway is the slice of consulkv.Gateway the Health Probe needs.
type Gateway interface {
	RegisterCheck(ctx context.Context, reg consulkv.CheckRegistration) error
	DeregisterCheck(ctx context.Context, checkID string) error
}

// Probe owns one TCP listener exclusively; it has no writable shared
// state (§5).
type Probe struct {
	gw  Gateway
	log *zap.Logger

	ln      net.Listener
	port    int
	checkID string

	stop chan struct{}
	done chan struct{}
}

// New constructs an unstarted Probe.
func New(gw Gateway, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{gw: gw, log: logger.With(zap.String("component", "health"))}
}

// Start picks a free TCP port in [portLow, portHigh] by opportunistic
// bind, starts the accept-and-close listener, and registers a TCP check
// against it bound to serviceID (§4.3). Returns the allocated port.
func (p *Probe) Start(ctx context.Context, serviceID, checkID string, portLow, portHigh int, interval, deregisterAfter time.Duration) (int, error) {
	ln, port, err := bindFreePort(portLow, portHigh)
	if err != nil {
		return 0, clustererr.Transportf("health.bind", err)
	}

	p.ln = ln
	p.port = port
	p.checkID = checkID
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.acceptLoop()

	host, _, err := net.SplitHostPort(ln.Addr().String())
	if err != nil || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	err = p.gw.RegisterCheck(ctx, consulkv.CheckRegistration{
		CheckID:                 checkID,
		ServiceID:               serviceID,
		TCPAddr:                 fmt.Sprintf("%s:%d", host, port),
		Interval:                interval,
		DeregisterAfterCritical: deregisterAfter,
	})
	if err != nil {
		p.stopListener()
		return 0, err
	}

	p.log.Info("health probe started", zap.Int("port", port), zap.String("check_id", checkID))
	return port, nil
}

// Port returns the allocated listener port.
func (p *Probe) Port() int { return p.port }

// Stop deregisters the check and closes the listener. Both steps are
// attempted regardless of the other's failure (§4.4 leave() contract).
// The returned error is the check deregistration's; closing the listener
// reports no error.
func (p *Probe) Stop(ctx context.Context) error {
	var checkErr error
	if p.checkID != "" {
		checkErr = p.gw.DeregisterCheck(ctx, p.checkID)
	}
	p.stopListener()
	return checkErr
}

func (p *Probe) stopListener() {
	if p.ln == nil {
		return
	}
	close(p.stop)
	_ = p.ln.Close()
	<-p.done
}

func (p *Probe) acceptLoop() {
	defer close(p.done)
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
				p.log.Debug("accept failed, listener likely closing", zap.Error(err))
				return
			}
		}
		p.log.Debug("health probe accepted connection", zap.String("remote", conn.RemoteAddr().String()))
		_ = conn.Close()
	}
}

// bindFreePort tries a random starting point in [low, high] and scans
// forward, wrapping once, until a bind succeeds. Randomizing the start
// avoids every node in a freshly started cluster racing for port `low`.
func bindFreePort(low, high int) (net.Listener, int, error) {
	if low <= 0 || high < low {
		return nil, 0, fmt.Errorf("invalid port range [%d,%d]", low, high)
	}
	span := high - low + 1
	start := low + rand.Intn(span)

	var lastErr error
	for i := 0; i < span; i++ {
		port := low + (start-low+i)%span
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free TCP port in [%d,%d]: %w", low, high, lastErr)
}

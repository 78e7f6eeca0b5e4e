// Command clusterdemo is a thin embedding application standing in for
// the "embedded application framework" the core spec treats as an
// out-of-scope external collaborator: it joins the cluster and exposes
// the four primitives over HTTP, the way the teacher's src/main.go wires
// its store behind an Echo server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/cluster"
	"github.com/mrofi/vertx-consul-clustermanager/internal/config"
)

func main() {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := zapConfig.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	cfg := config.FromEnv()
	nodeID := uuid.New().String()

	cl, err := cluster.New(cfg, nodeID, logger)
	if err != nil {
		logger.Fatal("failed to construct cluster", zap.Error(err))
	}

	cl.SetListener(loggingListener{logger})

	joinCtx, joinCancel := context.WithTimeout(context.Background(), cfg.JoinTimeout+5*time.Second)
	defer joinCancel()
	if err := cl.Join(joinCtx); err != nil {
		logger.Fatal("failed to join cluster", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true

	h := newDemoHandler(cl)
	setupRoutes(e, h)

	port := os.Getenv("DEMO_PORT")
	if port == "" {
		port = "8081"
	}

	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer leaveCancel()
	if err := cl.Leave(leaveCtx); err != nil {
		logger.Error("cluster leave reported errors", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

type loggingListener struct {
	log *zap.Logger
}

func (l loggingListener) NodeAdded(id string) { l.log.Info("node added", zap.String("node_id", id)) }
func (l loggingListener) NodeLeft(id string)  { l.log.Info("node left", zap.String("node_id", id)) }

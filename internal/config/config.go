// Package config holds the configuration record the cluster façade and
// every component it assembles are built from. There is no CLI or
// environment-variable surface in the core itself (spec §6); FromEnv and
// its getEnv/getEnvInt helpers exist only for the cmd/clusterdemo binary that
// wraps it, mirroring the teacher's src/config/config.go.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the configuration record the façade accepts (§6).
type Config struct {
	// KVHost/KVPort locate the KV agent. Default localhost:8500.
	KVHost string
	KVPort int

	// TCPProbePortLow/High bound the health-probe listener's port search.
	// Default (2000, 64000).
	TCPProbePortLow  int
	TCPProbePortHigh int

	// CheckInterval is how often the agent polls the TCP check. Default 10s.
	CheckInterval time.Duration
	// DeregisterAfterCritical is how long a critical check survives before
	// the agent deregisters it and invalidates bound sessions. Default 60s.
	DeregisterAfterCritical time.Duration

	// JoinTimeout bounds the whole join() pipeline. Default 30s.
	JoinTimeout time.Duration

	// LockDefaultTimeout is a default tryLock timeout for callers to use.
	// Default 10s. Lock.TryLock itself always takes an explicit timeout and
	// never reads this field.
	LockDefaultTimeout time.Duration

	// ClusteringTag is the service tag identifying cluster members.
	// Default "vertx-clustering".
	ClusteringTag string
}

// NewConfig returns the defaults from §6.
func NewConfig() *Config {
	return &Config{
		KVHost:                  "localhost",
		KVPort:                  8500,
		TCPProbePortLow:         2000,
		TCPProbePortHigh:        64000,
		CheckInterval:           10 * time.Second,
		DeregisterAfterCritical: 60 * time.Second,
		JoinTimeout:             30 * time.Second,
		LockDefaultTimeout:      10 * time.Second,
		ClusteringTag:           "vertx-clustering",
	}
}

// FromEnv overlays environment variables onto the defaults. Used only by
// cmd/clusterdemo; the core library never reads the environment itself.
func FromEnv() *Config {
	cfg := NewConfig()
	cfg.KVHost = getEnv("CONSUL_HOST", cfg.KVHost)
	cfg.KVPort = getEnvInt("CONSUL_PORT", cfg.KVPort)
	cfg.TCPProbePortLow = getEnvInt("PROBE_PORT_LOW", cfg.TCPProbePortLow)
	cfg.TCPProbePortHigh = getEnvInt("PROBE_PORT_HIGH", cfg.TCPProbePortHigh)
	cfg.CheckInterval = getEnvDuration("CHECK_INTERVAL", cfg.CheckInterval)
	cfg.DeregisterAfterCritical = getEnvDuration("DEREGISTER_AFTER_CRITICAL", cfg.DeregisterAfterCritical)
	cfg.JoinTimeout = getEnvDuration("JOIN_TIMEOUT", cfg.JoinTimeout)
	cfg.LockDefaultTimeout = getEnvDuration("LOCK_DEFAULT_TIMEOUT", cfg.LockDefaultTimeout)
	cfg.ClusteringTag = getEnv("CLUSTERING_TAG", cfg.ClusteringTag)
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

// Package keys centralizes the on-wire key layout from spec §3 so every
// component agrees, byte for byte, on where things live in the KV tree.
package keys

import "strings"

// Prefixes, bit-exact per §6 ("Implementers MUST use the exact prefixes").
const (
	HAInfoPrefix   = "__vertx.haInfo/"
	SubsPrefix     = "__vertx.subs/"
	CountersPrefix = "__vertx.counters/"
	LocksPrefix    = "__vertx.locks/"
)

// HAInfo builds the key for a single HA-info entry.
func HAInfo(key string) string { return HAInfoPrefix + key }

// SubsAddress builds the prefix for every subscriber of address.
func SubsAddress(address string) string { return SubsPrefix + address + "/" }

// Sub builds the key for one (address, nodeId) subscription entry.
func Sub(address, nodeID string) string { return SubsAddress(address) + nodeID }

// Counter builds the key for a named counter.
func Counter(name string) string { return CountersPrefix + name }

// Lock builds the key for a named lock.
func Lock(name string) string { return LocksPrefix + name }

// TrailingSegment returns the last '/'-separated segment of key, the form
// the watch-driven cache (C5) indexes entries by.
func TrailingSegment(key string) string {
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

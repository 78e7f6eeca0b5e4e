package consulkv

import (
	"context"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// PrefixHandler receives consecutive (previous, next) flat snapshots of a
// watched prefix. It must not block (§5): make no KV calls; offload slow work
// to a worker goroutine, never call back into the gateway synchronously.
// Declared as an alias, not a defined type, so callers can pass a plain
// func(prev, next map[string][]byte) literal anywhere a Gateway interface
// names the parameter that way (watchcache.Gateway, node.Gateway).
type PrefixHandler = func(prev, next map[string][]byte)

// longPollWaitTime bounds each individual blocking query. Consul caps
// WaitTime server-side around 10 minutes; this is comfortably inside that
// and short enough that a cancelled watch notices promptly.
const longPollWaitTime = 5 * time.Minute

// WatchPrefix subscribes to prefix and delivers a snapshot diff on every
// change, blocking until ctx is cancelled. The first delivery has prev ==
// nil (the sentinel §4.4 describes for the membership watcher, reused
// here for every prefix watch): callers seed their own initial state and
// should not treat it as "everything just got added."
//
// Consecutive invocations for a single prefix are serialized by
// construction — this is a single goroutine issuing one blocking query at
// a time — satisfying §5's "at-most-one handler invocation in flight."
func (g *Gateway) WatchPrefix(ctx context.Context, prefix string, handler PrefixHandler) error {
	log := g.log.With(zap.String("prefix", prefix))

	var lastIndex uint64
	var prev map[string][]byte
	first := true

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		q := &consulapi.QueryOptions{WaitIndex: lastIndex, WaitTime: longPollWaitTime}
		next, meta, err := g.list(ctx, prefix, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("watch poll failed, retrying", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		if meta.LastIndex == lastIndex && !first {
			// No change within the long-poll window; re-issue the blocking
			// query rather than deliver a no-op diff.
			continue
		}
		lastIndex = meta.LastIndex

		if first {
			handler(nil, next)
			first = false
		} else if !snapshotsEqual(prev, next) {
			handler(prev, next)
		}
		prev = next
	}
}

func snapshotsEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || string(v) != string(bv) {
			return false
		}
	}
	return true
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for liveness judgement. A connection silent longer than the
// silence limit is considered dead and proactively closed; the bot side
// owns reconnection.
const (
	DefaultSilenceLimit  = 29 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// DetachFunc observes an identity losing its connection entirely
// (transport closed or liveness expired, not replaced by a reconnect).
type DetachFunc func(identity string)

// Registry tracks one authoritative live connection per bot identity.
type Registry struct {
	log          *zap.Logger
	silenceLimit time.Duration

	mu       sync.RWMutex
	conns    map[string]*Conn
	onDetach []DetachFunc
}

// NewRegistry creates a registry with the given liveness window.
// A non-positive silenceLimit falls back to the default.
func NewRegistry(log *zap.Logger, silenceLimit time.Duration) *Registry {
	if silenceLimit <= 0 {
		silenceLimit = DefaultSilenceLimit
	}
	return &Registry{
		log:          log,
		silenceLimit: silenceLimit,
		conns:        make(map[string]*Conn),
	}
}

// OnDetach registers an observer for identity-level disconnects. Must
// be called during wiring, before connections arrive.
func (r *Registry) OnDetach(fn DetachFunc) {
	r.onDetach = append(r.onDetach, fn)
}

// Attach registers conn as the authoritative connection for identity.
// An existing connection under the same identity is failed and closed
// first: split-brain delivery of calls is never allowed. Replacement
// does not count as a detach of the identity.
func (r *Registry) Attach(identity string, conn *Conn) {
	conn.setIdentity(identity)

	r.mu.Lock()
	old := r.conns[identity]
	r.conns[identity] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		r.log.Info("Replacing duplicate bot connection",
			zap.String("identity", identity),
			zap.String("old_addr", old.RemoteAddr()),
			zap.String("new_addr", conn.RemoteAddr()),
		)
		old.failAll(NewCallError(KindTransportError, "connection to bot %s replaced", identity))
		old.close()
	}
}

// Detach removes conn if it is still the registered connection for its
// identity, failing all of its outstanding calls with TRANSPORT_ERROR
// and closing the transport. Safe to call multiple times and for
// connections that never authenticated. Returns true if conn was the
// registered connection; a false return means it had already been
// replaced or removed.
func (r *Registry) Detach(conn *Conn) bool {
	identity := conn.Identity()

	removed := false
	if identity != "" {
		r.mu.Lock()
		if r.conns[identity] == conn {
			delete(r.conns, identity)
			removed = true
		}
		r.mu.Unlock()
	}

	conn.failAll(NewCallError(KindTransportError, "connection to bot %s lost", identity))
	conn.close()

	if removed {
		r.log.Info("Bot detached",
			zap.String("identity", identity),
			zap.String("addr", conn.RemoteAddr()),
		)
		for _, fn := range r.onDetach {
			fn(identity)
		}
	}
	return removed
}

// Lookup returns the live connection for identity. A false return is a
// first-class, expected outcome: the bot is offline, callers treat it
// as retryable state.
func (r *Registry) Lookup(identity string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[identity]
	return conn, ok
}

// IsLive reports whether identity has a registered connection that is
// inside the liveness window.
func (r *Registry) IsLive(identity string) bool {
	conn, ok := r.Lookup(identity)
	return ok && conn.SilentFor() <= r.silenceLimit
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Identities returns a snapshot of registered identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		out = append(out, identity)
	}
	return out
}

// StartSweeper runs the liveness sweep until ctx is cancelled,
// detaching connections whose silence exceeds the limit.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.RLock()
	stale := make([]*Conn, 0)
	for _, conn := range r.conns {
		if conn.SilentFor() > r.silenceLimit {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.log.Warn("Closing dead bot connection",
			zap.String("identity", conn.Identity()),
			zap.Duration("silent_for", conn.SilentFor()),
		)
		r.Detach(conn)
	}
}

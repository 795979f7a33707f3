// Package ratelimit implements a per-key fixed-window limiter over a
// pluggable counter store.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CounterStore increments the counter for key in the current window and
// returns the new count. The window TTL starts with the first increment.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type FixedWindow struct {
	store  CounterStore
	max    int64
	window time.Duration
	log    *zap.Logger
}

func NewFixedWindow(store CounterStore, max int, window time.Duration, log *zap.Logger) *FixedWindow {
	return &FixedWindow{
		store:  store,
		max:    int64(max),
		window: window,
		log:    log.Named("ratelimit"),
	}
}

// Allow reports whether key may proceed. Store failures let the request through.
func (l *FixedWindow) Allow(ctx context.Context, key string) bool {
	count, err := l.store.Incr(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		l.log.Warn("Rate limit store unavailable, allowing request", zap.Error(err))
		return true
	}
	return count <= l.max
}

// ClientIP picks the caller address: first X-Forwarded-For entry, then
// X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

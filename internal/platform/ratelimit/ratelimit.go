// Package ratelimit provides fixed-window request limiting keyed by caller
//
// Two limiters share one interface: a redis fixed window for multi-replica
// deployments and an in-process token bucket fallback for single binaries
// and tests. Both fail open; a broken limiter must never take the API down
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"time"

	pnet "hushh/internal/platform/net"
)

// Class names a limit bucket; each class carries its own window budget
type Class string

const (
	// ClassConsentRequest covers developer-initiated consent requests
	ClassConsentRequest Class = "consent_request"

	// ClassConsentAction covers approve/deny/revoke/logout
	ClassConsentAction Class = "consent_action"

	// ClassTokenValidation covers token validation probes
	ClassTokenValidation Class = "token_validation"

	// ClassGlobal is the per-caller ceiling across all routes
	ClassGlobal Class = "global"
)

// Limit is a per-minute budget for one class
type Limit struct {
	PerMinute int
	Window    time.Duration
}

// Limits maps classes to their default budgets
// Validation gets headroom because storage gateways call it on every read
var Limits = map[Class]Limit{
	ClassConsentRequest:  {PerMinute: 10, Window: time.Minute},
	ClassConsentAction:   {PerMinute: 20, Window: time.Minute},
	ClassTokenValidation: {PerMinute: 60, Window: time.Minute},
	ClassGlobal:          {PerMinute: 100, Window: time.Minute},
}

// Limiter answers whether one more request fits the caller's budget
type Limiter interface {
	// Allow returns false when the budget is exhausted, plus the wait
	// until the window resets so transports can set Retry-After
	Allow(ctx context.Context, class Class, key string) (bool, time.Duration, error)
}

// KeyFor derives the limit key for a request
// Authenticated callers are limited per user so one tenant cannot starve
// another behind a shared NAT; anonymous callers fall back to the peer IP
func KeyFor(r *http.Request) string {
	if uid := pnet.UserID(r.Context()); uid != "" {
		return "user:" + uid
	}
	if uid := r.Header.Get("X-User-Id"); uid != "" {
		return "user:" + uid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

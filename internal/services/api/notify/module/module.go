// Package module wires the notification bus into the API using modkit
package module

import (
	"net/http"
	"time"

	modkit "hushh/internal/modkit"
	"hushh/internal/modkit/httpkit"
	"hushh/internal/platform/metrics"

	nhttp "hushh/internal/services/api/notify/http"
	"hushh/internal/services/api/notify/stream"
)

// Ports declares the injected dependencies for this API module
type Ports struct {
	// Events is the consent ledger view the streams poll
	Events stream.Events

	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Module implements the notify API module
type Module struct {
	deps   modkit.Deps
	name   string
	prefix string

	mws   []func(http.Handler) http.Handler
	ports any

	subrouter func(httpkit.Router) httpkit.Router
	register  func(httpkit.Router)
}

// New constructs the notify module
func New(deps modkit.Deps, opts ...modkit.Option) modkit.Module {
	b := modkit.Build(append([]modkit.Option{
		modkit.WithName("notify"),
		modkit.WithPrefix("/events"),
	}, opts...)...)

	var injected Ports
	if p, ok := b.Ports.(Ports); ok {
		injected = p
	}
	if injected.Events == nil {
		panic("notify API module requires the consent Events port")
	}

	hopt := nhttp.Options{
		Production: deps.Cfg.MayBool("PRODUCTION_MODE", true),
		Metrics:    injected.Metrics,
		Stream: stream.Options{
			Heartbeat: deps.Cfg.MayDuration("SSE_HEARTBEAT", 30*time.Second),
			Poll:      deps.Cfg.MayDuration("SSE_POLL", 500*time.Millisecond),
			Timeout:   time.Duration(deps.Cfg.MayInt("CONSENT_TIMEOUT_SECONDS", 120)) * time.Second,
		},
	}

	m := &Module{
		deps:      deps,
		name:      b.Name,
		prefix:    b.Prefix,
		mws:       b.Mw,
		subrouter: b.Subrouter,
		ports:     injected,
	}

	external := b.Register
	m.register = func(r httpkit.Router) {
		nhttp.Register(r, injected.Events, hopt)
		if external != nil {
			external(r)
		}
	}
	return m
}

// MountRoutes mounts the module routes on the given router
func (m *Module) MountRoutes(r httpkit.Router) {
	r.Route(m.prefix, func(rr httpkit.Router) {
		for _, mw := range m.mws {
			rr.Use(mw)
		}
		if m.subrouter != nil {
			rr = m.subrouter(rr)
		}
		if m.register != nil {
			m.register(rr)
		}
	})
}

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Prefix returns the module route prefix
func (m *Module) Prefix() string { return m.prefix }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

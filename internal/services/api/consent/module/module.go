// Package module wires consent into the API using modkit
package module

import (
	"net/http"

	"hushh/internal/core/gate"
	modkit "hushh/internal/modkit"
	"hushh/internal/modkit/httpkit"
	"hushh/internal/platform/ratelimit"

	chttp "hushh/internal/services/api/consent/http"
	crepo "hushh/internal/services/api/consent/repo"
	csvc "hushh/internal/services/api/consent/service"
)

// Module implements the consent API module
type Module struct {
	deps   modkit.Deps
	name   string
	prefix string

	mws       []func(http.Handler) http.Handler
	ports     any
	swaggerOn bool

	subrouter func(httpkit.Router) httpkit.Router
	register  func(httpkit.Router)

	svc *csvc.Svc
}

// New constructs the consent module (config-driven, parity with other API modules)
func New(deps modkit.Deps, opts ...modkit.Option) modkit.Module {
	b := modkit.Build(append([]modkit.Option{
		modkit.WithName("consent"),
		modkit.WithPrefix("/consent"),
	}, opts...)...)

	cfg := FromConfig(deps.Cfg)

	var injected Ports
	if p, ok := b.Ports.(Ports); ok {
		injected = p
	}
	if injected.Codec == nil {
		panic("consent API module requires a token Codec port")
	}
	if injected.Registry == nil {
		panic("consent API module requires a developer Registry port")
	}

	svc := csvc.New(deps.PG, crepo.NewPG(), csvc.Options{
		Codec:          injected.Codec,
		Registry:       injected.Registry,
		Metrics:        injected.Metrics,
		Production:     cfg.Production,
		TokenTTL:       cfg.TokenTTL,
		DenialCooldown: cfg.DenialCooldown,
		ConsentTimeout: cfg.ConsentTimeout,
	})

	m := &Module{
		deps:      deps,
		name:      b.Name,
		prefix:    b.Prefix,
		mws:       b.Mw,
		swaggerOn: b.SwaggerOn,
		subrouter: b.Subrouter,
		svc:       svc,
	}
	m.ports = ConsentPorts{
		Service: svc,
		Reader:  svc,
		Gate:    gate.New(svc),
	}

	hopt := chttp.Options{Production: cfg.Production}
	if injected.Limiter != nil {
		hopt.LimitRequest = ratelimit.Middleware(injected.Limiter, ratelimit.ClassConsentRequest, injected.Metrics)
		hopt.LimitAction = ratelimit.Middleware(injected.Limiter, ratelimit.ClassConsentAction, injected.Metrics)
		hopt.LimitValidation = ratelimit.Middleware(injected.Limiter, ratelimit.ClassTokenValidation, injected.Metrics)
	}

	external := b.Register
	m.register = func(r httpkit.Router) {
		chttp.Register(r, m.svc, hopt)
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

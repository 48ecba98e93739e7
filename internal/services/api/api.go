// Package api assembles the consent service HTTP surface
package api

import (
	stdhttp "net/http"
	"time"

	"hushh/internal/core/token"
	"hushh/internal/platform/config"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/metrics"
	phttp "hushh/internal/platform/net/http"
	"hushh/internal/platform/ratelimit"
	"hushh/internal/platform/store"

	"hushh/internal/modkit"
	"hushh/internal/modkit/httpkit"
	"hushh/internal/modkit/module"
	"hushh/internal/modkit/swaggerkit"

	auditmod "hushh/internal/services/api/audit/module"
	chttp "hushh/internal/services/api/consent/http"
	consentmod "hushh/internal/services/api/consent/module"
	"hushh/internal/services/api/identity"
	metamod "hushh/internal/services/api/meta/module"
	nhttp "hushh/internal/services/api/notify/http"
	notifymod "hushh/internal/services/api/notify/module"
	"hushh/internal/services/api/notify/stream"
	"hushh/internal/services/api/registry"
)

// Options are the API options
type Options struct {
	Config   config.Conf
	Store    *store.Store
	Logger   *logger.Logger
	Codec    *token.Codec
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	EnableSwagger  bool
	EnableProfiler bool
}

// Mount mounts the API service onto the given router
func Mount(r phttp.Router, opt Options) {
	deps := modkit.Deps{
		Cfg: opt.Config,
		PG:  opt.Store.PG,
		CH:  opt.Store.CH,
		RD:  opt.Store.Redis,
	}
	if opt.Logger != nil {
		deps.Log = *opt.Logger
	}

	auth := httpkit.Auth(identity.New(identity.FromConfig(opt.Config)))

	// redis-backed limiting when the store carries redis, else per-process
	var limiter ratelimit.Limiter
	if opt.Store.Redis != nil {
		limiter = ratelimit.NewRedis(opt.Store.Redis)
	} else {
		limiter = ratelimit.NewLocal()
	}
	global := ratelimit.Middleware(limiter, ratelimit.ClassGlobal, opt.Metrics)

	consent := consentmod.New(
		deps,
		modkit.WithPorts(consentmod.Ports{
			Codec:    opt.Codec,
			Registry: opt.Registry,
			Metrics:  opt.Metrics,
			Limiter:  limiter,
		}),
	)
	consentPorts := module.MustPortsOf[consentmod.ConsentPorts](consent)

	notify := notifymod.New(
		deps,
		modkit.WithPorts(notifymod.Ports{
			Events:  consentPorts.Reader,
			Metrics: opt.Metrics,
		}),
	)

	mods := []module.Module{
		metamod.New(deps, modkit.WithPrefix("/")),
		consent,
		notify,
		auditmod.New(deps),
	}

	stack := append(httpkit.CommonStack(), auth, global)

	httpkit.MountAPIV1(r, stack, func(api httpkit.Router) {
		swaggerkit.Mount(r, opt.EnableSwagger)
		phttp.MountProfiler(r, "/debug", opt.EnableProfiler)

		for _, m := range mods {
			module.Register(m.Name(), m.Ports())
			m.MountRoutes(api)
		}

		// stable developer entry predating the /consent prefix
		production := opt.Config.MayBool("PRODUCTION_MODE", true)
		chttp.RegisterDeveloperEntry(api, consentPorts.Service, chttp.Options{
			Production:   production,
			LimitRequest: ratelimit.Middleware(limiter, ratelimit.ClassConsentRequest, opt.Metrics),
		})
	})

	// unversioned session surface kept for deployed clients
	mountLegacy(r, stack, consentPorts, limiter, opt)

	if opt.Metrics != nil {
		r.Handle("/metrics", opt.Metrics.Handler())
	}

	// plain heartbeat for load balancers; /api/v1/health carries detail
	r.Get("/health", func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func mountLegacy(
	r phttp.Router,
	stack []func(stdhttp.Handler) stdhttp.Handler,
	ports consentmod.ConsentPorts,
	limiter ratelimit.Limiter,
	opt Options,
) {
	production := opt.Config.MayBool("PRODUCTION_MODE", true)

	r.Route("/api/consent", func(rr phttp.Router) {
		rr.Use(stack...)

		chttp.RegisterLegacy(rr, ports.Service, chttp.Options{
			Production:  production,
			LimitAction: ratelimit.Middleware(limiter, ratelimit.ClassConsentAction, opt.Metrics),
		})

		rr.Route("/events", func(ev phttp.Router) {
			nhttp.Register(ev, ports.Reader, nhttp.Options{
				Production: production,
				Metrics:    opt.Metrics,
				Stream: stream.Options{
					Timeout: time.Duration(opt.Config.MayInt("CONSENT_TIMEOUT_SECONDS", 120)) * time.Second,
				},
			})
		})
	})
}

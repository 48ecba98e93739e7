// @title         Hushh Consent API
// @version       0.1.0
// @description   Consent and scope authorization for personal data vaults

package main

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"hushh/internal/core/token"
	"hushh/internal/platform/config"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/metrics"
	phttp "hushh/internal/platform/net/http"
	"hushh/internal/platform/store"

	"hushh/internal/services/api"
	crepo "hushh/internal/services/api/consent/repo"
	"hushh/internal/services/api/registry"
	audit "hushh/internal/services/audit/service"
)

func main() {
	cfg := config.New()
	logger.Init(logger.FromEnv())
	l := logger.Get()

	// the HMAC secret guards every token ever minted; refuse to boot without it
	codec := token.New([]byte(cfg.MustString("SECRET_KEY")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(
		ctx,
		store.Config{
			AppName: "hushh-api",
			PG: store.PGConfig{
				Enabled:  true,
				URL:      cfg.MustString("DATABASE_URL"),
				MaxConns: int32(cfg.MayInt("PG_POOL_MAX", 16)),
				LogSQL:   cfg.MayBool("PG_LOG_SQL", false),
			},
			CH: store.CHConfig{
				Enabled: cfg.MayString("CLICKHOUSE_URL", "") != "",
				URL:     cfg.MayString("CLICKHOUSE_URL", ""),
			},
			RDS: store.RedisConfig{
				Enabled: cfg.MayString("REDIS_ADDR", "") != "",
				Addr:    cfg.MayString("REDIS_ADDR", ""),
				DB:      cfg.MayInt("REDIS_DB", 0),
			},
		},
		store.WithLogger(*l),
	)
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	reg := registry.Empty()
	if path := cfg.MayString("REGISTRY_PATH", ""); path != "" {
		reg, err = registry.Load(path)
		if err != nil {
			l.Panic().Err(err).Str("path", path).Msg("developer registry load failed")
		}
	} else {
		l.Warn().Msg("REGISTRY_PATH unset; every developer request will be rejected")
	}

	met := metrics.New()

	srv := phttp.NewServer(cfg)
	api.Mount(
		srv.Router(),
		api.Options{
			Config:         cfg,
			Store:          st,
			Logger:         l,
			Codec:          codec,
			Registry:       reg,
			Metrics:        met,
			EnableSwagger:  cfg.MayBool("SWAGGER", false),
			EnableProfiler: cfg.MayBool("PROFILER", false),
		},
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	// audit mirror rides along only when clickhouse is configured
	if st.CH != nil {
		pump := audit.New(st.PG, crepo.NewPG(), st.CH, audit.Options{})
		g.Go(func() error {
			err := pump.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		l.Panic().Err(err).Msg("api stopped")
	}
	l.Info().Msg("api shut down cleanly")
}

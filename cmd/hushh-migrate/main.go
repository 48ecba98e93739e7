// hushh-migrate applies the consent schema with goose
//
// usage: hushh-migrate [up|down|status] (default up)
package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"hushh/internal/platform/config"
	"hushh/internal/platform/logger"
	"hushh/migrations"
)

func main() {
	cfg := config.New()
	logger.Init(logger.FromEnv())
	l := logger.Get()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	db, err := sql.Open("pgx", cfg.MustString("DATABASE_URL"))
	if err != nil {
		l.Panic().Err(err).Msg("open database failed")
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		l.Panic().Err(err).Msg("goose dialect")
	}

	ctx := context.Background()
	switch cmd {
	case "up":
		err = goose.UpContext(ctx, db, ".")
	case "down":
		err = goose.DownContext(ctx, db, ".")
	case "status":
		err = goose.StatusContext(ctx, db, ".")
	default:
		l.Panic().Str("cmd", cmd).Msg("unknown command, want up, down, or status")
	}
	if err != nil {
		l.Panic().Err(err).Str("cmd", cmd).Msg("migration failed")
	}
	l.Info().Str("cmd", cmd).Msg("migrations complete")
}

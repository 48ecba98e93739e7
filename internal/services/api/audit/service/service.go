// Package service answers audit summary reads
package service

import (
	"context"
	"time"

	"hushh/internal/modkit/repokit"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/store"
	"hushh/internal/services/api/audit/domain"
	"hushh/internal/services/api/audit/repo"
	audit "hushh/internal/services/audit/service"
)

// Service is the public service port
type Service interface {
	Summary(ctx context.Context, userID string, days int) (domain.Summary, error)
}

// Svc implements the service port
// ClickHouse serves the aggregate when configured; any CH failure falls
// back to the postgres ledger so the endpoint works on demo installs
type Svc struct {
	repo  repo.Repo
	ch    store.Clickhouse
	log   *logger.Logger
	clock func() time.Time
}

// New constructs the service; ch may be nil
func New(db repokit.TxRunner, binder repokit.Binder[repo.Repo], ch store.Clickhouse) *Svc {
	if db == nil {
		panic("audit.Service requires a non nil TxRunner")
	}
	if binder == nil {
		panic("audit.Service requires a non nil Repo binder")
	}
	return &Svc{
		repo:  binder.Bind(db),
		ch:    ch,
		log:   logger.Named("audit"),
		clock: time.Now,
	}
}

// Summary aggregates performed operations per (scope, agent) over a window
func (s *Svc) Summary(ctx context.Context, userID string, days int) (domain.Summary, error) {
	if days < 1 || days > 365 {
		days = 30
	}
	sinceMs := s.clock().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	if s.ch != nil {
		rows, err := s.chSummary(ctx, userID, sinceMs)
		if err == nil {
			return domain.Summary{UserID: userID, Days: days, Source: "clickhouse", Rows: rows}, nil
		}
		s.log.Warn().Err(err).Msg("clickhouse summary failed, falling back to postgres")
	}

	rows, err := s.repo.Summary(ctx, userID, sinceMs)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.Summary{UserID: userID, Days: days, Source: "postgres", Rows: rows}, nil
}

func (s *Svc) chSummary(ctx context.Context, userID string, sinceMs int64) ([]domain.SummaryRow, error) {
	const sql = `
		SELECT scope, agent_id, count() AS operations,
		       toUnixTimestamp64Milli(min(occurred_at)) AS first_at,
		       toUnixTimestamp64Milli(max(occurred_at)) AS last_at
		FROM ` + audit.Table + `
		WHERE user_id = ? AND occurred_at >= fromUnixTimestamp64Milli(?)
		GROUP BY scope, agent_id
		ORDER BY operations DESC, scope ASC`

	rows, err := s.ch.Query(ctx, sql, userID, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SummaryRow
	for rows.Next() {
		var (
			sr  domain.SummaryRow
			ops uint64
		)
		if err := rows.Scan(&sr.Scope, &sr.AgentID, &ops, &sr.FirstAt, &sr.LastAt); err != nil {
			return nil, err
		}
		sr.Operations = int64(ops)
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package service mirrors the operation trail into ClickHouse
//
// The mirror is an analytics copy, not a system of record. It may run
// behind the ledger and it may drop cycles while the breaker is open;
// the Postgres ledger stays authoritative either way
package service

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"hushh/internal/modkit/repokit"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/store"
	"hushh/internal/services/api/consent/domain"
	crepo "hushh/internal/services/api/consent/repo"
)

// Table is the ClickHouse mirror table name
const Table = "consent_operations"

const ddl = `
CREATE TABLE IF NOT EXISTS consent_operations (
  id          Int64,
  event_key   String,
  user_id     String,
  agent_id    String,
  scope       String,
  detail      String,
  occurred_at DateTime64(3)
)
ENGINE = MergeTree
ORDER BY (user_id, occurred_at)
`

// Options tune the pump
type Options struct {
	// Interval is the poll cadence (2s when zero)
	Interval time.Duration

	// Batch is the max rows copied per cycle (200 when zero)
	Batch int
}

// Svc is the audit mirror pump
type Svc struct {
	repo crepo.Repo
	ch   store.Clickhouse
	brk  *gobreaker.CircuitBreaker
	log  *logger.Logger

	interval time.Duration
	batch    int
	cursor   int64
}

// New constructs the pump
func New(db repokit.TxRunner, binder repokit.Binder[crepo.Repo], ch store.Clickhouse, opt Options) *Svc {
	if db == nil {
		panic("audit pump requires a non nil TxRunner")
	}
	if binder == nil {
		panic("audit pump requires a non nil Repo binder")
	}
	if ch == nil {
		panic("audit pump requires a clickhouse store")
	}
	if opt.Interval <= 0 {
		opt.Interval = 2 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}

	brk := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit-ch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})

	return &Svc{
		repo:     binder.Bind(db),
		ch:       ch,
		brk:      brk,
		log:      logger.Named("audit-pump"),
		interval: opt.Interval,
		batch:    opt.Batch,
	}
}

// Run drives the pump until the context ends
// The cursor resumes from the mirror's high-water mark so restarts do not
// duplicate rows
func (s *Svc) Run(ctx context.Context) error {
	if err := s.EnsureTable(ctx); err != nil {
		return err
	}
	if err := s.loadCursor(ctx); err != nil {
		s.log.Warn().Err(err).Msg("cursor load failed, starting from zero")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.cycle(ctx); err != nil {
				s.log.Warn().Err(err).Int64("cursor", s.cursor).Msg("mirror cycle failed")
			}
		}
	}
}

// EnsureTable creates the mirror table when missing
func (s *Svc) EnsureTable(ctx context.Context) error {
	return s.ch.Exec(ctx, ddl)
}

func (s *Svc) loadCursor(ctx context.Context) error {
	rows, err := s.ch.Query(ctx, "SELECT max(id) FROM "+Table)
	if err != nil {
		return err
	}
	defer rows.Close()

	if rows.Next() {
		var maxID int64
		if err := rows.Scan(&maxID); err != nil {
			return err
		}
		s.cursor = maxID
	}
	return rows.Err()
}

func (s *Svc) cycle(ctx context.Context) error {
	evs, err := s.repo.OperationsAfter(ctx, s.cursor, s.batch)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(evs))
	for _, ev := range evs {
		rows = append(rows, operationRow(ev))
	}

	_, err = s.brk.Execute(func() (any, error) {
		return nil, s.ch.Insert(ctx, Table, rows)
	})
	if err != nil {
		return err
	}

	s.cursor = evs[len(evs)-1].ID
	s.log.Debug().Int("rows", len(rows)).Int64("cursor", s.cursor).Msg("mirrored operations")
	return nil
}

func operationRow(ev domain.Event) []any {
	detail := ""
	if ev.Metadata != nil {
		if d, ok := ev.Metadata["detail"].(string); ok {
			detail = d
		}
	}
	return []any{
		ev.ID,
		ev.EventKey,
		ev.UserID,
		ev.AgentID,
		ev.ScopeStr,
		detail,
		time.UnixMilli(ev.IssuedAt).UTC(),
	}
}

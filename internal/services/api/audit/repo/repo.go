// Package repo provides the postgres aggregate behind the audit summary
package repo

import (
	"context"

	"hushh/internal/modkit/repokit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/services/api/audit/domain"
)

// Repo is the minimal persistence surface for audit summaries
type Repo interface {
	Summary(ctx context.Context, userID string, sinceMs int64) ([]domain.SummaryRow, error)
}

type (
	// PG is a binder that can bind the repo to a Queryer or TxRunner
	PG struct{}
	// queries implements the Repo interface
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder that can bind the repo to a Queryer or TxRunner
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind wires a Queryer to the repo
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

func (r *queries) Summary(ctx context.Context, userID string, sinceMs int64) ([]domain.SummaryRow, error) {
	const sql = `
		SELECT scope, agent_id, COUNT(*) AS operations,
		       MIN(issued_at) AS first_at, MAX(issued_at) AS last_at
		FROM consent_ledger
		WHERE user_id = $1
		  AND action = 'OPERATION_PERFORMED'
		  AND issued_at >= $2
		GROUP BY scope, agent_id
		ORDER BY operations DESC, scope ASC`

	rows, err := r.q.Query(ctx, sql, userID, sinceMs)
	if err != nil {
		return nil, perr.FromPostgres(err, "audit summary")
	}
	defer rows.Close()

	var out []domain.SummaryRow
	for rows.Next() {
		var sr domain.SummaryRow
		if err := rows.Scan(&sr.Scope, &sr.AgentID, &sr.Operations, &sr.FirstAt, &sr.LastAt); err != nil {
			return nil, perr.FromPostgres(err, "audit summary scan")
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "audit summary rows")
	}
	return out, nil
}

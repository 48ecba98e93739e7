// Package repo provides the consent ledger repository implementation
//
// The ledger is append only: the only write against consent_ledger is an
// INSERT. Every current-state read is a projection choosing the latest event
// per group, ordered by issued_at with id as the tiebreak
package repo

import (
	"context"
	"encoding/json"
	"time"

	"hushh/internal/modkit/repokit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/services/api/consent/domain"
)

// Repo is the consent persistence surface used by the service layer
type Repo interface {
	Append(ctx context.Context, ev domain.Event) (int64, error)

	ClaimPending(ctx context.Context, userID, scopeStr, requestID string, pollTimeoutAt, nowMs int64) (bool, string, error)
	ReleasePending(ctx context.Context, userID, scopeStr, requestID string) error

	Pending(ctx context.Context, userID string, nowMs int64) ([]domain.PendingRequest, error)
	PendingFor(ctx context.Context, userID, scopeStr string, nowMs int64) (*domain.PendingRequest, error)
	Active(ctx context.Context, userID string, nowMs int64) ([]domain.ActiveToken, error)
	ActiveFor(ctx context.Context, userID, scopeStr string, nowMs int64) (*domain.ActiveToken, error)
	IsActive(ctx context.Context, userID, scopeStr string, nowMs int64) (bool, error)
	History(ctx context.Context, userID string, page, limit int) ([]domain.Event, int, error)
	RequestByID(ctx context.Context, userID, requestID string) (*domain.Event, error)
	Resolved(ctx context.Context, userID, requestID string) (*domain.Event, error)
	RecentEventsAfter(ctx context.Context, userID string, sinceMs int64, limit int) ([]domain.Event, error)
	RecentlyDenied(ctx context.Context, userID, scopeStr string, cooldown time.Duration, nowMs int64) (bool, error)
	OperationsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)

	InsertRevocation(ctx context.Context, rec domain.RevocationRecord) error
	RevocationByHash(ctx context.Context, tokenHash string) (*domain.RevocationRecord, error)
	RevocationsForUser(ctx context.Context, userID string) ([]domain.RevocationRecord, error)
}

type (
	// PG is a Postgres implementation of the consent repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

// eventCols is the canonical select list for ledger rows
const eventCols = `id, token_id, user_id, agent_id, scope, action, request_id,
	scope_description, issued_at, expires_at, poll_timeout_at, metadata`

// Append inserts one event and returns its id
// The ledger itself has no update or delete path; only the guard table churns
func (r *queries) Append(ctx context.Context, ev domain.Event) (int64, error) {
	const sql = `
		INSERT INTO consent_ledger (
			token_id, user_id, agent_id, scope, action, request_id,
			scope_description, issued_at, expires_at, poll_timeout_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		RETURNING id`

	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeJSON, "marshal event metadata")
	}

	var id int64
	row := r.q.QueryRow(ctx, sql,
		ev.EventKey, ev.UserID, ev.AgentID, ev.ScopeStr, string(ev.Action), ev.RequestID,
		ev.ScopeDescription, ev.IssuedAt, ev.ExpiresAt, ev.PollTimeoutAt, mb,
	)
	if err := row.Scan(&id); err != nil {
		return 0, perr.FromPostgres(err, "consent_ledger append")
	}
	return id, nil
}

// ClaimPending takes the (user, scope) guard row that serializes racing
// requests. Exactly one caller wins per open window; losers get the holder's
// request id back. A guard whose poll window has lapsed is taken over in
// place. ON CONFLICT keeps the enclosing transaction alive on the losing side
func (r *queries) ClaimPending(
	ctx context.Context, userID, scopeStr, requestID string, pollTimeoutAt, nowMs int64,
) (bool, string, error) {
	const ins = `
		INSERT INTO consent_pending_guard (user_id, scope, request_id, poll_timeout_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, scope) DO NOTHING`

	tag, err := r.q.Exec(ctx, ins, userID, scopeStr, requestID, pollTimeoutAt)
	if err != nil {
		return false, "", perr.FromPostgres(err, "consent pending claim")
	}
	if tag.RowsAffected() == 1 {
		return true, requestID, nil
	}

	// a guard row exists; the row lock makes concurrent takeovers re-check
	// the window after the winner commits
	const steal = `
		UPDATE consent_pending_guard
		SET request_id = $3, poll_timeout_at = $4
		WHERE user_id = $1 AND scope = $2 AND poll_timeout_at <= $5`

	tag, err = r.q.Exec(ctx, steal, userID, scopeStr, requestID, pollTimeoutAt, nowMs)
	if err != nil {
		return false, "", perr.FromPostgres(err, "consent pending takeover")
	}
	if tag.RowsAffected() == 1 {
		return true, requestID, nil
	}

	var holder string
	row := r.q.QueryRow(ctx,
		`SELECT request_id FROM consent_pending_guard WHERE user_id = $1 AND scope = $2`,
		userID, scopeStr)
	if err := row.Scan(&holder); err != nil {
		return false, "", perr.FromPostgres(err, "consent pending holder")
	}
	return false, holder, nil
}

// ReleasePending drops the guard row once its request resolves
// The request id match keeps a late release from evicting a successor's claim
func (r *queries) ReleasePending(ctx context.Context, userID, scopeStr, requestID string) error {
	const sql = `
		DELETE FROM consent_pending_guard
		WHERE user_id = $1 AND scope = $2 AND request_id = $3`
	if _, err := r.q.Exec(ctx, sql, userID, scopeStr, requestID); err != nil {
		return perr.FromPostgres(err, "consent pending release")
	}
	return nil
}

// Pending projects the open requests for a user
// Latest event per request_id, kept only while still REQUESTED and inside the
// poll window
func (r *queries) Pending(ctx context.Context, userID string, nowMs int64) ([]domain.PendingRequest, error) {
	const sql = `
		SELECT last.request_id, last.agent_id, last.scope, last.scope_description,
		       last.issued_at, last.poll_timeout_at
		FROM (
			SELECT DISTINCT ON (request_id) *
			FROM consent_ledger
			WHERE user_id = $1 AND request_id IS NOT NULL
			ORDER BY request_id, issued_at DESC, id DESC
		) last
		WHERE last.action = 'REQUESTED' AND last.poll_timeout_at > $2
		ORDER BY last.issued_at DESC`

	rows, err := r.q.Query(ctx, sql, userID, nowMs)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent pending")
	}
	defer rows.Close()

	var out []domain.PendingRequest
	for rows.Next() {
		var p domain.PendingRequest
		if err := rows.Scan(&p.RequestID, &p.AgentID, &p.ScopeStr, &p.ScopeDescription,
			&p.RequestedAt, &p.PollTimeoutAt); err != nil {
			return nil, err
		}
		p.ExpiryHours = expiryHours(p.RequestedAt, p.PollTimeoutAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PendingFor returns the open request for one (user, scope) pair, if any
// The at-most-one-pending invariant makes LIMIT 1 sufficient
func (r *queries) PendingFor(
	ctx context.Context, userID, scopeStr string, nowMs int64,
) (*domain.PendingRequest, error) {
	const sql = `
		SELECT last.request_id, last.agent_id, last.scope, last.scope_description,
		       last.issued_at, last.poll_timeout_at
		FROM (
			SELECT DISTINCT ON (request_id) *
			FROM consent_ledger
			WHERE user_id = $1 AND scope = $2 AND request_id IS NOT NULL
			ORDER BY request_id, issued_at DESC, id DESC
		) last
		WHERE last.action = 'REQUESTED' AND last.poll_timeout_at > $3
		ORDER BY last.issued_at DESC
		LIMIT 1`

	rows, err := r.q.Query(ctx, sql, userID, scopeStr, nowMs)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent pending for scope")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var p domain.PendingRequest
	if err := rows.Scan(&p.RequestID, &p.AgentID, &p.ScopeStr, &p.ScopeDescription,
		&p.RequestedAt, &p.PollTimeoutAt); err != nil {
		return nil, err
	}
	p.ExpiryHours = expiryHours(p.RequestedAt, p.PollTimeoutAt)
	return &p, nil
}

// activeSQL projects grants: latest event per (user, scope) among GRANTED and
// REVOKED, kept only while GRANTED and unexpired. Comparison is plain string
// equality on the preserved scope, never anything broader
const activeSQL = `
	SELECT last.user_id, last.agent_id, last.scope, last.issued_at, last.expires_at,
	       last.token_id, COALESCE(last.metadata->>'token', '')
	FROM (
		SELECT DISTINCT ON (scope) *
		FROM consent_ledger
		WHERE user_id = $1 AND action IN ('CONSENT_GRANTED', 'REVOKED')
		ORDER BY scope, issued_at DESC, id DESC
	) last
	WHERE last.action = 'CONSENT_GRANTED' AND last.expires_at > $2`

// Active projects every live grant for a user
func (r *queries) Active(ctx context.Context, userID string, nowMs int64) ([]domain.ActiveToken, error) {
	rows, err := r.q.Query(ctx, activeSQL+` ORDER BY last.issued_at DESC`, userID, nowMs)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent active")
	}
	defer rows.Close()

	var out []domain.ActiveToken
	for rows.Next() {
		var a domain.ActiveToken
		if err := rows.Scan(&a.UserID, &a.AgentID, &a.ScopeStr, &a.IssuedAt, &a.ExpiresAt,
			&a.EventKey, &a.Token); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveFor returns the live grant for one (user, scope) pair, if any
func (r *queries) ActiveFor(
	ctx context.Context, userID, scopeStr string, nowMs int64,
) (*domain.ActiveToken, error) {
	rows, err := r.q.Query(ctx, activeSQL+` AND last.scope = $3 LIMIT 1`, userID, nowMs, scopeStr)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent active for scope")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var a domain.ActiveToken
	if err := rows.Scan(&a.UserID, &a.AgentID, &a.ScopeStr, &a.IssuedAt, &a.ExpiresAt,
		&a.EventKey, &a.Token); err != nil {
		return nil, err
	}
	return &a, nil
}

// IsActive reports grant existence without materializing the row
func (r *queries) IsActive(ctx context.Context, userID, scopeStr string, nowMs int64) (bool, error) {
	a, err := r.ActiveFor(ctx, userID, scopeStr, nowMs)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// History pages the raw ledger newest first with an exact total
func (r *queries) History(ctx context.Context, userID string, page, limit int) ([]domain.Event, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	total, err := countForUser(ctx, r.q, userID)
	if err != nil {
		return nil, 0, err
	}

	sql := `SELECT ` + eventCols + `
		FROM consent_ledger
		WHERE user_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.q.Query(ctx, sql, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, perr.FromPostgres(err, "consent history")
	}
	defer rows.Close()

	evs, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return evs, total, nil
}

func countForUser(ctx context.Context, q repokit.Queryer, userID string) (int, error) {
	var total int
	row := q.QueryRow(ctx, `SELECT COUNT(*) FROM consent_ledger WHERE user_id = $1`, userID)
	if err := row.Scan(&total); err != nil {
		return 0, perr.FromPostgres(err, "consent history count")
	}
	return total, nil
}

// RequestByID returns the latest event for a request id, regardless of action
func (r *queries) RequestByID(ctx context.Context, userID, requestID string) (*domain.Event, error) {
	sql := `SELECT ` + eventCols + `
		FROM consent_ledger
		WHERE user_id = $1 AND request_id = $2
		ORDER BY issued_at DESC, id DESC
		LIMIT 1`
	return r.one(ctx, sql, userID, requestID)
}

// Resolved returns the latest GRANTED or DENIED event for a request id
func (r *queries) Resolved(ctx context.Context, userID, requestID string) (*domain.Event, error) {
	sql := `SELECT ` + eventCols + `
		FROM consent_ledger
		WHERE user_id = $1 AND request_id = $2
		  AND action IN ('CONSENT_GRANTED', 'CONSENT_DENIED')
		ORDER BY issued_at DESC, id DESC
		LIMIT 1`
	return r.one(ctx, sql, userID, requestID)
}

// RecentEventsAfter feeds the notification bus poll loop
// Oldest first so subscribers replay in ledger order
func (r *queries) RecentEventsAfter(
	ctx context.Context, userID string, sinceMs int64, limit int,
) ([]domain.Event, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	sql := `SELECT ` + eventCols + `
		FROM consent_ledger
		WHERE user_id = $1 AND issued_at > $2
		  AND action IN ('REQUESTED', 'CONSENT_GRANTED', 'CONSENT_DENIED', 'REVOKED')
		ORDER BY issued_at ASC, id ASC
		LIMIT $3`

	rows, err := r.q.Query(ctx, sql, userID, sinceMs, limit)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent recent events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentlyDenied reports whether the latest decision for (user, scope) is a
// denial inside the cooldown window. A later grant clears it
func (r *queries) RecentlyDenied(
	ctx context.Context, userID, scopeStr string, cooldown time.Duration, nowMs int64,
) (bool, error) {
	const sql = `
		SELECT last.action, last.issued_at
		FROM (
			SELECT DISTINCT ON (scope) *
			FROM consent_ledger
			WHERE user_id = $1 AND scope = $2
			  AND action IN ('CONSENT_GRANTED', 'CONSENT_DENIED')
			ORDER BY scope, issued_at DESC, id DESC
		) last`

	rows, err := r.q.Query(ctx, sql, userID, scopeStr)
	if err != nil {
		return false, perr.FromPostgres(err, "consent recently denied")
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	var action string
	var issuedAt int64
	if err := rows.Scan(&action, &issuedAt); err != nil {
		return false, err
	}
	return domain.Action(action) == domain.ActionDenied &&
		nowMs-issuedAt < cooldown.Milliseconds(), nil
}

// OperationsAfter streams OPERATION_PERFORMED rows for the audit mirror pump
func (r *queries) OperationsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	sql := `SELECT ` + eventCols + `
		FROM consent_ledger
		WHERE id > $1 AND action = 'OPERATION_PERFORMED'
		ORDER BY id ASC
		LIMIT $2`

	rows, err := r.q.Query(ctx, sql, afterID, limit)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent operations after")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// InsertRevocation stores the durable record; replays are harmless
func (r *queries) InsertRevocation(ctx context.Context, rec domain.RevocationRecord) error {
	const sql = `
		INSERT INTO consent_revocations (token_hash, user_id, scope, revoked_at, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO NOTHING`
	_, err := r.q.Exec(ctx, sql, rec.TokenHash, rec.UserID, rec.ScopeStr, rec.RevokedAt, rec.Reason)
	if err != nil {
		return perr.FromPostgres(err, "consent revocation insert")
	}
	return nil
}

// RevocationByHash looks up one durable revocation
func (r *queries) RevocationByHash(ctx context.Context, tokenHash string) (*domain.RevocationRecord, error) {
	const sql = `
		SELECT token_hash, user_id, scope, revoked_at, reason
		FROM consent_revocations
		WHERE token_hash = $1`

	rows, err := r.q.Query(ctx, sql, tokenHash)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent revocation lookup")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var rec domain.RevocationRecord
	if err := rows.Scan(&rec.TokenHash, &rec.UserID, &rec.ScopeStr, &rec.RevokedAt, &rec.Reason); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RevocationsForUser lists durable revocations, newest first
func (r *queries) RevocationsForUser(ctx context.Context, userID string) ([]domain.RevocationRecord, error) {
	const sql = `
		SELECT token_hash, user_id, scope, revoked_at, reason
		FROM consent_revocations
		WHERE user_id = $1
		ORDER BY revoked_at DESC`

	rows, err := r.q.Query(ctx, sql, userID)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent revocations for user")
	}
	defer rows.Close()

	var out []domain.RevocationRecord
	for rows.Next() {
		var rec domain.RevocationRecord
		if err := rows.Scan(&rec.TokenHash, &rec.UserID, &rec.ScopeStr, &rec.RevokedAt, &rec.Reason); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// one runs a single-event query and returns nil when there is no row
func (r *queries) one(ctx context.Context, sql string, args ...any) (*domain.Event, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, perr.FromPostgres(err, "consent event lookup")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanEvents(rows repokit.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows repokit.Rows) (domain.Event, error) {
	var ev domain.Event
	var action string
	var meta []byte
	if err := rows.Scan(&ev.ID, &ev.EventKey, &ev.UserID, &ev.AgentID, &ev.ScopeStr,
		&action, &ev.RequestID, &ev.ScopeDescription, &ev.IssuedAt,
		&ev.ExpiresAt, &ev.PollTimeoutAt, &meta); err != nil {
		return domain.Event{}, err
	}
	ev.Action = domain.Action(action)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &ev.Metadata)
	}
	return ev, nil
}

// expiryHours recovers the clamped pending window from the stored timestamps
func expiryHours(requestedAt, pollTimeoutAt int64) int {
	h := int((pollTimeoutAt - requestedAt) / int64(time.Hour/time.Millisecond))
	if h < 1 {
		h = 1
	}
	return h
}

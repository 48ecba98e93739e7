// Package service contains the consent coordinator workflows
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"hushh/internal/core/scope"
	"hushh/internal/core/token"
	"hushh/internal/modkit/repokit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/metrics"
	"hushh/internal/services/api/consent/domain"
	"hushh/internal/services/api/consent/repo"
	"hushh/internal/services/api/registry"
)

// Service is the public service port
type Service interface{ domain.ServicePort }

// RegistryPort resolves developer tokens to their approved scopes
type RegistryPort interface {
	Lookup(devToken string) (registry.Developer, bool)
}

// Options control service behavior
type Options struct {
	// Codec is required; it carries the process HMAC secret
	Codec *token.Codec

	// Registry is required; an empty registry rejects every developer
	Registry RegistryPort

	// Metrics may be nil
	Metrics *metrics.Metrics

	// Production disables the demo auto-grant path. Defaults to true in
	// config; only explicit PRODUCTION_MODE=false turns it off
	Production bool

	// TokenTTL is the default minted token lifetime (7 days when zero)
	TokenTTL time.Duration

	// DenialCooldown suppresses re-requests after a denial (60s when zero)
	DenialCooldown time.Duration

	// ConsentTimeout bounds AwaitDecision (120s when zero)
	ConsentTimeout time.Duration

	// Clock is a test seam; time.Now when nil
	Clock func() time.Time

	// awaitStep overrides the poll cadence in tests
	awaitStep time.Duration
}

// Svc implements the service port
type Svc struct {
	Repo    repo.Repo
	db      repokit.TxRunner
	binder  repokit.Binder[repo.Repo]
	codec   *token.Codec
	reg     RegistryPort
	met     *metrics.Metrics
	revoked *revocationSet
	log     *logger.Logger

	production bool
	tokenTTL   time.Duration
	cooldown   time.Duration
	timeout    time.Duration
	clock      func() time.Time
	awaitStep  time.Duration
}

// New constructs the service
func New(db repokit.TxRunner, binder repokit.Binder[repo.Repo], opt Options) *Svc {
	if db == nil {
		panic("consent.Service requires a non nil TxRunner")
	}
	if binder == nil {
		panic("consent.Service requires a non nil Repo binder")
	}
	if opt.Codec == nil {
		panic("consent.Service requires a non nil token Codec")
	}
	if opt.Registry == nil {
		panic("consent.Service requires a non nil RegistryPort")
	}

	if opt.TokenTTL <= 0 {
		opt.TokenTTL = 168 * time.Hour
	}
	if opt.DenialCooldown <= 0 {
		opt.DenialCooldown = 60 * time.Second
	}
	if opt.ConsentTimeout <= 0 {
		opt.ConsentTimeout = 120 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if opt.awaitStep <= 0 {
		opt.awaitStep = 500 * time.Millisecond
	}

	return &Svc{
		Repo:       binder.Bind(db),
		db:         db,
		binder:     binder,
		codec:      opt.Codec,
		reg:        opt.Registry,
		met:        opt.Metrics,
		revoked:    newRevocationSet(),
		log:        logger.Named("consent"),
		production: opt.Production,
		tokenTTL:   opt.TokenTTL,
		cooldown:   opt.DenialCooldown,
		timeout:    opt.ConsentTimeout,
		clock:      opt.Clock,
		awaitStep:  opt.awaitStep,
	}
}

// Timeout exposes the configured approval wait window to transports
func (s *Svc) Timeout() time.Duration { return s.timeout }

// RequestConsent runs the coordinator entry state machine
// It never blocks: callers either get an immediate resolution or a pending
// request id to await over the notification bus
func (s *Svc) RequestConsent(ctx context.Context, in domain.RequestConsentReq) (domain.Decision, error) {
	dev, ok := s.reg.Lookup(in.DeveloperToken)
	if !ok {
		return domain.Decision{}, perr.Unauthorizedf("unregistered developer")
	}

	scopeStr := scope.Normalize(in.Scope)
	if !scope.Valid(scopeStr) {
		return domain.Decision{}, perr.Newf(perr.ErrorCodeValidation, "invalid scope string %q", in.Scope)
	}
	if !dev.ApprovesScope(scopeStr) {
		return domain.Decision{}, perr.Forbiddenf("developer %q not approved for scope '%s'", dev.Name, scopeStr)
	}

	now := s.clock()
	nowMs := now.UnixMilli()

	// an existing grant short-circuits the whole flow
	active, err := s.Repo.ActiveFor(ctx, in.UserID, scopeStr, nowMs)
	if err != nil {
		return domain.Decision{}, err
	}
	if active != nil {
		s.met.ConsentRequest(domain.StatusAlreadyGranted)
		return domain.Decision{
			Status:    domain.StatusAlreadyGranted,
			Token:     active.Token,
			ExpiresAt: active.ExpiresAt,
		}, nil
	}

	denied, err := s.Repo.RecentlyDenied(ctx, in.UserID, scopeStr, s.cooldown, nowMs)
	if err != nil {
		return domain.Decision{}, err
	}
	if denied {
		s.met.ConsentRequest(domain.StatusDeniedCooldown)
		return domain.Decision{
			Status:  domain.StatusDeniedCooldown,
			Message: "user recently denied this scope; do not re-request yet",
		}, nil
	}

	// at most one pending per (user, scope): duplicates return the open id
	pending, err := s.Repo.PendingFor(ctx, in.UserID, scopeStr, nowMs)
	if err != nil {
		return domain.Decision{}, err
	}
	if pending != nil {
		s.met.ConsentRequest(domain.StatusPending)
		return domain.Decision{
			Status:    domain.StatusPending,
			RequestID: pending.RequestID,
			Message:   "request already pending user approval",
		}, nil
	}

	hours := clampHours(in.ExpiryHours)
	requestID := uuid.NewString()
	poll := now.Add(time.Duration(hours) * time.Hour).UnixMilli()

	meta := map[string]any{"developer": dev.Name}
	if in.TokenTTLHours > 0 {
		meta["token_ttl_hours"] = in.TokenTTLHours
	}

	// the guard row serializes racing requests for one (user, scope) pair:
	// exactly one claim wins and appends; losers learn the open request id
	start := s.clock()
	var holder string
	err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		r := s.binder.Bind(q)
		claimed, open, err := r.ClaimPending(ctx, in.UserID, scopeStr, requestID, poll, nowMs)
		if err != nil {
			return err
		}
		if !claimed {
			holder = open
			return nil
		}
		_, err = r.Append(ctx, domain.Event{
			EventKey:         requestID,
			UserID:           in.UserID,
			AgentID:          dev.Name,
			ScopeStr:         scopeStr,
			Action:           domain.ActionRequested,
			RequestID:        &requestID,
			ScopeDescription: scope.Describe(scopeStr),
			IssuedAt:         nowMs,
			PollTimeoutAt:    &poll,
			Metadata:         meta,
		})
		return err
	})
	if err != nil {
		return domain.Decision{}, err
	}
	if holder != "" {
		s.met.ConsentRequest(domain.StatusPending)
		return domain.Decision{
			Status:    domain.StatusPending,
			RequestID: holder,
			Message:   "request already pending user approval",
		}, nil
	}
	s.met.LedgerAppend(s.clock().Sub(start).Seconds())
	s.met.ConsentRequest(domain.StatusPending)

	s.log.Info().
		Str("user_id", in.UserID).
		Str("scope", scopeStr).
		Str("request_id", requestID).
		Str("developer", dev.Name).
		Msg("consent requested")

	// demo installs may auto-approve; unreachable when PRODUCTION_MODE=true
	if !s.production {
		return s.Approve(ctx, in.UserID, requestID)
	}

	return domain.Decision{
		Status:    domain.StatusPending,
		RequestID: requestID,
		Message:   "user approval required",
	}, nil
}

// Approve resolves a pending request in the user's favor and mints the token
func (s *Svc) Approve(ctx context.Context, userID, requestID string) (domain.Decision, error) {
	ev, err := s.pendingEvent(ctx, userID, requestID)
	if err != nil {
		return domain.Decision{}, err
	}

	ttl := s.tokenTTL
	if h, ok := ttlHours(ev.Metadata["token_ttl_hours"]); ok {
		ttl = time.Duration(h) * time.Hour
	}

	now := s.clock()
	tok := s.codec.IssueAt(userID, ev.AgentID, ev.ScopeStr, now, ttl)
	wire := token.Encode(tok)

	err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		r := s.binder.Bind(q)
		if _, err := r.Append(ctx, domain.Event{
			EventKey:         tok.Signature,
			UserID:           userID,
			AgentID:          ev.AgentID,
			ScopeStr:         ev.ScopeStr,
			Action:           domain.ActionGranted,
			RequestID:        &requestID,
			ScopeDescription: ev.ScopeDescription,
			IssuedAt:         now.UnixMilli(),
			ExpiresAt:        &tok.ExpiresAt,
			Metadata:         map[string]any{"token": wire},
		}); err != nil {
			return err
		}
		return r.ReleasePending(ctx, userID, ev.ScopeStr, requestID)
	})
	if err != nil {
		return domain.Decision{}, err
	}
	s.met.Decision(string(domain.ActionGranted))

	s.log.Info().
		Str("user_id", userID).
		Str("scope", ev.ScopeStr).
		Str("request_id", requestID).
		Msg("consent granted")

	return domain.Decision{
		Status:    domain.StatusGranted,
		RequestID: requestID,
		Token:     wire,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Deny resolves a pending request against the caller
func (s *Svc) Deny(ctx context.Context, userID, requestID, reason string) (domain.Decision, error) {
	ev, err := s.pendingEvent(ctx, userID, requestID)
	if err != nil {
		return domain.Decision{}, err
	}

	now := s.clock()
	meta := map[string]any{}
	if reason != "" {
		meta["reason"] = reason
	}
	err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		r := s.binder.Bind(q)
		if _, err := r.Append(ctx, domain.Event{
			EventKey:         requestID,
			UserID:           userID,
			AgentID:          ev.AgentID,
			ScopeStr:         ev.ScopeStr,
			Action:           domain.ActionDenied,
			RequestID:        &requestID,
			ScopeDescription: ev.ScopeDescription,
			IssuedAt:         now.UnixMilli(),
			Metadata:         meta,
		}); err != nil {
			return err
		}
		return r.ReleasePending(ctx, userID, ev.ScopeStr, requestID)
	})
	if err != nil {
		return domain.Decision{}, err
	}
	s.met.Decision(string(domain.ActionDenied))

	s.log.Info().
		Str("user_id", userID).
		Str("scope", ev.ScopeStr).
		Str("request_id", requestID).
		Msg("consent denied")

	return domain.Decision{Status: domain.StatusDenied, RequestID: requestID}, nil
}

// pendingEvent fetches a request and asserts it is still open
func (s *Svc) pendingEvent(ctx context.Context, userID, requestID string) (*domain.Event, error) {
	ev, err := s.Repo.RequestByID(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, perr.NotFoundf("consent request %q not found", requestID)
	}
	if ev.Action != domain.ActionRequested {
		return nil, perr.Conflictf("consent request %q already resolved", requestID)
	}
	if ev.PollTimeoutAt == nil || *ev.PollTimeoutAt <= s.clock().UnixMilli() {
		return nil, perr.Conflictf("consent request %q expired", requestID)
	}
	return ev, nil
}

// AwaitDecision blocks the caller (never an SSE-capable one) until the request
// resolves or the configured wait elapses. Timeouts write nothing: the
// REQUESTED event stays valid until its own poll window closes
func (s *Svc) AwaitDecision(
	ctx context.Context, userID, requestID string, timeout time.Duration,
) (domain.Decision, error) {
	if timeout <= 0 || timeout > s.timeout {
		timeout = s.timeout
	}
	deadline := s.clock().Add(timeout)

	for {
		ev, err := s.Repo.Resolved(ctx, userID, requestID)
		if err != nil {
			return domain.Decision{}, err
		}
		if ev != nil {
			if ev.Action == domain.ActionDenied {
				return domain.Decision{Status: domain.StatusDenied, RequestID: requestID}, nil
			}
			return s.grantedDecision(ctx, userID, ev.ScopeStr, requestID)
		}

		if !s.clock().Before(deadline) {
			return domain.Decision{
				Status:    domain.StatusTimeout,
				RequestID: requestID,
				Message:   "no decision within the wait window",
			}, nil
		}

		select {
		case <-ctx.Done():
			return domain.Decision{}, ctx.Err()
		case <-time.After(s.awaitStep):
		}
	}
}

// grantedDecision fetches the freshly active token with a bounded retry to
// ride out replication lag between the GRANTED event and the projection
func (s *Svc) grantedDecision(
	ctx context.Context, userID, scopeStr, requestID string,
) (domain.Decision, error) {
	const attempts = 5

	for i := 0; i < attempts; i++ {
		active, err := s.Repo.ActiveFor(ctx, userID, scopeStr, s.clock().UnixMilli())
		if err != nil {
			return domain.Decision{}, err
		}
		if active != nil {
			return domain.Decision{
				Status:    domain.StatusGranted,
				RequestID: requestID,
				Token:     active.Token,
				ExpiresAt: active.ExpiresAt,
			}, nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return domain.Decision{}, ctx.Err()
			case <-time.After(s.awaitStep):
			}
		}
	}
	return domain.Decision{}, perr.Unavailablef("granted token not yet visible for request %q", requestID)
}

// IssueToken self-issues for the authenticated principal
// The default scope is vault.owner: the session surface belongs to the owner
func (s *Svc) IssueToken(ctx context.Context, userID string, in domain.IssueTokenReq) (domain.TokenResp, error) {
	scopeStr := scope.Normalize(in.Scope)
	if scopeStr == "" {
		scopeStr = scope.Master
	}
	if !scope.Valid(scopeStr) {
		return domain.TokenResp{}, perr.Newf(perr.ErrorCodeValidation, "invalid scope string %q", in.Scope)
	}

	ttl := s.tokenTTL
	if in.TTLHours > 0 {
		ttl = time.Duration(in.TTLHours) * time.Hour
	}

	now := s.clock()
	tok := s.codec.IssueAt(userID, "self", scopeStr, now, ttl)
	wire := token.Encode(tok)

	if _, err := s.Repo.Append(ctx, domain.Event{
		EventKey:         tok.Signature,
		UserID:           userID,
		AgentID:          "self",
		ScopeStr:         scopeStr,
		Action:           domain.ActionGranted,
		ScopeDescription: scope.Describe(scopeStr),
		IssuedAt:         now.UnixMilli(),
		ExpiresAt:        &tok.ExpiresAt,
		Metadata:         map[string]any{"token": wire, "self_issued": true},
	}); err != nil {
		return domain.TokenResp{}, err
	}
	s.met.Decision(string(domain.ActionGranted))

	return domain.TokenResp{
		Token:     wire,
		Scope:     scopeStr,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Validate is the in-process verification path: revocation set, structure,
// signature, expiry, scope. No ledger round trip
func (s *Svc) Validate(
	ctx context.Context, tokenStr, expectedScope string, write bool,
) (token.Token, error) {
	tok, err := s.codec.VerifyOpAt(tokenStr, scope.Normalize(expectedScope), write, s.clock(), s.revoked)
	if err != nil {
		s.met.TokenValidation(validationResult(err))
		return token.Token{}, verifyError(err)
	}
	s.met.TokenValidation("ok")
	return tok, nil
}

// ValidateWithLedger is the durable form: after the in-process checks it
// consults the active projection and the durable revocation table, admitting
// any discovered revocation into the hot set before rejecting
func (s *Svc) ValidateWithLedger(
	ctx context.Context, tokenStr, expectedScope string, write bool,
) (token.Token, error) {
	tok, err := s.Validate(ctx, tokenStr, expectedScope, write)
	if err != nil {
		return token.Token{}, err
	}

	hash := token.Hash(tokenStr)

	rec, err := s.Repo.RevocationByHash(ctx, hash)
	if err != nil {
		return token.Token{}, err
	}
	if rec == nil {
		active, err := s.Repo.IsActive(ctx, tok.UserID, tok.ScopeStr, s.clock().UnixMilli())
		if err != nil {
			return token.Token{}, err
		}
		if active {
			return tok, nil
		}
	}

	// revoked elsewhere or never granted here: poison the hot path
	s.revoked.Add(hash)
	s.met.TokenValidation("revoked")
	return token.Token{}, perr.Unauthorizedf("%s", token.ErrRevoked.Error())
}

// VerifyOp adapts the in-process path for the context gate
func (s *Svc) VerifyOp(tokenStr, expectedScope string, write bool) (token.Token, error) {
	return s.Validate(context.Background(), tokenStr, expectedScope, write)
}

// Revoke hard-revokes one token: durable record, hot set, REVOKED event
// Scope fidelity: only the token's own (user, scope) pair is touched
func (s *Svc) Revoke(ctx context.Context, tokenStr, reason string) error {
	tok, err := token.Decode(tokenStr)
	if err != nil {
		return verifyError(err)
	}

	now := s.clock().UnixMilli()
	hash := token.Hash(tokenStr)

	err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		r := s.binder.Bind(q)
		if err := r.InsertRevocation(ctx, domain.RevocationRecord{
			TokenHash: hash,
			UserID:    tok.UserID,
			ScopeStr:  tok.ScopeStr,
			RevokedAt: now,
			Reason:    reason,
		}); err != nil {
			return err
		}
		_, err := r.Append(ctx, domain.Event{
			EventKey:         tok.Signature,
			UserID:           tok.UserID,
			AgentID:          tok.AgentID,
			ScopeStr:         tok.ScopeStr,
			Action:           domain.ActionRevoked,
			ScopeDescription: scope.Describe(tok.ScopeStr),
			IssuedAt:         now,
			Metadata:         map[string]any{"reason": reason},
		})
		return err
	})
	if err != nil {
		return err
	}

	s.revoked.Add(hash)
	s.met.Decision(string(domain.ActionRevoked))

	s.log.Info().
		Str("user_id", tok.UserID).
		Str("scope", tok.ScopeStr).
		Msg("token revoked")
	return nil
}

// Logout mass-revokes every active token for a user
func (s *Svc) Logout(ctx context.Context, userID string) (int, error) {
	active, err := s.Repo.Active(ctx, userID, s.clock().UnixMilli())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range active {
		if a.Token == "" {
			// grant predates token storage; nothing to hash, skip
			continue
		}
		if err := s.Revoke(ctx, a.Token, "logout"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Pending lists the open requests for a user
func (s *Svc) Pending(ctx context.Context, userID string) ([]domain.PendingRequest, error) {
	return s.Repo.Pending(ctx, userID, s.clock().UnixMilli())
}

// Active lists the live grants for a user
func (s *Svc) Active(ctx context.Context, userID string) ([]domain.ActiveToken, error) {
	return s.Repo.Active(ctx, userID, s.clock().UnixMilli())
}

// History pages the raw ledger
func (s *Svc) History(ctx context.Context, userID string, page, limit int) ([]domain.Event, int, error) {
	return s.Repo.History(ctx, userID, page, limit)
}

// Resolved exposes the request resolution projection (ReadPort)
func (s *Svc) Resolved(ctx context.Context, userID, requestID string) (*domain.Event, error) {
	return s.Repo.Resolved(ctx, userID, requestID)
}

// RecentEventsAfter exposes the notification poll projection (ReadPort)
func (s *Svc) RecentEventsAfter(
	ctx context.Context, userID string, sinceMs int64, limit int,
) ([]domain.Event, error) {
	return s.Repo.RecentEventsAfter(ctx, userID, sinceMs, limit)
}

// ActiveFor exposes the single-scope active projection (ReadPort)
func (s *Svc) ActiveFor(ctx context.Context, userID, scopeStr string) (*domain.ActiveToken, error) {
	return s.Repo.ActiveFor(ctx, userID, scopeStr, s.clock().UnixMilli())
}

// LogOperation appends an OPERATION_PERFORMED event for the audit trail
func (s *Svc) LogOperation(ctx context.Context, userID, agentID, scopeStr, detail string) error {
	now := s.clock().UnixMilli()
	_, err := s.Repo.Append(ctx, domain.Event{
		EventKey:         uuid.NewString(),
		UserID:           userID,
		AgentID:          agentID,
		ScopeStr:         scopeStr,
		Action:           domain.ActionOperation,
		ScopeDescription: scope.Describe(scopeStr),
		IssuedAt:         now,
		Metadata:         map[string]any{"detail": detail},
	})
	return err
}

// ttlHours reads the token_ttl_hours override however the metadata path
// delivered it: jsonb round trips numbers as float64, in-process maps keep
// the original Go int
func ttlHours(v any) (int64, bool) {
	switch h := v.(type) {
	case float64:
		if h > 0 {
			return int64(h), true
		}
	case int:
		if h > 0 {
			return int64(h), true
		}
	case int64:
		if h > 0 {
			return h, true
		}
	}
	return 0, false
}

// clampHours bounds the pending window to [1, 24]
func clampHours(h int) int {
	if h < 1 {
		return 1
	}
	if h > 24 {
		return 24
	}
	return h
}

// verifyError maps codec failures onto the error taxonomy with their reason
// strings intact. A valid token presented for the wrong scope is a 403; every
// other failure is a 401
func verifyError(err error) error {
	var sm *token.ScopeMismatchError
	if errors.As(err, &sm) {
		return perr.Forbiddenf("%s", err.Error())
	}
	return perr.Unauthorizedf("%s", err.Error())
}

// validationResult labels a verification failure for metrics
func validationResult(err error) string {
	switch {
	case errors.Is(err, token.ErrRevoked):
		return "revoked"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrBadPrefix), token.IsMalformed(err):
		return "malformed"
	default:
		var sm *token.ScopeMismatchError
		if errors.As(err, &sm) {
			return "scope_mismatch"
		}
		return "error"
	}
}

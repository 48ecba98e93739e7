// Package http provides http transport for consent
package http

import (
	stdhttp "net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hushh/internal/modkit/httpkit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/services/api/consent/domain"
	svc "hushh/internal/services/api/consent/service"
)

// Options toggle transport behavior
type Options struct {
	// Production forbids the userId query override on session routes
	Production bool

	// Per-class rate limit middlewares; nil entries are skipped
	LimitRequest    func(stdhttp.Handler) stdhttp.Handler
	LimitAction     func(stdhttp.Handler) stdhttp.Handler
	LimitValidation func(stdhttp.Handler) stdhttp.Handler
}

// Register mounts the consent routes
// Each route group carries its own rate limit class; reads ride only the
// global ceiling applied further up the stack
func Register(r httpkit.Router, s svc.Service, opt Options) {
	h := &handlers{svc: s, opt: opt}

	r.Group(func(g httpkit.Router) {
		if opt.LimitRequest != nil {
			g.Use(opt.LimitRequest)
		}
		httpkit.PostJSON[domain.RequestConsentReq](g, "/request", h.requestConsent)
	})

	r.Group(func(g httpkit.Router) {
		if opt.LimitAction != nil {
			g.Use(opt.LimitAction)
		}
		httpkit.Post(g, "/requests/{request_id}/approve", h.approve)
		httpkit.PostJSON[domain.DenyReq](g, "/requests/{request_id}/deny", h.deny)
		httpkit.PostJSON[domain.RevokeReq](g, "/revoke", h.revoke)
		httpkit.PostJSON[domain.IssueTokenReq](g, "/issue-token", h.issueToken)
		httpkit.Post(g, "/logout", h.logout)
	})

	r.Group(func(g httpkit.Router) {
		if opt.LimitValidation != nil {
			g.Use(opt.LimitValidation)
		}
		httpkit.PostJSON[domain.ValidateReq](g, "/validate", h.validate)
	})

	httpkit.Get(r, "/pending", h.pending)
	httpkit.Get(r, "/active", h.active)
	httpkit.Get(r, "/history", h.history)
}

// RegisterDeveloperEntry mounts the stable top-level entry route
// POST /request-consent predates the /consent/request path and stays for
// integrated developers
func RegisterDeveloperEntry(r httpkit.Router, s svc.Service, opt Options) {
	h := &handlers{svc: s, opt: opt}
	r.Group(func(g httpkit.Router) {
		if opt.LimitRequest != nil {
			g.Use(opt.LimitRequest)
		}
		httpkit.PostJSON[domain.RequestConsentReq](g, "/request-consent", h.requestConsent)
	})
}

// RegisterLegacy mounts the unversioned /api/consent session surface
func RegisterLegacy(r httpkit.Router, s svc.Service, opt Options) {
	h := &handlers{svc: s, opt: opt}
	r.Group(func(g httpkit.Router) {
		if opt.LimitAction != nil {
			g.Use(opt.LimitAction)
		}
		httpkit.PostJSON[domain.IssueTokenReq](g, "/issue-token", h.issueToken)
		httpkit.Post(g, "/logout", h.logout)
	})
	httpkit.Get(r, "/active", h.active)
	httpkit.Get(r, "/history", h.history)
}

type handlers struct {
	svc svc.Service
	opt Options
}

// principal resolves the acting user for session routes
// The userId query override exists for local demos only; production requires
// the session identity and rejects mismatches instead of silently widening
func (h *handlers) principal(r *stdhttp.Request) (string, error) {
	uid, err := httpkit.User(r)
	q := r.URL.Query().Get("userId")
	if err != nil {
		if !h.opt.Production && q != "" {
			return q, nil
		}
		return "", err
	}
	if q != "" && q != uid {
		if h.opt.Production {
			return "", perr.Forbiddenf("userId does not match session identity")
		}
		return q, nil
	}
	return uid, nil
}

// swagger:route POST /consent/request Consent consentRequest
// @Summary Start the two-step consent flow (developer initiated)
// @Description Returns pending, already_granted, or denied_cooldown. Pass wait=true to block until resolution or timeout
// @Tags Consent
// @Accept json
// @Produce json
// @Param payload body domain.RequestConsentReq true "Request"
// @Param wait query bool false "Block until the user decides"
// @Success 200 {object} domain.Decision "decision"
// @Failure 401 {object} httpkit.Envelope "unregistered developer"
// @Failure 403 {object} httpkit.Envelope "scope not approved"
// @Router /consent/request [post]
func (h *handlers) requestConsent(r *stdhttp.Request, in domain.RequestConsentReq) (any, error) {
	d, err := h.svc.RequestConsent(r.Context(), in)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.StatusPending && r.URL.Query().Get("wait") == "true" {
		return h.svc.AwaitDecision(r.Context(), in.UserID, d.RequestID, 0)
	}
	return d, nil
}

// swagger:route POST /consent/requests/{request_id}/approve Consent consentApprove
// @Summary Approve a pending consent request
// @Tags Consent
// @Produce json
// @Param request_id path string true "Request id"
// @Success 200 {object} domain.Decision "granted"
// @Failure 404 {object} httpkit.Envelope "unknown request"
// @Failure 409 {object} httpkit.Envelope "already resolved or expired"
// @Router /consent/requests/{request_id}/approve [post]
func (h *handlers) approve(r *stdhttp.Request) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	return h.svc.Approve(r.Context(), uid, chi.URLParam(r, "request_id"))
}

// swagger:route POST /consent/requests/{request_id}/deny Consent consentDeny
// @Summary Deny a pending consent request
// @Tags Consent
// @Accept json
// @Produce json
// @Param request_id path string true "Request id"
// @Param payload body domain.DenyReq true "Optional reason"
// @Success 200 {object} domain.Decision "denied"
// @Router /consent/requests/{request_id}/deny [post]
func (h *handlers) deny(r *stdhttp.Request, in domain.DenyReq) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	return h.svc.Deny(r.Context(), uid, chi.URLParam(r, "request_id"), in.Reason)
}

// swagger:route GET /consent/pending Consent consentPending
// @Summary Open consent requests for the session user
// @Tags Consent
// @Produce json
// @Success 200 {array} domain.PendingRequest "pending"
// @Router /consent/pending [get]
func (h *handlers) pending(r *stdhttp.Request) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	return h.svc.Pending(r.Context(), uid)
}

// swagger:route POST /consent/validate Consent consentValidate
// @Summary Validate a consent token against an expected scope
// @Tags Consent
// @Accept json
// @Produce json
// @Param payload body domain.ValidateReq true "Token and expected scope"
// @Success 200 {object} domain.ValidateResp "ok"
// @Failure 401 {object} httpkit.Envelope "invalid token"
// @Failure 403 {object} httpkit.Envelope "scope mismatch"
// @Router /consent/validate [post]
func (h *handlers) validate(r *stdhttp.Request, in domain.ValidateReq) (any, error) {
	tok, err := h.svc.ValidateWithLedger(r.Context(), in.Token, in.ExpectedScope, in.Write)
	if err != nil {
		return nil, err
	}
	return domain.ValidateResp{
		Valid:     true,
		UserID:    tok.UserID,
		AgentID:   tok.AgentID,
		Scope:     tok.ScopeStr,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// swagger:route POST /consent/revoke Consent consentRevoke
// @Summary Revoke one token
// @Tags Consent
// @Accept json
// @Produce json
// @Param payload body domain.RevokeReq true "Token"
// @Success 204 "revoked"
// @Router /consent/revoke [post]
func (h *handlers) revoke(r *stdhttp.Request, in domain.RevokeReq) (any, error) {
	if err := h.svc.Revoke(r.Context(), in.Token, in.Reason); err != nil {
		return nil, err
	}
	return httpkit.NoContent(), nil
}

// swagger:route POST /consent/issue-token Consent consentIssueToken
// @Summary Self-issue a token for the session user
// @Description Scope defaults to vault.owner
// @Tags Consent
// @Accept json
// @Produce json
// @Param payload body domain.IssueTokenReq true "Scope and TTL"
// @Success 200 {object} domain.TokenResp "token"
// @Router /consent/issue-token [post]
func (h *handlers) issueToken(r *stdhttp.Request, in domain.IssueTokenReq) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	return h.svc.IssueToken(r.Context(), uid, in)
}

// swagger:route GET /consent/active Consent consentActive
// @Summary Active consents for the session user
// @Tags Consent
// @Produce json
// @Success 200 {array} domain.ActiveToken "active"
// @Router /consent/active [get]
func (h *handlers) active(r *stdhttp.Request) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	return h.svc.Active(r.Context(), uid)
}

// swagger:route GET /consent/history Consent consentHistory
// @Summary Paginated consent ledger for the session user
// @Tags Consent
// @Produce json
// @Param page query int false "Page (1-based)"
// @Param limit query int false "Page size (max 200)"
// @Success 200 {object} httpkit.Envelope "events with pagination"
// @Router /consent/history [get]
func (h *handlers) history(r *stdhttp.Request) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", 50)
	evs, total, err := h.svc.History(r.Context(), uid, page, limit)
	if err != nil {
		return nil, err
	}
	return httpkit.List(historyView(evs), total, page, limit), nil
}

// swagger:route POST /consent/logout Consent consentLogout
// @Summary Mass-revoke every active token for the session user
// @Tags Consent
// @Produce json
// @Success 200 {object} domain.LogoutResp "count"
// @Router /consent/logout [post]
func (h *handlers) logout(r *stdhttp.Request) (any, error) {
	uid, err := h.principal(r)
	if err != nil {
		return nil, err
	}
	n, err := h.svc.Logout(r.Context(), uid)
	if err != nil {
		return nil, err
	}
	return domain.LogoutResp{Revoked: n}, nil
}

// HistoryEvent is the wire view of a ledger row
type HistoryEvent struct {
	ID               int64  `json:"id" example:"42"`
	EventKey         string `json:"event_key" example:"9f86d081884c7d65..."`
	AgentID          string `json:"agent_id" example:"mcp_dev"`
	Scope            string `json:"scope" example:"attr.food.*"`
	Action           string `json:"action" example:"CONSENT_GRANTED"`
	RequestID        string `json:"request_id,omitempty" example:"7d8f2a9c-..."`
	ScopeDescription string `json:"scope_description" example:"all your Food data"`
	IssuedAt         int64  `json:"issued_at" example:"1756100000000"`
	ExpiresAt        int64  `json:"expires_at,omitempty" example:"1756704800000"`
	PollTimeoutAt    int64  `json:"poll_timeout_at,omitempty" example:"1756103600000"`
}

func historyView(evs []domain.Event) []HistoryEvent {
	out := make([]HistoryEvent, 0, len(evs))
	for _, ev := range evs {
		he := HistoryEvent{
			ID:               ev.ID,
			EventKey:         ev.EventKey,
			AgentID:          ev.AgentID,
			Scope:            ev.ScopeStr,
			Action:           string(ev.Action),
			ScopeDescription: ev.ScopeDescription,
			IssuedAt:         ev.IssuedAt,
		}
		if ev.RequestID != nil {
			he.RequestID = *ev.RequestID
		}
		if ev.ExpiresAt != nil {
			he.ExpiresAt = *ev.ExpiresAt
		}
		if ev.PollTimeoutAt != nil {
			he.PollTimeoutAt = *ev.PollTimeoutAt
		}
		out = append(out, he)
	}
	return out
}

func intQuery(r *stdhttp.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

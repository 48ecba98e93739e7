// Package http provides http transport for audit
package http

import (
	stdhttp "net/http"
	"strconv"

	"hushh/internal/modkit/httpkit"
	perr "hushh/internal/platform/errors"
	asvc "hushh/internal/services/api/audit/service"
)

// Register mounts the audit routes
func Register(r httpkit.Router, s asvc.Service) {
	h := &handlers{svc: s}
	httpkit.Get(r, "/summary", h.summary)
}

type handlers struct {
	svc asvc.Service
}

// swagger:route GET /audit/summary Audit auditSummary
// @Summary Per scope and agent counts of performed operations
// @Tags Audit
// @Produce json
// @Param userId query string true "User id"
// @Param days query int false "Window in days (default 30)"
// @Success 200 {object} domain.Summary "summary"
// @Router /audit/summary [get]
func (h *handlers) summary(r *stdhttp.Request) (any, error) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		if uid, err := httpkit.User(r); err == nil {
			userID = uid
		}
	}
	if userID == "" {
		return nil, perr.Newf(perr.ErrorCodeValidation, "userId is required")
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n
		}
	}
	return h.svc.Summary(r.Context(), userID, days)
}

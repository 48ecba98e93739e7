// Package http provides the SSE transport for consent notifications
package http

import (
	"fmt"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"

	"hushh/internal/modkit/httpkit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/platform/metrics"
	phttp "hushh/internal/platform/net/http"
	"hushh/internal/services/api/notify/stream"
)

// Options toggle transport behavior
type Options struct {
	// Production requires the session identity to match the path user
	Production bool

	// Stream carries the loop cadence and the specific-stream timeout
	Stream stream.Options

	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Register mounts the notification routes
func Register(r httpkit.Router, src stream.Events, opt Options) {
	h := &handlers{src: src, opt: opt}
	r.Get("/{user_id}", h.subscribe)
	r.Get("/{user_id}/poll/{request_id}", h.subscribeSpecific)
}

type handlers struct {
	src stream.Events
	opt Options
}

// authorize checks the session identity against the path user
// Demo installs may watch any user's stream; production may not
func (h *handlers) authorize(r *stdhttp.Request, pathUser string) error {
	uid, err := httpkit.User(r)
	if err != nil {
		if h.opt.Production {
			return err
		}
		return nil
	}
	if h.opt.Production && uid != pathUser {
		return perr.Forbiddenf("stream user does not match session identity")
	}
	return nil
}

// swagger:route GET /events/{user_id} Notify notifySubscribe
// @Summary Stream consent activity for a user over SSE
// @Description Emits consent_update and consent_resolved frames plus heartbeats
// @Tags Notify
// @Produce text/event-stream
// @Param user_id path string true "User id"
// @Success 200 {string} string "event stream"
// @Router /events/{user_id} [get]
func (h *handlers) subscribe(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := h.authorize(r, userID); err != nil {
		phttp.RespondError(w, r, err)
		return
	}

	em, err := newEmitter(w)
	if err != nil {
		phttp.RespondError(w, r, err)
		return
	}

	h.opt.Metrics.SSEOpened()
	defer h.opt.Metrics.SSEClosed()

	sub := stream.New(h.src, em, userID, h.opt.Stream)
	_ = sub.Run(r.Context())
}

// swagger:route GET /events/{user_id}/poll/{request_id} Notify notifySubscribeSpecific
// @Summary Stream one consent request until it resolves or times out
// @Tags Notify
// @Produce text/event-stream
// @Param user_id path string true "User id"
// @Param request_id path string true "Request id"
// @Success 200 {string} string "event stream"
// @Router /events/{user_id}/poll/{request_id} [get]
func (h *handlers) subscribeSpecific(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	userID := chi.URLParam(r, "user_id")
	requestID := chi.URLParam(r, "request_id")
	if err := h.authorize(r, userID); err != nil {
		phttp.RespondError(w, r, err)
		return
	}

	em, err := newEmitter(w)
	if err != nil {
		phttp.RespondError(w, r, err)
		return
	}

	h.opt.Metrics.SSEOpened()
	defer h.opt.Metrics.SSEClosed()

	sub := stream.NewSpecific(h.src, em, userID, requestID, h.opt.Stream)
	_ = sub.Run(r.Context())
}

// sseEmitter writes SSE frames and flushes after each one
type sseEmitter struct {
	w stdhttp.ResponseWriter
	f stdhttp.Flusher
}

func newEmitter(w stdhttp.ResponseWriter) (*sseEmitter, error) {
	f, ok := w.(stdhttp.Flusher)
	if !ok {
		return nil, perr.Newf(perr.ErrorCodeUnknown, "response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(stdhttp.StatusOK)
	f.Flush()

	return &sseEmitter{w: w, f: f}, nil
}

// Emit writes one frame; the id line is omitted when empty
func (e *sseEmitter) Emit(event, id string, data []byte) error {
	if _, err := fmt.Fprintf(e.w, "event: %s\n", event); err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(e.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

// Package stream turns ledger polling into server-sent event frames
//
// Each subscription is one goroutine owning its own state. Frames are
// written through an Emitter so the transport owns flushing and the loop
// stays testable without a network
package stream

import (
	"context"
	"encoding/json"
	"time"

	"hushh/internal/services/api/consent/domain"
)

// Event names on the wire
const (
	EventUpdate    = "consent_update"
	EventResolved  = "consent_resolved"
	EventTimeout   = "consent_timeout"
	EventHeartbeat = "heartbeat"
)

// Events is the ledger view a subscription polls
type Events interface {
	RecentEventsAfter(ctx context.Context, userID string, sinceMs int64, limit int) ([]domain.Event, error)
}

// Emitter writes one SSE frame; id may be empty for heartbeats
type Emitter interface {
	Emit(event, id string, data []byte) error
}

// Options tune a subscription loop
type Options struct {
	// Heartbeat keeps intermediaries from reaping idle connections (30s when zero)
	Heartbeat time.Duration

	// Poll is the ledger poll cadence (500ms when zero)
	Poll time.Duration

	// Timeout bounds a specific-request stream; zero means no bound
	Timeout time.Duration

	// Clock is a test seam; time.Now when nil
	Clock func() time.Time
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 500 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Subscription is a single consumer's view of one user's consent activity
type Subscription struct {
	src    Events
	out    Emitter
	userID string

	// requestID narrows the stream to one request when non empty
	requestID string

	opt Options

	// notified keys are request ids when present, event keys otherwise,
	// so approve and revoke rows for one request dedup together
	notified map[string]struct{}
	started  int64

	// floor is the moving poll horizon; it trails the newest consumed row
	// by one millisecond so same-tick stragglers are re-read and deduped
	floor int64
}

// New builds a stream over all of a user's consent activity
func New(src Events, out Emitter, userID string, opt Options) *Subscription {
	return build(src, out, userID, "", opt)
}

// NewSpecific builds a stream narrowed to one request id
// The loop ends after emitting a resolution or after opt.Timeout
func NewSpecific(src Events, out Emitter, userID, requestID string, opt Options) *Subscription {
	return build(src, out, userID, requestID, opt)
}

func build(src Events, out Emitter, userID, requestID string, opt Options) *Subscription {
	if src == nil {
		panic("stream.Subscription requires a non nil Events source")
	}
	if out == nil {
		panic("stream.Subscription requires a non nil Emitter")
	}
	opt.defaults()
	return &Subscription{
		src:       src,
		out:       out,
		userID:    userID,
		requestID: requestID,
		opt:       opt,
		notified:  make(map[string]struct{}),
	}
}

// Run drives the subscription until the context ends, the specific stream
// resolves, or the specific stream times out. It only ever returns nil or
// an emit error; poll errors are swallowed so one bad read does not kill
// a long-lived connection
func (s *Subscription) Run(ctx context.Context) error {
	s.started = s.opt.Clock().UnixMilli()
	s.floor = s.started

	var deadline <-chan time.Time
	if s.requestID != "" && s.opt.Timeout > 0 {
		t := time.NewTimer(s.opt.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	heartbeat := time.NewTicker(s.opt.Heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.opt.Poll)
	defer poll.Stop()

	// opening frame so clients know the stream is live
	if err := s.out.Emit(EventHeartbeat, "", heartbeatData(s.started)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			_ = s.out.Emit(EventTimeout, s.requestID, timeoutData(s.requestID))
			return nil
		case <-heartbeat.C:
			if err := s.out.Emit(EventHeartbeat, "", heartbeatData(s.opt.Clock().UnixMilli())); err != nil {
				return err
			}
		case <-poll.C:
			done, err := s.pollOnce(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// pollOnce drains fresh ledger rows into frames
// Returns done=true when a specific stream saw its resolution
func (s *Subscription) pollOnce(ctx context.Context) (bool, error) {
	evs, err := s.src.RecentEventsAfter(ctx, s.userID, s.floor, 50)
	if err != nil {
		// transient read failures surface on the next tick
		return false, nil
	}

	// advance the horizon past every row read, emitted or not, so a busy
	// ledger never pins the window to one stale page
	if n := len(evs); n > 0 {
		if next := evs[n-1].IssuedAt - 1; next > s.floor {
			s.floor = next
		}
	}

	for _, ev := range evs {
		if s.requestID != "" && (ev.RequestID == nil || *ev.RequestID != s.requestID) {
			continue
		}

		key := ev.EventKey
		if ev.RequestID != nil && *ev.RequestID != "" {
			key = *ev.RequestID + "|" + string(ev.Action)
		}
		if _, seen := s.notified[key]; seen {
			continue
		}

		name, ok := frameName(ev.Action)
		if !ok {
			continue
		}
		s.notified[key] = struct{}{}

		if err := s.out.Emit(name, ev.EventKey, eventData(ev)); err != nil {
			return false, err
		}
		if s.requestID != "" && name == EventResolved {
			return true, nil
		}
	}
	return false, nil
}

func frameName(a domain.Action) (string, bool) {
	switch a {
	case domain.ActionRequested, domain.ActionRevoked:
		return EventUpdate, true
	case domain.ActionGranted, domain.ActionDenied:
		return EventResolved, true
	default:
		return "", false
	}
}

// framePayload is the JSON body of update and resolved frames
type framePayload struct {
	EventKey         string `json:"event_key"`
	UserID           string `json:"user_id"`
	AgentID          string `json:"agent_id"`
	Scope            string `json:"scope"`
	Action           string `json:"action"`
	RequestID        string `json:"request_id,omitempty"`
	ScopeDescription string `json:"scope_description,omitempty"`
	IssuedAt         int64  `json:"issued_at"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
}

func eventData(ev domain.Event) []byte {
	p := framePayload{
		EventKey:         ev.EventKey,
		UserID:           ev.UserID,
		AgentID:          ev.AgentID,
		Scope:            ev.ScopeStr,
		Action:           string(ev.Action),
		ScopeDescription: ev.ScopeDescription,
		IssuedAt:         ev.IssuedAt,
	}
	if ev.RequestID != nil {
		p.RequestID = *ev.RequestID
	}
	if ev.ExpiresAt != nil {
		p.ExpiresAt = *ev.ExpiresAt
	}
	b, _ := json.Marshal(p)
	return b
}

func heartbeatData(nowMs int64) []byte {
	b, _ := json.Marshal(map[string]int64{"ts": nowMs})
	return b
}

func timeoutData(requestID string) []byte {
	b, _ := json.Marshal(map[string]string{"request_id": requestID, "status": "timeout"})
	return b
}

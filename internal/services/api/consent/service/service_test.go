package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"hushh/internal/core/token"
	"hushh/internal/modkit/repokit"
	perr "hushh/internal/platform/errors"
	"hushh/internal/platform/store"
	"hushh/internal/services/api/consent/domain"
	"hushh/internal/services/api/consent/repo"
	"hushh/internal/services/api/registry"
)

// memRepo is an in-memory ledger used to drive the coordinator state machine
// without Postgres. Projections reuse LatestPerGroup so they agree with the
// SQL fallback semantics by construction
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	events []domain.Event
	revs   map[string]domain.RevocationRecord
	guards map[string]guardRow
}

type guardRow struct {
	requestID     string
	pollTimeoutAt int64
}

var _ repo.Repo = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		revs:   map[string]domain.RevocationRecord{},
		guards: map[string]guardRow{},
	}
}

func (m *memRepo) ClaimPending(
	_ context.Context, userID, scopeStr, requestID string, pollTimeoutAt, nowMs int64,
) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := userID + "|" + scopeStr
	if g, ok := m.guards[k]; ok && g.pollTimeoutAt > nowMs {
		return false, g.requestID, nil
	}
	m.guards[k] = guardRow{requestID: requestID, pollTimeoutAt: pollTimeoutAt}
	return true, requestID, nil
}

func (m *memRepo) ReleasePending(_ context.Context, userID, scopeStr, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := userID + "|" + scopeStr
	if g, ok := m.guards[k]; ok && g.requestID == requestID {
		delete(m.guards, k)
	}
	return nil
}

func (m *memRepo) Append(_ context.Context, ev domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// round-trip metadata like jsonb does, so numbers come back as float64
	if ev.Metadata != nil {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, err
		}
		var meta map[string]any
		if err := json.Unmarshal(b, &meta); err != nil {
			return 0, err
		}
		ev.Metadata = meta
	}

	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *memRepo) forUser(userID string, actions ...domain.Action) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Event
	for _, ev := range m.events {
		if ev.UserID != userID {
			continue
		}
		if len(actions) > 0 {
			keep := false
			for _, a := range actions {
				if ev.Action == a {
					keep = true
					break
				}
			}
			if !keep {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

func pendingFrom(ev domain.Event) domain.PendingRequest {
	hours := int((*ev.PollTimeoutAt - ev.IssuedAt) / time.Hour.Milliseconds())
	if hours < 1 {
		hours = 1
	}
	return domain.PendingRequest{
		RequestID:        *ev.RequestID,
		AgentID:          ev.AgentID,
		ScopeStr:         ev.ScopeStr,
		ScopeDescription: ev.ScopeDescription,
		RequestedAt:      ev.IssuedAt,
		PollTimeoutAt:    *ev.PollTimeoutAt,
		ExpiryHours:      hours,
	}
}

func (m *memRepo) Pending(_ context.Context, userID string, nowMs int64) ([]domain.PendingRequest, error) {
	var out []domain.PendingRequest
	for _, ev := range repo.LatestPerGroup(m.forUser(userID), repo.ByRequestID) {
		if ev.Action != domain.ActionRequested || ev.PollTimeoutAt == nil || *ev.PollTimeoutAt <= nowMs {
			continue
		}
		out = append(out, pendingFrom(ev))
	}
	return out, nil
}

func (m *memRepo) PendingFor(
	ctx context.Context, userID, scopeStr string, nowMs int64,
) (*domain.PendingRequest, error) {
	all, err := m.Pending(ctx, userID, nowMs)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ScopeStr == scopeStr {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (m *memRepo) Active(_ context.Context, userID string, nowMs int64) ([]domain.ActiveToken, error) {
	evs := m.forUser(userID, domain.ActionGranted, domain.ActionRevoked)

	var out []domain.ActiveToken
	for _, ev := range repo.LatestPerGroup(evs, repo.ByScope) {
		if ev.Action != domain.ActionGranted || ev.ExpiresAt == nil || *ev.ExpiresAt <= nowMs {
			continue
		}
		tok, _ := ev.Metadata["token"].(string)
		out = append(out, domain.ActiveToken{
			UserID:    ev.UserID,
			AgentID:   ev.AgentID,
			ScopeStr:  ev.ScopeStr,
			IssuedAt:  ev.IssuedAt,
			ExpiresAt: *ev.ExpiresAt,
			EventKey:  ev.EventKey,
			Token:     tok,
		})
	}
	return out, nil
}

func (m *memRepo) ActiveFor(
	ctx context.Context, userID, scopeStr string, nowMs int64,
) (*domain.ActiveToken, error) {
	all, err := m.Active(ctx, userID, nowMs)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ScopeStr == scopeStr {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (m *memRepo) IsActive(ctx context.Context, userID, scopeStr string, nowMs int64) (bool, error) {
	a, err := m.ActiveFor(ctx, userID, scopeStr, nowMs)
	return a != nil, err
}

func (m *memRepo) History(_ context.Context, userID string, page, limit int) ([]domain.Event, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	all := m.forUser(userID)
	sort.Slice(all, func(i, j int) bool {
		if all[i].IssuedAt != all[j].IssuedAt {
			return all[i].IssuedAt > all[j].IssuedAt
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)

	off := (page - 1) * limit
	if off >= total {
		return nil, total, nil
	}
	end := off + limit
	if end > total {
		end = total
	}
	return all[off:end], total, nil
}

func (m *memRepo) RequestByID(_ context.Context, userID, requestID string) (*domain.Event, error) {
	for _, ev := range repo.LatestPerGroup(m.forUser(userID), repo.ByRequestID) {
		if *ev.RequestID == requestID {
			return &ev, nil
		}
	}
	return nil, nil
}

func (m *memRepo) Resolved(_ context.Context, userID, requestID string) (*domain.Event, error) {
	evs := m.forUser(userID, domain.ActionGranted, domain.ActionDenied)
	for _, ev := range repo.LatestPerGroup(evs, repo.ByRequestID) {
		if *ev.RequestID == requestID {
			return &ev, nil
		}
	}
	return nil, nil
}

func (m *memRepo) RecentEventsAfter(
	_ context.Context, userID string, sinceMs int64, limit int,
) ([]domain.Event, error) {
	if limit < 1 {
		limit = 50
	}
	evs := m.forUser(userID,
		domain.ActionRequested, domain.ActionGranted, domain.ActionDenied, domain.ActionRevoked)

	var out []domain.Event
	for _, ev := range evs {
		if ev.IssuedAt > sinceMs {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) RecentlyDenied(
	_ context.Context, userID, scopeStr string, cooldown time.Duration, nowMs int64,
) (bool, error) {
	evs := m.forUser(userID, domain.ActionGranted, domain.ActionDenied)
	for _, ev := range repo.LatestPerGroup(evs, repo.ByScope) {
		if ev.ScopeStr != scopeStr {
			continue
		}
		return ev.Action == domain.ActionDenied && nowMs-ev.IssuedAt < cooldown.Milliseconds(), nil
	}
	return false, nil
}

func (m *memRepo) OperationsAfter(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit < 1 {
		limit = 200
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Event
	for _, ev := range m.events {
		if ev.ID > afterID && ev.Action == domain.ActionOperation {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) InsertRevocation(_ context.Context, rec domain.RevocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revs[rec.TokenHash]; !ok {
		m.revs[rec.TokenHash] = rec
	}
	return nil
}

func (m *memRepo) RevocationByHash(_ context.Context, tokenHash string) (*domain.RevocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.revs[tokenHash]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memRepo) RevocationsForUser(_ context.Context, userID string) ([]domain.RevocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RevocationRecord
	for _, rec := range m.revs {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRepo) count(userID string, action domain.Action) int {
	return len(m.forUser(userID, action))
}

// memDB satisfies TxRunner; Tx just runs the function since memRepo ignores
// its Queryer anyway
type memDB struct{}

func (memDB) Exec(context.Context, string, ...any) (store.CommandTag, error) { return nil, nil }
func (memDB) Query(context.Context, string, ...any) (store.Rows, error)      { return nil, nil }
func (memDB) QueryRow(context.Context, string, ...any) store.Row             { return nil }
func (memDB) Tx(_ context.Context, fn func(q store.RowQuerier) error) error  { return fn(memDB{}) }

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_756_100_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) AutoAdvance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

type stubReg map[string]registry.Developer

func (r stubReg) Lookup(tok string) (registry.Developer, bool) {
	d, ok := r[tok]
	return d, ok
}

func newTestSvc(t *testing.T, production bool) (*Svc, *memRepo, *fakeClock) {
	t.Helper()

	mem := newMemRepo()
	clk := newFakeClock()
	reg := stubReg{
		"mcp_dev": {Name: "mcp_dev", Scopes: []string{"attr.food.*", "attr.financial.holdings"}},
	}
	s := New(memDB{}, repokit.BindFunc[repo.Repo](func(repokit.Queryer) repo.Repo { return mem }), Options{
		Codec:      token.New([]byte("k")),
		Registry:   reg,
		Production: production,
		Clock:      clk.Now,
		awaitStep:  time.Millisecond,
	})
	return s, mem, clk
}

func foodReq(userID string) domain.RequestConsentReq {
	return domain.RequestConsentReq{
		DeveloperToken: "mcp_dev",
		UserID:         userID,
		Scope:          "attr.food.*",
	}
}

func TestRequestConsent_UnregisteredDeveloper(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)

	in := foodReq("u1")
	in.DeveloperToken = "who-dis"
	_, err := s.RequestConsent(context.Background(), in)
	if !perr.IsCode(err, perr.ErrorCodeUnauthorized) {
		t.Fatalf("unregistered developer: got %v, want unauthorized", err)
	}
}

func TestRequestConsent_InvalidScope(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)

	in := foodReq("u1")
	in.Scope = "banana"
	_, err := s.RequestConsent(context.Background(), in)
	if !perr.IsCode(err, perr.ErrorCodeValidation) {
		t.Fatalf("invalid scope: got %v, want validation error", err)
	}
}

func TestRequestConsent_UnapprovedScope(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)

	in := foodReq("u1")
	in.Scope = "attr.health.goals"
	_, err := s.RequestConsent(context.Background(), in)
	if !perr.IsCode(err, perr.ErrorCodeForbidden) {
		t.Fatalf("unapproved scope: got %v, want forbidden", err)
	}
	if err == nil || !strings.Contains(err.Error(), "attr.health.goals") {
		t.Fatalf("forbidden message should carry the scope verbatim, got %v", err)
	}
}

func TestRequestConsent_PendingThenApprove(t *testing.T) {
	t.Parallel()
	s, mem, _ := newTestSvc(t, true)
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if dec.Status != domain.StatusPending || dec.RequestID == "" {
		t.Fatalf("got %+v, want pending with a request id", dec)
	}

	granted, err := s.Approve(ctx, "u1", dec.RequestID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if granted.Status != domain.StatusGranted {
		t.Fatalf("approve status = %q, want granted", granted.Status)
	}
	if !strings.HasPrefix(granted.Token, "HCT:") {
		t.Fatalf("approve returned a non-wire token %q", granted.Token)
	}
	if mem.count("u1", domain.ActionGranted) != 1 {
		t.Fatalf("ledger should hold exactly one grant")
	}

	// the same developer re-requesting gets the original token back
	again, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if again.Status != domain.StatusAlreadyGranted {
		t.Fatalf("re-request status = %q, want already_granted", again.Status)
	}
	if again.Token != granted.Token {
		t.Fatalf("already_granted returned a different token")
	}
}

func TestRequestConsent_PendingDedup(t *testing.T) {
	t.Parallel()
	s, mem, _ := newTestSvc(t, true)
	ctx := context.Background()

	first, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Status != domain.StatusPending || second.RequestID != first.RequestID {
		t.Fatalf("duplicate request got %+v, want the open id %q", second, first.RequestID)
	}
	if n := mem.count("u1", domain.ActionRequested); n != 1 {
		t.Fatalf("ledger holds %d REQUESTED events, want 1", n)
	}

	// another user is an independent flow
	other, err := s.RequestConsent(ctx, foodReq("u2"))
	if err != nil {
		t.Fatalf("u2 request: %v", err)
	}
	if other.RequestID == first.RequestID {
		t.Fatalf("u2 must not share u1's request id")
	}
}

// staleReadRepo hides open requests from the read path, standing in for the
// window between two racing coordinators' reads of the same ledger
type staleReadRepo struct{ repo.Repo }

func (staleReadRepo) PendingFor(
	context.Context, string, string, int64,
) (*domain.PendingRequest, error) {
	return nil, nil
}

func TestRequestConsent_GuardSerializesRacingRequests(t *testing.T) {
	t.Parallel()

	mem := newMemRepo()
	clk := newFakeClock()
	s := New(memDB{}, repokit.BindFunc[repo.Repo](func(repokit.Queryer) repo.Repo {
		return staleReadRepo{mem}
	}), Options{
		Codec:      token.New([]byte("k")),
		Registry:   stubReg{"mcp_dev": {Name: "mcp_dev", Scopes: []string{"attr.food.*"}}},
		Production: true,
		Clock:      clk.Now,
		awaitStep:  time.Millisecond,
	})
	ctx := context.Background()

	first, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if first.Status != domain.StatusPending || first.RequestID == "" {
		t.Fatalf("first request got %+v, want pending", first)
	}

	// both callers saw no pending; only the guard keeps the second from
	// opening a parallel request
	second, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Status != domain.StatusPending || second.RequestID != first.RequestID {
		t.Fatalf("racing request got %+v, want the open id %q", second, first.RequestID)
	}
	if n := mem.count("u1", domain.ActionRequested); n != 1 {
		t.Fatalf("ledger holds %d REQUESTED events, want 1", n)
	}
}

func TestRequestConsent_ReclaimsExpiredGuard(t *testing.T) {
	t.Parallel()
	s, mem, clk := newTestSvc(t, true)
	ctx := context.Background()

	in := foodReq("u1")
	in.ExpiryHours = 1
	first, err := s.RequestConsent(ctx, in)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	// the abandoned request ages out of its poll window; a fresh request
	// must take the guard over rather than stay blocked forever
	clk.Advance(2 * time.Hour)
	fresh, err := s.RequestConsent(ctx, in)
	if err != nil {
		t.Fatalf("request after expiry: %v", err)
	}
	if fresh.Status != domain.StatusPending || fresh.RequestID == first.RequestID {
		t.Fatalf("got %+v, want a fresh pending past the stale guard", fresh)
	}
	if n := mem.count("u1", domain.ActionRequested); n != 2 {
		t.Fatalf("ledger holds %d REQUESTED events, want 2", n)
	}
}

func TestRequestConsent_DeniedCooldown(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := s.Deny(ctx, "u1", dec.RequestID, "not now"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	cooled, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request after denial: %v", err)
	}
	if cooled.Status != domain.StatusDeniedCooldown {
		t.Fatalf("status = %q, want denied_cooldown", cooled.Status)
	}

	// the cooldown clears after its window
	clk.Advance(61 * time.Second)
	fresh, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request after cooldown: %v", err)
	}
	if fresh.Status != domain.StatusPending || fresh.RequestID == dec.RequestID {
		t.Fatalf("got %+v, want a fresh pending request", fresh)
	}
}

func TestRequestConsent_ClampsExpiryHours(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)
	ctx := context.Background()

	cases := []struct {
		in   int
		want int
	}{
		{0, 1},
		{-3, 1},
		{5, 5},
		{100, 24},
	}
	for i, tc := range cases {
		user := string(rune('a' + i))
		in := foodReq(user)
		in.ExpiryHours = tc.in
		if _, err := s.RequestConsent(ctx, in); err != nil {
			t.Fatalf("request(%d): %v", tc.in, err)
		}
		p, err := s.Repo.PendingFor(ctx, user, "attr.food.*", clk.Now().UnixMilli())
		if err != nil || p == nil {
			t.Fatalf("pending(%d): %v %v", tc.in, p, err)
		}
		if p.ExpiryHours != tc.want {
			t.Fatalf("expiry %d clamped to %d, want %d", tc.in, p.ExpiryHours, tc.want)
		}
	}
}

func TestRequestConsent_DemoAutoGrant(t *testing.T) {
	t.Parallel()
	s, mem, _ := newTestSvc(t, false)

	dec, err := s.RequestConsent(context.Background(), foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if dec.Status != domain.StatusGranted || !strings.HasPrefix(dec.Token, "HCT:") {
		t.Fatalf("demo mode got %+v, want an immediate grant", dec)
	}
	if mem.count("u1", domain.ActionRequested) != 1 || mem.count("u1", domain.ActionGranted) != 1 {
		t.Fatalf("auto-grant must still append both REQUESTED and CONSENT_GRANTED")
	}
}

func TestApprove_Conflicts(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)
	ctx := context.Background()

	if _, err := s.Approve(ctx, "u1", "nope"); !perr.IsCode(err, perr.ErrorCodeNotFound) {
		t.Fatalf("unknown request: got %v, want not found", err)
	}

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := s.Deny(ctx, "u1", dec.RequestID, ""); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := s.Approve(ctx, "u1", dec.RequestID); !perr.IsCode(err, perr.ErrorCodeConflict) {
		t.Fatalf("resolved request: got %v, want conflict", err)
	}

	// a request left past its poll window cannot be approved either
	in := foodReq("u1")
	in.Scope = "attr.financial.holdings"
	in.ExpiryHours = 1
	stale, err := s.RequestConsent(ctx, in)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	clk.Advance(2 * time.Hour)
	if _, err := s.Approve(ctx, "u1", stale.RequestID); !perr.IsCode(err, perr.ErrorCodeConflict) {
		t.Fatalf("expired request: got %v, want conflict", err)
	}
}

func TestAwaitDecision_ResolvesGrant(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := s.Approve(ctx, "u1", dec.RequestID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := s.AwaitDecision(ctx, "u1", dec.RequestID, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.Status != domain.StatusGranted || got.Token == "" {
		t.Fatalf("await got %+v, want the granted token", got)
	}
}

func TestAwaitDecision_ResolvesDenial(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := s.Deny(ctx, "u1", dec.RequestID, "no"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	got, err := s.AwaitDecision(ctx, "u1", dec.RequestID, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.Status != domain.StatusDenied || got.Token != "" {
		t.Fatalf("await got %+v, want a bare denial", got)
	}
}

func TestAwaitDecision_TimeoutWritesNothing(t *testing.T) {
	t.Parallel()
	s, mem, clk := newTestSvc(t, true)
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	before := len(mem.forUser("u1"))

	clk.AutoAdvance(5 * time.Millisecond)
	got, err := s.AwaitDecision(ctx, "u1", dec.RequestID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.Status != domain.StatusTimeout {
		t.Fatalf("await status = %q, want timeout", got.Status)
	}
	if after := len(mem.forUser("u1")); after != before {
		t.Fatalf("timeout appended %d events; the ledger must stay untouched", after-before)
	}

	// the request itself is still open and approvable after a caller timeout
	clk.AutoAdvance(0)
	if _, err := s.Approve(ctx, "u1", dec.RequestID); err != nil {
		t.Fatalf("approve after timeout: %v", err)
	}
}

func TestGrantedDecision_BoundedRetry(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)

	_, err := s.grantedDecision(context.Background(), "u1", "attr.food.*", "r1")
	if !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("missing grant: got %v, want unavailable after bounded retries", err)
	}
}

func TestIssueToken_Defaults(t *testing.T) {
	t.Parallel()
	s, mem, _ := newTestSvc(t, true)
	ctx := context.Background()

	resp, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.Scope != "vault.owner" {
		t.Fatalf("default scope = %q, want vault.owner", resp.Scope)
	}
	if !strings.HasPrefix(resp.Token, "HCT:") {
		t.Fatalf("wire token = %q", resp.Token)
	}

	evs := mem.forUser("u1", domain.ActionGranted)
	if len(evs) != 1 || evs[0].AgentID != "self" {
		t.Fatalf("self-issued grant should carry agent 'self', got %+v", evs)
	}

	tok, err := s.Validate(ctx, resp.Token, "attr.food.dietary_restrictions", false)
	if err != nil {
		t.Fatalf("master token must satisfy any read: %v", err)
	}
	if tok.UserID != "u1" {
		t.Fatalf("validated user = %q", tok.UserID)
	}
}

func TestIssueToken_TTLOverride(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)

	start := clk.Now()
	resp, err := s.IssueToken(context.Background(), "u1", domain.IssueTokenReq{
		Scope:    "attr.food.*",
		TTLHours: 2,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := start.Add(2 * time.Hour).UnixMilli(); resp.ExpiresAt != want {
		t.Fatalf("expires_at = %d, want %d", resp.ExpiresAt, want)
	}
}

func TestApprove_HonorsRequestedTokenTTL(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)
	ctx := context.Background()

	in := foodReq("u1")
	in.TokenTTLHours = 1
	dec, err := s.RequestConsent(ctx, in)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	start := clk.Now()
	granted, err := s.Approve(ctx, "u1", dec.RequestID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if want := start.Add(time.Hour).UnixMilli(); granted.ExpiresAt != want {
		t.Fatalf("expires_at = %d, want %d (1h ttl from the request)", granted.ExpiresAt, want)
	}
}

// intTTLRepo serves request metadata with the original Go int intact, the
// shape an in-process read path delivers without a jsonb round trip
type intTTLRepo struct {
	repo.Repo
	hours int
}

func (r intTTLRepo) RequestByID(ctx context.Context, userID, requestID string) (*domain.Event, error) {
	ev, err := r.Repo.RequestByID(ctx, userID, requestID)
	if ev != nil {
		ev.Metadata = map[string]any{"token_ttl_hours": r.hours}
	}
	return ev, err
}

func TestApprove_TokenTTLSurvivesIntMetadata(t *testing.T) {
	t.Parallel()

	mem := newMemRepo()
	clk := newFakeClock()
	s := New(memDB{}, repokit.BindFunc[repo.Repo](func(repokit.Queryer) repo.Repo {
		return intTTLRepo{Repo: mem, hours: 2}
	}), Options{
		Codec:      token.New([]byte("k")),
		Registry:   stubReg{"mcp_dev": {Name: "mcp_dev", Scopes: []string{"attr.food.*"}}},
		Production: true,
		Clock:      clk.Now,
		awaitStep:  time.Millisecond,
	})
	ctx := context.Background()

	dec, err := s.RequestConsent(ctx, foodReq("u1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	start := clk.Now()
	granted, err := s.Approve(ctx, "u1", dec.RequestID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if want := start.Add(2 * time.Hour).UnixMilli(); granted.ExpiresAt != want {
		t.Fatalf("expires_at = %d, want %d (2h ttl from int metadata)", granted.ExpiresAt, want)
	}
}

func TestValidate_ScopeMismatchIsForbidden(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)
	ctx := context.Background()

	resp, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{Scope: "attr.food.*"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, err = s.Validate(ctx, resp.Token, "attr.financial.holdings", false)
	if !perr.IsCode(err, perr.ErrorCodeForbidden) {
		t.Fatalf("cross-domain use: got %v, want forbidden", err)
	}
	if !strings.Contains(err.Error(), "attr.food.*") || !strings.Contains(err.Error(), "attr.financial.holdings") {
		t.Fatalf("mismatch message must carry both scopes verbatim: %v", err)
	}
}

func TestValidateWithLedger_RejectsUngrantedToken(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestSvc(t, true)
	ctx := context.Background()

	// a well-signed token with no grant behind it fails the ledger check
	orphan := token.Encode(s.codec.IssueAt("u1", "mcp_dev", "attr.food.*", clk.Now(), time.Hour))

	if _, err := s.Validate(ctx, orphan, "", false); err != nil {
		t.Fatalf("in-process validation alone should pass: %v", err)
	}
	_, err := s.ValidateWithLedger(ctx, orphan, "", false)
	if !perr.IsCode(err, perr.ErrorCodeUnauthorized) {
		t.Fatalf("orphan token: got %v, want unauthorized", err)
	}

	// the rejection poisons the hot set, so the fast path now refuses it too
	if _, err := s.Validate(ctx, orphan, "", false); err == nil {
		t.Fatalf("hot set should reject the orphan after the ledger miss")
	}
}

func TestRevoke_ScopeFidelity(t *testing.T) {
	t.Parallel()
	s, mem, _ := newTestSvc(t, true)
	ctx := context.Background()

	food, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{Scope: "attr.food.*"})
	if err != nil {
		t.Fatalf("issue food: %v", err)
	}
	fin, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{Scope: "attr.financial.holdings"})
	if err != nil {
		t.Fatalf("issue financial: %v", err)
	}

	if err := s.Revoke(ctx, food.Token, "user requested"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// only the revoked (user, scope) pair goes dark
	active, err := s.Active(ctx, "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ScopeStr != "attr.financial.holdings" {
		t.Fatalf("active after revoke = %+v, want only the financial grant", active)
	}

	rec, err := mem.RevocationByHash(ctx, token.Hash(food.Token))
	if err != nil || rec == nil {
		t.Fatalf("durable record missing: %v %v", rec, err)
	}
	if rec.ScopeStr != "attr.food.*" || rec.Reason != "user requested" {
		t.Fatalf("revocation record = %+v", rec)
	}
	if mem.count("u1", domain.ActionRevoked) != 1 {
		t.Fatalf("expected exactly one REVOKED event")
	}

	if _, err := s.Validate(ctx, food.Token, "", false); err == nil {
		t.Fatalf("revoked token must fail validation")
	}
	if _, err := s.ValidateWithLedger(ctx, fin.Token, "", false); err != nil {
		t.Fatalf("sibling scope must survive the revocation: %v", err)
	}
}

func TestRevoke_MalformedToken(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSvc(t, true)

	err := s.Revoke(context.Background(), "not-a-token", "whatever")
	if !perr.IsCode(err, perr.ErrorCodeUnauthorized) {
		t.Fatalf("malformed token: got %v, want unauthorized", err)
	}
}

func TestLogout_MassRevoke(t *testing.T) {
	t.Parallel()
	s, mem, clk := newTestSvc(t, true)
	ctx := context.Background()

	if _, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{Scope: "attr.food.*"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.IssueToken(ctx, "u1", domain.IssueTokenReq{Scope: "attr.financial.holdings"}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.IssueToken(ctx, "u2", domain.IssueTokenReq{Scope: "attr.food.*"}); err != nil {
		t.Fatalf("issue u2: %v", err)
	}

	// a grant written before tokens were stored has nothing to hash
	exp := clk.Now().Add(time.Hour).UnixMilli()
	if _, err := mem.Append(ctx, domain.Event{
		EventKey:  "legacy",
		UserID:    "u1",
		AgentID:   "self",
		ScopeStr:  "attr.misc.legacy",
		Action:    domain.ActionGranted,
		IssuedAt:  clk.Now().UnixMilli(),
		ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("append legacy grant: %v", err)
	}

	n, err := s.Logout(ctx, "u1")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if n != 2 {
		t.Fatalf("logout revoked %d tokens, want 2", n)
	}

	u2, err := s.Active(ctx, "u2")
	if err != nil || len(u2) != 1 {
		t.Fatalf("u2 grants must survive u1's logout: %v %v", u2, err)
	}
}

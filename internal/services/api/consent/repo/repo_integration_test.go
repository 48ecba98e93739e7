//go:build integration_pg
// +build integration_pg

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"hushh/internal/platform/store"
	"hushh/internal/services/api/consent/domain"
	"hushh/migrations"
)

func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, mp.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func migrate(t *testing.T, dsn string) {
	t.Helper()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open for migrations: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("goose dialect: %v", err)
	}
	if err := goose.Up(db, "."); err != nil {
		t.Fatalf("goose up: %v", err)
	}
}

func openRepo(t *testing.T, ctx context.Context, dsn string) Repo {
	t.Helper()

	st, err := store.Open(ctx, store.Config{
		AppName: "hushh-repo-integration",
		PG:      store.PGConfig{Enabled: true, URL: dsn, MaxConns: 2},
	})
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return NewPG().Bind(st.PG)
}

func TestRepo_Integration_LedgerLifecycle(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	migrate(t, dsn)
	r := openRepo(t, ctx, dsn)

	now := time.Now().UnixMilli()
	reqID := "11111111-2222-3333-4444-555555555555"
	poll := now + time.Hour.Milliseconds()

	if _, err := r.Append(ctx, domain.Event{
		EventKey:         reqID,
		UserID:           "u1",
		AgentID:          "mcp_dev",
		ScopeStr:         "attr.food.*",
		Action:           domain.ActionRequested,
		RequestID:        &reqID,
		ScopeDescription: "all your Food data",
		IssuedAt:         now,
		PollTimeoutAt:    &poll,
		Metadata:         map[string]any{"developer": "mcp_dev"},
	}); err != nil {
		t.Fatalf("append requested: %v", err)
	}

	p, err := r.PendingFor(ctx, "u1", "attr.food.*", now)
	if err != nil || p == nil {
		t.Fatalf("pending for: %v %v", p, err)
	}
	if p.RequestID != reqID || p.ExpiryHours != 1 {
		t.Fatalf("pending = %+v", p)
	}
	if got, err := r.PendingFor(ctx, "u2", "attr.food.*", now); err != nil || got != nil {
		t.Fatalf("u2 must see no pending, got %+v %v", got, err)
	}

	// resolve the request; the grant supersedes it in every projection
	exp := now + 7*24*time.Hour.Milliseconds()
	if _, err := r.Append(ctx, domain.Event{
		EventKey:  "sig-1",
		UserID:    "u1",
		AgentID:   "mcp_dev",
		ScopeStr:  "attr.food.*",
		Action:    domain.ActionGranted,
		RequestID: &reqID,
		IssuedAt:  now + 1,
		ExpiresAt: &exp,
		Metadata:  map[string]any{"token": "HCT:payload.sig-1"},
	}); err != nil {
		t.Fatalf("append granted: %v", err)
	}

	if p, err := r.PendingFor(ctx, "u1", "attr.food.*", now+2); err != nil || p != nil {
		t.Fatalf("resolved request still pending: %+v %v", p, err)
	}
	a, err := r.ActiveFor(ctx, "u1", "attr.food.*", now+2)
	if err != nil || a == nil {
		t.Fatalf("active for: %v %v", a, err)
	}
	if a.Token != "HCT:payload.sig-1" || a.EventKey != "sig-1" {
		t.Fatalf("active = %+v", a)
	}
	// preserved-scope equality, never a broader match
	if got, err := r.ActiveFor(ctx, "u1", "attr.food.dietary_restrictions", now+2); err != nil || got != nil {
		t.Fatalf("narrow scope lookup must not match the wildcard row: %+v %v", got, err)
	}

	res, err := r.Resolved(ctx, "u1", reqID)
	if err != nil || res == nil || res.Action != domain.ActionGranted {
		t.Fatalf("resolved: %+v %v", res, err)
	}

	// a revocation event flips the (user, scope) pair dark
	if _, err := r.Append(ctx, domain.Event{
		EventKey: "sig-1",
		UserID:   "u1",
		AgentID:  "mcp_dev",
		ScopeStr: "attr.food.*",
		Action:   domain.ActionRevoked,
		IssuedAt: now + 2,
	}); err != nil {
		t.Fatalf("append revoked: %v", err)
	}
	if got, err := r.ActiveFor(ctx, "u1", "attr.food.*", now+3); err != nil || got != nil {
		t.Fatalf("revoked grant still active: %+v %v", got, err)
	}

	evs, total, err := r.History(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 || len(evs) != 3 {
		t.Fatalf("history total=%d len=%d, want 3/3", total, len(evs))
	}
	if evs[0].Action != domain.ActionRevoked {
		t.Fatalf("history must be newest first, got %+v", evs[0])
	}

	recent, err := r.RecentEventsAfter(ctx, "u1", now-1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Action != domain.ActionRequested {
		t.Fatalf("recent must replay oldest first, got %+v", recent)
	}
}

func TestRepo_Integration_PendingGuard(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	migrate(t, dsn)
	r := openRepo(t, ctx, dsn)

	now := time.Now().UnixMilli()
	live := now + time.Hour.Milliseconds()

	claimed, holder, err := r.ClaimPending(ctx, "u1", "attr.food.*", "r1", live, now)
	if err != nil || !claimed || holder != "r1" {
		t.Fatalf("first claim: %v %q %v", claimed, holder, err)
	}

	// a live guard refuses the second claim and names the holder
	claimed, holder, err = r.ClaimPending(ctx, "u1", "attr.food.*", "r2", live, now)
	if err != nil || claimed || holder != "r1" {
		t.Fatalf("second claim: %v %q %v", claimed, holder, err)
	}

	// other scopes and users are independent guards
	if claimed, _, err = r.ClaimPending(ctx, "u1", "attr.financial.holdings", "r3", live, now); err != nil || !claimed {
		t.Fatalf("sibling scope claim: %v %v", claimed, err)
	}
	if claimed, _, err = r.ClaimPending(ctx, "u2", "attr.food.*", "r4", live, now); err != nil || !claimed {
		t.Fatalf("other user claim: %v %v", claimed, err)
	}

	// a release by the wrong request id must not evict the holder
	if err := r.ReleasePending(ctx, "u1", "attr.food.*", "r2"); err != nil {
		t.Fatalf("mismatched release: %v", err)
	}
	claimed, holder, err = r.ClaimPending(ctx, "u1", "attr.food.*", "r5", live, now)
	if err != nil || claimed || holder != "r1" {
		t.Fatalf("claim after mismatched release: %v %q %v", claimed, holder, err)
	}

	if err := r.ReleasePending(ctx, "u1", "attr.food.*", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, holder, err = r.ClaimPending(ctx, "u1", "attr.food.*", "r6", now-1, now)
	if err != nil || !claimed || holder != "r6" {
		t.Fatalf("claim after release: %v %q %v", claimed, holder, err)
	}

	// r6 was claimed with a lapsed window, so a newcomer takes it over
	claimed, holder, err = r.ClaimPending(ctx, "u1", "attr.food.*", "r7", live, now)
	if err != nil || !claimed || holder != "r7" {
		t.Fatalf("stale takeover: %v %q %v", claimed, holder, err)
	}
}

func TestRepo_Integration_DenialCooldown(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	migrate(t, dsn)
	r := openRepo(t, ctx, dsn)

	now := time.Now().UnixMilli()
	reqID := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	if _, err := r.Append(ctx, domain.Event{
		EventKey:  reqID,
		UserID:    "u1",
		AgentID:   "mcp_dev",
		ScopeStr:  "attr.financial.holdings",
		Action:    domain.ActionDenied,
		RequestID: &reqID,
		IssuedAt:  now,
	}); err != nil {
		t.Fatalf("append denied: %v", err)
	}

	denied, err := r.RecentlyDenied(ctx, "u1", "attr.financial.holdings", time.Minute, now+1_000)
	if err != nil || !denied {
		t.Fatalf("inside cooldown: %v %v", denied, err)
	}
	denied, err = r.RecentlyDenied(ctx, "u1", "attr.financial.holdings", time.Minute, now+61_000)
	if err != nil || denied {
		t.Fatalf("past cooldown: %v %v", denied, err)
	}

	// a later grant clears the denial regardless of recency
	exp := now + time.Hour.Milliseconds()
	if _, err := r.Append(ctx, domain.Event{
		EventKey:  "sig-2",
		UserID:    "u1",
		AgentID:   "mcp_dev",
		ScopeStr:  "attr.financial.holdings",
		Action:    domain.ActionGranted,
		IssuedAt:  now + 10,
		ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("append granted: %v", err)
	}
	denied, err = r.RecentlyDenied(ctx, "u1", "attr.financial.holdings", time.Minute, now+20)
	if err != nil || denied {
		t.Fatalf("grant must clear the cooldown: %v %v", denied, err)
	}
}

func TestRepo_Integration_RevocationsSurviveReconnect(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	migrate(t, dsn)
	r := openRepo(t, ctx, dsn)

	rec := domain.RevocationRecord{
		TokenHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		UserID:    "u1",
		ScopeStr:  "attr.food.*",
		RevokedAt: time.Now().UnixMilli(),
		Reason:    "user requested",
	}
	if err := r.InsertRevocation(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// replays are harmless
	if err := r.InsertRevocation(ctx, rec); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	// a fresh pool simulates a process restart; the record must still be there
	r2 := openRepo(t, ctx, dsn)
	got, err := r2.RevocationByHash(ctx, rec.TokenHash)
	if err != nil || got == nil {
		t.Fatalf("lookup after reconnect: %+v %v", got, err)
	}
	if got.ScopeStr != rec.ScopeStr || got.Reason != rec.Reason {
		t.Fatalf("record = %+v, want %+v", got, rec)
	}

	list, err := r2.RevocationsForUser(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("revocations for user: %+v %v", list, err)
	}
}

package domain

import (
	"context"
	"time"

	"hushh/internal/core/token"
)

// ServicePort is the full coordinator surface implemented by the consent service
type ServicePort interface {
	RequestConsent(ctx context.Context, in RequestConsentReq) (Decision, error)
	Approve(ctx context.Context, userID, requestID string) (Decision, error)
	Deny(ctx context.Context, userID, requestID, reason string) (Decision, error)
	AwaitDecision(ctx context.Context, userID, requestID string, timeout time.Duration) (Decision, error)

	IssueToken(ctx context.Context, userID string, in IssueTokenReq) (TokenResp, error)
	Validate(ctx context.Context, tokenStr, expectedScope string, write bool) (token.Token, error)
	ValidateWithLedger(ctx context.Context, tokenStr, expectedScope string, write bool) (token.Token, error)
	Revoke(ctx context.Context, tokenStr, reason string) error
	Logout(ctx context.Context, userID string) (int, error)

	Pending(ctx context.Context, userID string) ([]PendingRequest, error)
	Active(ctx context.Context, userID string) ([]ActiveToken, error)
	History(ctx context.Context, userID string, page, limit int) ([]Event, int, error)
	LogOperation(ctx context.Context, userID, agentID, scopeStr, detail string) error
}

// ReadPort is the projection-only view other modules consume
// The notification bus polls RecentEventsAfter; the audit slice reads the
// operation trail through its own repo
type ReadPort interface {
	Pending(ctx context.Context, userID string) ([]PendingRequest, error)
	Resolved(ctx context.Context, userID, requestID string) (*Event, error)
	RecentEventsAfter(ctx context.Context, userID string, sinceMs int64, limit int) ([]Event, error)
	ActiveFor(ctx context.Context, userID, scopeStr string) (*ActiveToken, error)
}

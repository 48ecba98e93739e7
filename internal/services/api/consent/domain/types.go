// Package domain holds consent core types independent of transport or storage
package domain

// Action is the ledger event kind
type Action string

const (
	// ActionRequested records a developer asking for consent
	ActionRequested Action = "REQUESTED"

	// ActionGranted records the user approving a request
	ActionGranted Action = "CONSENT_GRANTED"

	// ActionDenied records the user refusing a request
	ActionDenied Action = "CONSENT_DENIED"

	// ActionRevoked records a token being revoked
	ActionRevoked Action = "REVOKED"

	// ActionOperation records a consent gated tool execution
	ActionOperation Action = "OPERATION_PERFORMED"
)

// Decision statuses returned by the coordinator
const (
	// StatusPending means the request is waiting on the user
	StatusPending = "pending"

	// StatusAlreadyGranted means an active grant exists and its token is returned
	StatusAlreadyGranted = "already_granted"

	// StatusGranted means the user just approved
	StatusGranted = "granted"

	// StatusDenied means the user refused
	StatusDenied = "denied"

	// StatusDeniedCooldown means a recent denial suppresses this request
	StatusDeniedCooldown = "denied_cooldown"

	// StatusTimeout means no decision arrived inside the wait window
	StatusTimeout = "timeout"
)

// Event is one append-only ledger row. Events are never mutated or deleted;
// every current-state view is a projection over them
//
// ScopeStr carries the scope exactly as granted. Coercing it to a broader
// form anywhere would break domain isolation, so it travels byte for byte
// from issuance to storage to error messages
type Event struct {
	ID               int64
	EventKey         string
	UserID           string
	AgentID          string
	ScopeStr         string
	Action           Action
	RequestID        *string
	ScopeDescription string
	IssuedAt         int64
	ExpiresAt        *int64
	PollTimeoutAt    *int64
	Metadata         map[string]any
}

// PendingRequest is the projection of a REQUESTED event still awaiting a
// decision inside its poll window
type PendingRequest struct {
	RequestID        string `json:"request_id" example:"7d8f2a9c-1b34-4e6f-9a21-3c5d7e9f0b12"`
	AgentID          string `json:"agent_id" example:"mcp_dev"`
	ScopeStr         string `json:"scope" example:"attr.food.*"`
	ScopeDescription string `json:"scope_description" example:"all your Food data"`
	RequestedAt      int64  `json:"requested_at" example:"1756100000000"`
	PollTimeoutAt    int64  `json:"poll_timeout_at" example:"1756103600000"`
	ExpiryHours      int    `json:"expiry_hours" example:"1"`
}

// ActiveToken is the projection of a grant that is neither revoked nor expired
// Token is the stored wire form so callers re-requesting the same scope get
// the original token back
type ActiveToken struct {
	UserID    string `json:"user_id" example:"u1"`
	AgentID   string `json:"agent_id" example:"mcp_dev"`
	ScopeStr  string `json:"scope" example:"attr.food.*"`
	IssuedAt  int64  `json:"issued_at" example:"1756100000000"`
	ExpiresAt int64  `json:"expires_at" example:"1756704800000"`
	EventKey  string `json:"event_key" example:"9f86d081884c7d65..."`
	Token     string `json:"-"`
}

// RevocationRecord is the durable form of a revocation
// TokenHash is SHA-256 of the wire token; plaintext tokens never land durably
type RevocationRecord struct {
	TokenHash string
	UserID    string
	ScopeStr  string
	RevokedAt int64
	Reason    string
}

// Decision is the coordinator outcome surfaced to callers
type Decision struct {
	Status    string `json:"status" example:"pending"`
	RequestID string `json:"request_id,omitempty" example:"7d8f2a9c-1b34-4e6f-9a21-3c5d7e9f0b12"`
	Token     string `json:"consent_token,omitempty" example:"HCT:dTF8bWNwX2Rldnxh....3b9c"`
	ExpiresAt int64  `json:"expires_at,omitempty" example:"1756704800000"`
	Message   string `json:"message,omitempty" example:"user approval required"`
}

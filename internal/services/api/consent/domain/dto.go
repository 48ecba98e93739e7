// Package domain holds DTOs for consent http and service contracts
package domain

// RequestConsentReq starts the two-step flow for an external developer
type RequestConsentReq struct {
	DeveloperToken string `json:"developer_token" validate:"required,min=1,max=200" example:"mcp_dev"`
	UserID         string `json:"user_id"         validate:"required,min=1,max=200" example:"u1"`
	Scope          string `json:"scope"           validate:"required,min=1,max=300" example:"attr.food.*"`
	ExpiryHours    int    `json:"expiry_hours"    validate:"omitempty,min=0,max=240" example:"1"`
	TokenTTLHours  int    `json:"token_ttl_hours" validate:"omitempty,min=0,max=8760" example:"168"`
}

// IssueTokenReq self-issues a token for the authenticated principal
// Scope defaults to vault.owner when empty
type IssueTokenReq struct {
	Scope    string `json:"scope"     validate:"omitempty,min=1,max=300" example:"vault.owner"`
	TTLHours int    `json:"ttl_hours" validate:"omitempty,min=0,max=8760" example:"168"`
}

// TokenResp returns a freshly minted token
type TokenResp struct {
	Token     string `json:"consent_token" example:"HCT:dTF8bWNwX2Rldnxh....3b9c"`
	Scope     string `json:"scope" example:"vault.owner"`
	IssuedAt  int64  `json:"issued_at" example:"1756100000000"`
	ExpiresAt int64  `json:"expires_at" example:"1756704800000"`
}

// ValidateReq checks a presented token against an expected scope
type ValidateReq struct {
	Token         string `json:"token"          validate:"required,min=1" example:"HCT:dTF8bWNwX2Rldnxh....3b9c"`
	ExpectedScope string `json:"expected_scope" validate:"omitempty,max=300" example:"attr.food.dietary_restrictions"`
	Write         bool   `json:"write,omitempty" example:"false"`
}

// ValidateResp reports the verification outcome
type ValidateResp struct {
	Valid     bool   `json:"valid" example:"true"`
	UserID    string `json:"user_id,omitempty" example:"u1"`
	AgentID   string `json:"agent_id,omitempty" example:"mcp_dev"`
	Scope     string `json:"scope,omitempty" example:"attr.food.*"`
	ExpiresAt int64  `json:"expires_at,omitempty" example:"1756704800000"`
}

// RevokeReq revokes one token by its wire form
type RevokeReq struct {
	Token  string `json:"token"  validate:"required,min=1" example:"HCT:dTF8bWNwX2Rldnxh....3b9c"`
	Reason string `json:"reason" validate:"omitempty,max=500" example:"user requested"`
}

// LogoutResp reports how many tokens a mass revocation touched
type LogoutResp struct {
	Revoked int `json:"revoked" example:"3"`
}

// DenyReq carries an optional denial reason
type DenyReq struct {
	Reason string `json:"reason" validate:"omitempty,max=500" example:"not comfortable sharing this"`
}

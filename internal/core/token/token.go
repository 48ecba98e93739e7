// Package token implements the signed consent token codec
//
// Wire form
//
//	HCT:<base64url(user_id|agent_id|scope_str|issued_at|expires_at)>.<hex signature>
//
// Timestamps are base-10 milliseconds, the signature is lowercase 64-char
// HMAC-SHA256 hex over the pipe-joined payload. The scope string travels
// byte for byte: it is never rewritten to a broader form, and it is the
// string used in every error message and downstream lookup
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hushh/internal/core/scope"
)

// Prefix tags every consent token on the wire
const Prefix = "HCT"

// Verification failures surface these exact strings to callers
var (
	ErrRevoked      = errors.New("Token has been revoked")
	ErrBadPrefix    = errors.New("Invalid token prefix")
	ErrBadSignature = errors.New("Invalid signature")
	ErrExpired      = errors.New("Token expired")
)

// ScopeMismatchError reports a valid token presented for the wrong scope
// Granted carries the preserved scope string from the token payload
type ScopeMismatchError struct {
	Granted  string
	Required string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("Scope mismatch: token has '%s', but '%s' required", e.Granted, e.Required)
}

// MalformedError reports a structural decode failure
type MalformedError struct {
	Detail string
}

func (e *MalformedError) Error() string { return "Malformed token: " + e.Detail }

// IsMalformed reports whether err is a structural decode failure
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Token is the decoded consent token. Immutable once minted
type Token struct {
	UserID    string
	AgentID   string
	ScopeStr  string
	IssuedAt  int64
	ExpiresAt int64
	Signature string
}

// Expired reports whether the token is past its expiry at now
func (t Token) Expired(now time.Time) bool {
	return now.UnixMilli() > t.ExpiresAt
}

// RevocationChecker is the hot-path revocation set consulted before any
// crypto work. Implementations must be safe for concurrent readers
type RevocationChecker interface {
	IsRevoked(tokenStr string) bool
}

// Codec signs and verifies consent tokens with a process-wide secret
// The secret is read-only after construction and never rotates in-process
type Codec struct {
	secret []byte
}

// New constructs a Codec
// An empty secret is a deployment error and fails loudly at startup
func New(secret []byte) *Codec {
	if len(secret) == 0 {
		panic("token.Codec requires a non empty secret")
	}
	return &Codec{secret: secret}
}

// Issue mints a signed token for (userID, agentID, scopeStr) valid for ttl
func (c *Codec) Issue(userID, agentID, scopeStr string, ttl time.Duration) Token {
	return c.IssueAt(userID, agentID, scopeStr, time.Now(), ttl)
}

// IssueAt is Issue with an explicit clock for deterministic tests
func (c *Codec) IssueAt(userID, agentID, scopeStr string, now time.Time, ttl time.Duration) Token {
	iat := now.UnixMilli()
	exp := now.Add(ttl).UnixMilli()
	return Token{
		UserID:    userID,
		AgentID:   agentID,
		ScopeStr:  scopeStr,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Signature: c.Sign(userID, agentID, scopeStr, iat, exp),
	}
}

// Sign computes the lowercase hex HMAC-SHA256 over the payload fields
func (c *Codec) Sign(userID, agentID, scopeStr string, issuedAt, expiresAt int64) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload(userID, agentID, scopeStr, issuedAt, expiresAt)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode renders the wire form
func Encode(t Token) string {
	p := payload(t.UserID, t.AgentID, t.ScopeStr, t.IssuedAt, t.ExpiresAt)
	return Prefix + ":" + base64.RawURLEncoding.EncodeToString([]byte(p)) + "." + t.Signature
}

// Decode parses the wire form without verifying anything cryptographic
// Structural failures return ErrBadPrefix or a MalformedError naming the part
// that failed
func Decode(s string) (Token, error) {
	head, rest, ok := strings.Cut(s, ":")
	if !ok || head != Prefix {
		return Token{}, ErrBadPrefix
	}
	if strings.Contains(rest, ":") {
		return Token{}, &MalformedError{Detail: "unexpected ':' in body"}
	}
	b64, sig, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(sig, ".") {
		return Token{}, &MalformedError{Detail: "expected <payload>.<signature>"}
	}
	// tolerate padded base64url from other producers
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil {
		return Token{}, &MalformedError{Detail: "payload is not base64url"}
	}
	fields := strings.Split(string(raw), "|")
	if len(fields) != 5 {
		return Token{}, &MalformedError{Detail: "expected 5 payload fields"}
	}
	iat, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Token{}, &MalformedError{Detail: "issued_at is not an integer"}
	}
	exp, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Token{}, &MalformedError{Detail: "expires_at is not an integer"}
	}
	return Token{
		UserID:    fields[0],
		AgentID:   fields[1],
		ScopeStr:  fields[2],
		IssuedAt:  iat,
		ExpiresAt: exp,
		Signature: sig,
	}, nil
}

// Verify runs the full validation order against the current clock for a read
// operation
func (c *Codec) Verify(tokenStr, expectedScope string, revoked RevocationChecker) (Token, error) {
	return c.VerifyOpAt(tokenStr, expectedScope, false, time.Now(), revoked)
}

// VerifyAt is Verify with an explicit clock
func (c *Codec) VerifyAt(tokenStr, expectedScope string, now time.Time, revoked RevocationChecker) (Token, error) {
	return c.VerifyOpAt(tokenStr, expectedScope, false, now, revoked)
}

// VerifyOpAt checks, in order: the in-memory revocation set, structure, the
// signature in constant time, expiry, and finally the expected scope when one
// is supplied. write marks the request as a mutation for the scope check.
// The first failure wins and is returned verbatim
func (c *Codec) VerifyOpAt(tokenStr, expectedScope string, write bool, now time.Time, revoked RevocationChecker) (Token, error) {
	if revoked != nil && revoked.IsRevoked(tokenStr) {
		return Token{}, ErrRevoked
	}

	t, err := Decode(tokenStr)
	if err != nil {
		return Token{}, err
	}

	want := c.Sign(t.UserID, t.AgentID, t.ScopeStr, t.IssuedAt, t.ExpiresAt)
	if !hmac.Equal([]byte(t.Signature), []byte(want)) {
		return Token{}, ErrBadSignature
	}

	if t.Expired(now) {
		return Token{}, ErrExpired
	}

	if expectedScope != "" && !scope.SatisfiesOp(t.ScopeStr, expectedScope, write) {
		return Token{}, &ScopeMismatchError{Granted: t.ScopeStr, Required: expectedScope}
	}

	return t, nil
}

// Hash is the durable identifier for a token: SHA-256 hex of the wire string
// Plaintext tokens never reach a durable store
func Hash(tokenStr string) string {
	sum := sha256.Sum256([]byte(tokenStr))
	return hex.EncodeToString(sum[:])
}

// payload joins the signed fields, no trailing pipe
func payload(userID, agentID, scopeStr string, issuedAt, expiresAt int64) string {
	return userID + "|" + agentID + "|" + scopeStr + "|" +
		strconv.FormatInt(issuedAt, 10) + "|" + strconv.FormatInt(expiresAt, 10)
}

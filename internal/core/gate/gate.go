// Package gate binds an active consent principal to a context.Context and
// refuses tool execution outside of one
//
// The context value is explicit by design: handlers receive identity through
// the ctx they were called with, never through process-global state. Exit
// clearing is structural because the binding dies with the context tree
package gate

import (
	"context"
	"errors"

	"hushh/internal/core/token"
)

// Refusals surfaced to tool callers
var (
	ErrNoContext    = errors.New("No active consent context")
	ErrUserMismatch = errors.New("Token user mismatch")
)

// Consent is the active principal for a tool invocation
// VaultKeys is opaque key material some tools forward to vault collaborators;
// the gate never reads it
type Consent struct {
	UserID    string
	Token     string
	VaultKeys map[string]string
}

type key struct{}

// With binds c for the duration of the returned context
func With(ctx context.Context, c Consent) context.Context {
	return context.WithValue(ctx, key{}, c)
}

// From returns the active consent, if any
func From(ctx context.Context) (Consent, bool) {
	c, ok := ctx.Value(key{}).(Consent)
	return c, ok
}

// Verifier checks a token against a required scope
// The consent service provides the production implementation, wiring in its
// revocation set; write marks mutating operations
type Verifier interface {
	VerifyOp(tokenStr, expectedScope string, write bool) (token.Token, error)
}

// Gate guards tool entry
type Gate struct {
	v Verifier
}

// New constructs a Gate
func New(v Verifier) *Gate {
	if v == nil {
		panic("gate.Gate requires a non nil Verifier")
	}
	return &Gate{v: v}
}

// Require validates the active context against requiredScope for a read
// Returns the verified token so tools can log the acting agent
func (g *Gate) Require(ctx context.Context, requiredScope string) (token.Token, error) {
	return g.require(ctx, requiredScope, false)
}

// RequireWrite is Require for mutating operations
func (g *Gate) RequireWrite(ctx context.Context, requiredScope string) (token.Token, error) {
	return g.require(ctx, requiredScope, true)
}

func (g *Gate) require(ctx context.Context, requiredScope string, write bool) (token.Token, error) {
	c, ok := From(ctx)
	if !ok {
		return token.Token{}, ErrNoContext
	}

	tok, err := g.v.VerifyOp(c.Token, requiredScope, write)
	if err != nil {
		return token.Token{}, err
	}

	// identity spoofing defense: the token must belong to the bound user
	if tok.UserID != c.UserID {
		return token.Token{}, ErrUserMismatch
	}

	return tok, nil
}

// Tool is any consent-gated function body
type Tool[Req, Resp any] func(ctx context.Context, in Req) (Resp, error)

// Gated wraps fn so it refuses to run without a valid consent context
// carrying requiredScope. Entry and exit only; the body is untouched and may
// itself suspend on ctx
func Gated[Req, Resp any](g *Gate, requiredScope string, fn Tool[Req, Resp]) Tool[Req, Resp] {
	return gated(g, requiredScope, false, fn)
}

// GatedWrite is Gated for mutating tools
func GatedWrite[Req, Resp any](g *Gate, requiredScope string, fn Tool[Req, Resp]) Tool[Req, Resp] {
	return gated(g, requiredScope, true, fn)
}

func gated[Req, Resp any](g *Gate, requiredScope string, write bool, fn Tool[Req, Resp]) Tool[Req, Resp] {
	return func(ctx context.Context, in Req) (Resp, error) {
		if _, err := g.require(ctx, requiredScope, write); err != nil {
			var zero Resp
			return zero, err
		}
		return fn(ctx, in)
	}
}

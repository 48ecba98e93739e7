// Package identity resolves session callers from bearer credentials
//
// Sessions are HS256 JWTs whose sub claim is the vault user id. Demo
// installs may also identify with the X-User-Id header or stay anonymous;
// production accepts only signed sessions
package identity

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hushh/internal/platform/config"
	perr "hushh/internal/platform/errors"
)

// Verifier implements the auth middleware port
type Verifier struct {
	secret     []byte
	production bool
}

// Options configure the verifier
type Options struct {
	// Secret signs and checks session JWTs
	Secret string

	// Production rejects anonymous and header-identified callers
	Production bool
}

// FromConfig reads IDENTITY_* values from process config/env
func FromConfig(cfg config.Conf) Options {
	ic := cfg.Prefix("IDENTITY_")
	return Options{
		Secret:     ic.MayString("JWT_SECRET", ""),
		Production: cfg.MayBool("PRODUCTION_MODE", true),
	}
}

// New constructs a Verifier
// Production with no secret is a deployment mistake, not a runtime condition
func New(opt Options) *Verifier {
	if opt.Production && opt.Secret == "" {
		panic("identity.Verifier requires IDENTITY_JWT_SECRET in production")
	}
	return &Verifier{secret: []byte(opt.Secret), production: opt.Production}
}

// Parse resolves the session user for a request
// Missing credentials resolve to anonymous rather than an error because
// developer routes authenticate with registry tokens in the body; handlers
// that need a session enforce it themselves. Demo installs may also
// identify with X-User-Id; production ignores that header
func (v *Verifier) Parse(r *http.Request) (string, string, error) {
	raw, ok := bearer(r)
	if !ok {
		if !v.production {
			if uid := strings.TrimSpace(r.Header.Get("X-User-Id")); uid != "" {
				return uid, "", nil
			}
		}
		return "", "", nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", perr.Unauthorizedf("invalid session token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", perr.Unauthorizedf("session token missing subject")
	}

	tenant, _ := claims["tid"].(string)
	return sub, tenant, nil
}

// Mint issues a session JWT for a user
// Used by local tooling and tests; the API itself never mints sessions
func (v *Verifier) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return tok.SignedString(v.secret)
}

func bearer(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(authz[len(prefix):])
	return raw, raw != ""
}

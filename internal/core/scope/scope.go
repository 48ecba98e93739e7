// Package scope parses and matches consent scope strings
//
// A scope is one of four shapes
//   - master: the exact string vault.owner, grants everything
//   - static: dotted lowercase identifiers like portfolio.import, exact match only
//   - dynamic specific: attr.<domain>.<key>
//   - dynamic wildcard: attr.<domain>.*
//
// Domains are opaque segments here; which domains exist is the registry's
// problem. The raw string is preserved on every parse so that storage and
// error messages never see a coerced form
package scope

import "strings"

// Master is the scope that grants everything the vault owner can do
const Master = "vault.owner"

// WorldModelRead is the broad read grant covering every dynamic scope
const WorldModelRead = "world_model.read"

// WorldModelWrite is the write counterpart, honored only on write operations
const WorldModelWrite = "world_model.write"

// dynamicPrefix marks the dynamic attribute namespace
const dynamicPrefix = "attr."

// underscorePrefix is the alternate ingress spelling attr_<domain>
const underscorePrefix = "attr_"

// Kind classifies a parsed scope
type Kind uint8

const (
	// KindUnclassified is anything that failed to parse; it matches nothing
	KindUnclassified Kind = iota

	// KindMaster is vault.owner
	KindMaster

	// KindStatic is an exact-match operation scope
	KindStatic

	// KindDynamicSpecific is attr.<domain>.<key>
	KindDynamicSpecific

	// KindDynamicWildcard is attr.<domain>.*
	KindDynamicWildcard
)

// String returns the kind name for logs and tests
func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindStatic:
		return "static"
	case KindDynamicSpecific:
		return "dynamic_specific"
	case KindDynamicWildcard:
		return "dynamic_wildcard"
	default:
		return "unclassified"
	}
}

// Scope is the parsed form of a scope string
// Raw always carries the input byte for byte; Domain and Key are only set for
// the dynamic kinds. There is deliberately no enum for dynamic scopes: the
// domain segment must survive parsing intact or isolation breaks
type Scope struct {
	Raw    string
	Kind   Kind
	Domain string
	Key    string
}

// IsDynamic reports whether the scope names a dynamic attribute
func (s Scope) IsDynamic() bool {
	return s.Kind == KindDynamicSpecific || s.Kind == KindDynamicWildcard
}

// Parse classifies s without ever rejecting it
// Unknown shapes come back KindUnclassified with Raw preserved
func Parse(s string) Scope {
	if s == Master {
		return Scope{Raw: s, Kind: KindMaster}
	}
	if strings.HasPrefix(s, dynamicPrefix) {
		rest := s[len(dynamicPrefix):]
		parts := strings.Split(rest, ".")
		if len(parts) == 2 && isSegment(parts[0]) {
			if parts[1] == "*" {
				return Scope{Raw: s, Kind: KindDynamicWildcard, Domain: parts[0]}
			}
			if isSegment(parts[1]) {
				return Scope{Raw: s, Kind: KindDynamicSpecific, Domain: parts[0], Key: parts[1]}
			}
		}
		// malformed dynamic attempts stay unclassified rather than
		// falling through to static and becoming grantable
		return Scope{Raw: s, Kind: KindUnclassified}
	}
	if isStatic(s) {
		return Scope{Raw: s, Kind: KindStatic}
	}
	return Scope{Raw: s, Kind: KindUnclassified}
}

// Normalize applies lossless canonicalisation only
// The underscore ingress form attr_<domain> becomes attr.<domain>.*; every
// other input passes through untouched for later rejection. Idempotent
func Normalize(s string) string {
	if strings.HasPrefix(s, underscorePrefix) {
		domain := s[len(underscorePrefix):]
		if isSegment(domain) {
			return dynamicPrefix + domain + ".*"
		}
	}
	return s
}

// Valid reports whether s parses to something grantable
// Ingress handlers reject invalid scope strings with a 400 before they can
// ever be stored or matched
func Valid(s string) bool {
	return Parse(s).Kind != KindUnclassified
}

// isSegment checks the [a-z][a-z0-9_]* shape for domains and keys
func isSegment(s string) bool {
	if s == "" {
		return false
	}
	if s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// isStatic accepts two or more dotted segments, each [a-z][a-z0-9_]*
func isStatic(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if !isSegment(p) {
			return false
		}
	}
	return true
}

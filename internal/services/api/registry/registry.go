// Package registry holds the developer registry: who may start the two-step
// consent flow and which scopes they may ask for
//
// The registry is a YAML file loaded once at startup. Developer tokens are
// held as SHA-256 hashes in memory; plaintext entries are hashed at load so a
// heap dump never shows a credential. Lookups hash the presented token and
// compare
package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hushh/internal/core/scope"
)

// Developer is one registered external caller
type Developer struct {
	Name      string
	TokenHash string
	Scopes    []string
}

// ApprovesScope reports whether the developer may request scopeStr
// Exact string match against the approved set, which is normalized at load
// so it compares against normalized requests; a single "*" entry approves
// everything
func (d Developer) ApprovesScope(scopeStr string) bool {
	for _, s := range d.Scopes {
		if s == "*" || s == scopeStr {
			return true
		}
	}
	return false
}

// Registry answers developer token lookups
type Registry struct {
	byHash map[string]Developer
}

// File is the on-disk YAML shape
type File struct {
	Developers []FileEntry `yaml:"developers"`
}

// FileEntry is one developer in the YAML file
// Either Token (plaintext, hashed at load) or TokenHash must be set
type FileEntry struct {
	Name      string   `yaml:"name"`
	Token     string   `yaml:"token,omitempty"`
	TokenHash string   `yaml:"token_hash,omitempty"`
	Scopes    []string `yaml:"scopes"`
}

// Empty returns a registry that rejects every developer token
func Empty() *Registry {
	return &Registry{byHash: map[string]Developer{}}
}

// Load reads and indexes a registry file
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return FromFile(f)
}

// FromFile indexes a parsed registry file
func FromFile(f File) (*Registry, error) {
	r := Empty()
	for i, e := range f.Developers {
		if err := validateEntry(i, e); err != nil {
			return nil, err
		}
		h := e.TokenHash
		if h == "" {
			h = HashToken(e.Token)
		}
		// store the canonical spelling; requests are normalized before the
		// approval check, so the stored set must be too
		scopes := make([]string, 0, len(e.Scopes))
		for _, s := range e.Scopes {
			if s == "*" {
				scopes = append(scopes, s)
				continue
			}
			scopes = append(scopes, scope.Normalize(s))
		}
		r.byHash[h] = Developer{Name: e.Name, TokenHash: h, Scopes: scopes}
	}
	return r, nil
}

// Lookup resolves a presented developer token
func (r *Registry) Lookup(devToken string) (Developer, bool) {
	want := HashToken(devToken)
	for h, d := range r.byHash {
		if subtle.ConstantTimeCompare([]byte(h), []byte(want)) == 1 {
			return d, true
		}
	}
	return Developer{}, false
}

// Len reports how many developers are registered
func (r *Registry) Len() int { return len(r.byHash) }

// HashToken is the registry credential hash: SHA-256 hex of the token
func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Lint validates a registry file without loading it into a process
// Used by the registry CLI; returns the first problem found
func Lint(f File) error {
	seen := map[string]struct{}{}
	for i, e := range f.Developers {
		if err := validateEntry(i, e); err != nil {
			return err
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("developers[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Seal replaces plaintext tokens with their hashes, in place
func Seal(f *File) {
	for i := range f.Developers {
		e := &f.Developers[i]
		if e.Token != "" {
			e.TokenHash = HashToken(e.Token)
			e.Token = ""
		}
	}
}

// Marshal renders a file back to YAML
func Marshal(f File) ([]byte, error) { return yaml.Marshal(f) }

func validateEntry(i int, e FileEntry) error {
	if e.Name == "" {
		return fmt.Errorf("developers[%d]: missing name", i)
	}
	if e.Token == "" && e.TokenHash == "" {
		return fmt.Errorf("developers[%d] (%s): needs token or token_hash", i, e.Name)
	}
	if e.Token != "" && e.TokenHash != "" {
		return fmt.Errorf("developers[%d] (%s): token and token_hash are mutually exclusive", i, e.Name)
	}
	if e.TokenHash != "" {
		if len(e.TokenHash) != 64 {
			return fmt.Errorf("developers[%d] (%s): token_hash must be 64 hex chars", i, e.Name)
		}
		if _, err := hex.DecodeString(e.TokenHash); err != nil {
			return fmt.Errorf("developers[%d] (%s): token_hash is not hex", i, e.Name)
		}
	}
	if len(e.Scopes) == 0 {
		return fmt.Errorf("developers[%d] (%s): needs at least one scope", i, e.Name)
	}
	for _, s := range e.Scopes {
		if s == "*" {
			continue
		}
		if !scope.Valid(scope.Normalize(s)) {
			return fmt.Errorf("developers[%d] (%s): invalid scope %q", i, e.Name, s)
		}
	}
	return nil
}

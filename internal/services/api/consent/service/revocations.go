package service

import (
	"sync"
	"sync/atomic"

	"hushh/internal/core/token"
)

// revocationSet is the hot-path revocation index: token hashes of everything
// this process knows to be dead
//
// Reads dominate (every validation consults it) so the set is copy-on-write
// behind an atomic pointer: readers never lock, writers swap a fresh map under
// a mutex. It is not eagerly loaded at startup; ValidateWithLedger admits any
// durable revocation it discovers
type revocationSet struct {
	mu sync.Mutex
	p  atomic.Pointer[map[string]struct{}]
}

func newRevocationSet() *revocationSet {
	s := &revocationSet{}
	empty := map[string]struct{}{}
	s.p.Store(&empty)
	return s
}

// Has reports whether hash is revoked. Lock free
func (s *revocationSet) Has(hash string) bool {
	_, ok := (*s.p.Load())[hash]
	return ok
}

// Add admits hash into the set
func (s *revocationSet) Add(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.p.Load()
	if _, ok := cur[hash]; ok {
		return
	}
	next := make(map[string]struct{}, len(cur)+1)
	for k := range cur {
		next[k] = struct{}{}
	}
	next[hash] = struct{}{}
	s.p.Store(&next)
}

// IsRevoked implements token.RevocationChecker over wire tokens
func (s *revocationSet) IsRevoked(tokenStr string) bool {
	return s.Has(token.Hash(tokenStr))
}

// Package policy implements the allow/block decision surface (C2): a pure
// query layer re-read on every call, backed by a domain->threshold map an
// external editor may mutate concurrently. No internal caching, no
// persistence -- spec.md explicitly excludes policy persistence.
package policy

import (
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"filterproxy/internal/logx"
)

// NoLimit/BlockAll mirror the threshold sentinels from the wire contract.
const (
	NoLimit  int64 = -1
	BlockAll int64 = 0
)

var log = logx.New(logx.WithPrefix("policy"))

// Store is the policy filter: a domain->threshold map plus a global enable
// flag, guarded by a mutex since the external policy editor and the relay
// engine's query path run concurrently. Per-query consistency is sufficient
// (spec.md §5) -- callers never need a consistent view across two calls.
type Store struct {
	mu         sync.RWMutex
	enabled    bool
	thresholds map[string]int64
}

func NewStore() *Store {
	return &Store{enabled: true, thresholds: make(map[string]int64)}
}

// SetEnabled flips the global gate. When disabled, ShouldAllow always
// returns Allow regardless of the threshold map.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Set installs the threshold for domain, replacing any previous value.
func (s *Store) Set(domain string, threshold int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[normalize(domain)] = threshold
}

// Delete removes a domain's threshold entry entirely.
func (s *Store) Delete(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.thresholds, normalize(domain))
}

// Replace swaps in an entirely new threshold map, e.g. after the external
// editor reloads its source of truth wholesale.
func (s *Store) Replace(enabled bool, thresholds map[string]int64) {
	cp := make(map[string]int64, len(thresholds))
	for k, v := range thresholds {
		cp[normalize(k)] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.thresholds = cp
}

func normalize(domain string) string {
	a, err := idna.ToASCII(strings.ToLower(strings.TrimSpace(domain)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(domain))
	}
	return a
}

// Decision is the outcome of ShouldAllow.
type Decision int

const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Block {
		return "block"
	}
	return "allow"
}

// ShouldAllow decides whether to open a connection to host:port at all.
// When the store is globally disabled, it always allows. Otherwise any
// threshold-map key that is a case-insensitive substring of host and maps
// to BlockAll (0) blocks; every other case allows (byte-threshold blocking
// happens later, in the relay's stream-block check).
func (s *Store) ShouldAllow(host string, port uint16) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return Allow
	}
	lhost := strings.ToLower(host)
	for domain, threshold := range s.thresholds {
		if threshold == BlockAll && strings.Contains(lhost, domain) {
			log.Debugf("blocking %s:%d on matched domain %q", host, port, domain)
			return Block
		}
	}
	return Allow
}

// StreamBlockThreshold looks up the per-domain cumulative download-byte
// threshold for sni. It returns (0, false) when no key matches or the
// matched value is NoLimit; otherwise (t, true) where t may itself be 0
// (block-at-zero-bytes, per spec.md §9).
func (s *Store) StreamBlockThreshold(sni string) (threshold int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled || sni == "" {
		return 0, false
	}
	lsni := strings.ToLower(sni)
	for domain, t := range s.thresholds {
		if strings.Contains(lsni, domain) {
			if t == NoLimit {
				return 0, false
			}
			return t, true
		}
	}
	return 0, false
}

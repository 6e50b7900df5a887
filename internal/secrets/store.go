// Package secrets implements a single reader-writer-lock-guarded view
// over a process-wide set of named secret values,
// hot-reloaded from the environment by a background task on a fixed
// cadence, that internal/policy's header-authorization rules resolve
// SecretAuthRule.SecretName against (policy.SecretStore).
package secrets

import (
	"context"
	"sync"
	"time"

	"chiselcore.dev/chiselcore/internal/config"
)

// Store is a policy.SecretStore backed by CHISELCORE_SECRET_<NAME>
// environment variables, re-read on a fixed cadence so a secret rotated
// underneath a running process takes effect without a restart. The set of
// names it tracks grows as applies register new header-auth rules; it
// never shrinks, since a retired version's secret may still be named by a
// version still live.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	known  map[string]bool
	prefix string
}

// New builds an empty Store resolving registered names against
// "<prefix>_SECRET_<NAME>" environment variables.
func New(prefix string) *Store {
	return &Store{values: make(map[string]string), known: make(map[string]bool), prefix: prefix}
}

// Register adds name to the set of secrets this Store tracks, if not
// already tracked, and loads its current value immediately so a caller
// that just compiled a policy naming it doesn't have to wait for the
// next refresh tick.
func (s *Store) Register(name string) {
	s.mu.Lock()
	alreadyKnown := s.known[name]
	s.known[name] = true
	s.mu.Unlock()
	if !alreadyKnown {
		s.reloadOne(name)
	}
}

// Lookup implements policy.SecretStore.
func (s *Store) Lookup(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *Store) reloadOne(name string) {
	ec := config.NewEnvConfig(s.prefix + "_SECRET")
	v := ec.GetString(name, "")
	s.mu.Lock()
	s.values[name] = v
	s.mu.Unlock()
}

func (s *Store) reload() {
	s.mu.RLock()
	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	s.mu.RUnlock()
	for _, name := range names {
		s.reloadOne(name)
	}
}

// Run refreshes the Store every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload()
		}
	}
}

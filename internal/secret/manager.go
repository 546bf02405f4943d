package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Manager routes a scheme-prefixed secret reference (the form a backend's
// PasswordRef or similar config field takes) to the provider registered for
// that scheme. A single Manager is shared across every backend a cache
// Manager constructs, so a process needs to register "vault" or "env" once.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates a secret manager with no providers registered.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register binds a provider to a scheme (e.g. "vault", "env"). Registering
// the same scheme twice replaces the previous provider.
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Registered reports whether a provider is bound to scheme, so callers can
// fail config validation early instead of at first dial.
func (m *Manager) Registered(scheme string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.providers[scheme]
	return ok
}

// Get resolves a secret reference. A reference without a scheme is treated
// as the literal secret value, so plaintext config fields keep working
// unchanged next to provider-backed ones.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme: %s", scheme)
	}

	return provider.Get(ctx, path)
}

// Close closes all registered providers, aggregating any errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}

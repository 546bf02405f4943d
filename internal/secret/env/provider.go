// Package env implements a secret provider that reads cache-backend
// credentials (e.g. a Redis AUTH password) from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider resolves secret paths as environment variable names.
type Provider struct{}

// New returns an environment-variable provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the environment variable named by path. An unset
// or empty variable is an error: an empty credential is never what a dialing
// backend wants, and failing here pins the misconfiguration to its source.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("environment variable %q is empty", path)
	}
	return val, nil
}

// Close is a no-op; the environment holds no resources to release.
func (p *Provider) Close() error {
	return nil
}

// Package secret resolves credentials a cache backend needs at dial time —
// a network backend's Redis AUTH password chief among them — without the
// config file ever holding the raw value.
package secret

import "context"

// Provider retrieves secret values from one backing store, addressed by a
// scheme-stripped path.
type Provider interface {
	// Get retrieves the secret value for the given path.
	// path examples (scheme already stripped by Manager): "REDIS_PASSWORD"
	// for env, "secret/data/respcache#redis_password" for vault
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

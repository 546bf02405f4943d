// Package vault resolves cache-backend secrets — a network backend's Redis
// AUTH password, an S3 snapshot target's access key — from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// AuthMethod selects how the provider authenticates to Vault.
type AuthMethod string

const (
	AuthAppRole AuthMethod = "approle"
	AuthCert    AuthMethod = "cert"
	AuthToken   AuthMethod = "token"
)

// Config holds configuration for the Vault provider.
type Config struct {
	Address string
	Auth    AuthMethod

	// AppRole credentials, used when Auth is AuthAppRole (or unset with a
	// RoleID present).
	RoleID   string
	SecretID string

	// Static token, used when Auth is AuthToken.
	Token string

	// TLS material for cert auth and for verifying the server.
	CACert     string
	ClientCert string
	ClientKey  string

	Logger *slog.Logger
}

// Provider reads secrets from a Vault server, renewing its own auth token
// in the background for the lifetime of the provider.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New authenticates to Vault and returns a ready Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.ClientKey != "" {
		tls := &vault.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}
		if err := vcfg.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("vault: configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	auth, err := p.login(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		p.wg.Add(1)
		go p.renewToken(auth)
	}

	return p, nil
}

// login performs the configured auth handshake and returns the resulting
// auth lease, or nil when the token needs no renewal (static token auth).
func (p *Provider) login(ctx context.Context, cfg Config) (*vault.SecretAuth, error) {
	method := cfg.Auth
	if method == "" && cfg.RoleID != "" {
		method = AuthAppRole
	}

	var (
		secret *vault.Secret
		err    error
	)
	switch method {
	case AuthToken:
		if cfg.Token == "" {
			return nil, fmt.Errorf("vault: token auth requires a token")
		}
		p.client.SetToken(cfg.Token)
		return nil, nil
	case AuthCert:
		secret, err = p.client.Logical().WriteWithContext(ctx, "auth/cert/login", nil)
	case AuthAppRole:
		secret, err = p.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("vault: unknown or missing auth method %q", cfg.Auth)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: %s login: %w", method, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault: %s login returned no auth lease", method)
	}

	p.client.SetToken(secret.Auth.ClientToken)
	return secret.Auth, nil
}

// splitPath separates "path/to/secret#key" into its secret path and the key
// within the secret's data. The key defaults to "value" when no fragment is
// present.
func splitPath(path string) (secretPath, key string) {
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		return path[:idx], path[idx+1:]
	}
	return path, "value"
}

// Get reads one value from Vault. Path format: "path/to/secret#key"; KV v2
// mounts (whose payload nests under a "data" wrapper) are unwrapped
// transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := splitPath(path)

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("vault: read %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault: key %q not present in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer and releases resources.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

// renewToken keeps the auth token alive until Close, using Vault's lifetime
// watcher. A non-renewable token ends the loop immediately; so does a
// renewal failure, at which point subsequent reads fail until the provider
// is reconstructed.
func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("create vault lifetime watcher", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal failed", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}

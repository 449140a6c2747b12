package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads bridge credentials from Vault so broker and database
// addresses never live in plain environment files.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// Secrets are the credential overrides a bridge host may keep in Vault.
type Secrets struct {
	NatsURLs    []string
	DatabaseURL string
}

// BridgeSecrets reads the bridge's secret document: "nats_urls" as a comma
// separated list and "database_url" as a DSN. Absent keys are left zero so
// environment values survive.
func (s *SecretManager) BridgeSecrets(path string) (Secrets, error) {
	data, err := s.GetKV2(path)
	if err != nil {
		return Secrets{}, err
	}

	var out Secrets
	if raw, ok := data["nats_urls"].(string); ok && raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				out.NatsURLs = append(out.NatsURLs, u)
			}
		}
	}
	if raw, ok := data["database_url"].(string); ok {
		out.DatabaseURL = raw
	}
	return out, nil
}

// ApplySecrets overlays non-empty secret values onto the config.
func (c *Config) ApplySecrets(s Secrets) {
	if len(s.NatsURLs) > 0 {
		c.NatsURLs = s.NatsURLs
	}
}

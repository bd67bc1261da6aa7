package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret map from Vault (KV v1 or v2)
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	log.Debug().Str("path", fullPath).Msg("Reading secret from Vault")

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests values under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault
func (vc *VaultClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, path)
	}
	return value, nil
}

// ApplyProviderSecrets fills empty provider API keys from Vault when the
// secret source is enabled, then from environment variables. Keys already
// present in the configuration win.
func ApplyProviderSecrets(ctx context.Context, cfg *Config) error {
	var vc *VaultClient
	if cfg.Vault.Enabled {
		client, err := NewVaultClient(cfg.Vault)
		if err != nil {
			return fmt.Errorf("failed to initialize vault secret source: %w", err)
		}
		vc = client
	}

	for name, provider := range cfg.LLM.Providers {
		if provider.APIKey == "" && vc != nil {
			key, err := vc.GetSecretString(ctx, "llm/"+name, "api_key")
			if err == nil {
				provider.APIKey = key
			} else {
				log.Debug().Err(err).Str("provider", name).Msg("No vault secret for provider")
			}
		}
		if provider.APIKey == "" {
			keys := collectEnvKeys(name)
			if len(keys) > 0 {
				provider.APIKey = keys[0]
				if len(keys) > 1 {
					provider.ExtraAPIKeys = append(provider.ExtraAPIKeys, keys[1:]...)
				}
			}
		}
		cfg.LLM.Providers[name] = provider
	}
	return nil
}

// collectEnvKeys gathers <NAME>_API_KEY plus numbered siblings
// (<NAME>_API_KEY_2, _3, ...) until the first gap.
func collectEnvKeys(provider string) []string {
	prefix := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))

	var keys []string
	if k := os.Getenv(prefix + "_API_KEY"); k != "" {
		keys = append(keys, k)
	}
	for i := 2; i <= 9; i++ {
		k := os.Getenv(fmt.Sprintf("%s_API_KEY_%d", prefix, i))
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

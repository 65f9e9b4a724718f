// Package config bootstraps process configuration from the environment,
// with an optional Vault overlay for secrets (the upstream DSN in
// particular), following the same env-var-with-fallback-then-Vault-KV2
// pattern the rest of this stack uses for service configuration.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Config is everything cmd/viewstream needs to start serving.
type Config struct {
	// UpstreamDSN is the Postgres connection string the changefeed COPY
	// stream is opened against.
	UpstreamDSN string
	// SchemaPath points at the YAML view-schema file; schema.LoadFile
	// parses it, not this package.
	SchemaPath string
	// AdminAddr is the listen address for the admin/introspection HTTP
	// surface, e.g. ":8081".
	AdminAddr string
	// HousekeepingCronSpec schedules the periodic stats sweep, standard
	// 5-field crontab syntax.
	HousekeepingCronSpec string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads configuration from the environment, applying defaults for
// anything unset. If VAULT_ADDR is set, secrets are overlaid from a Vault
// KV2 path instead of trusting the plain environment for the upstream
// DSN — the same pattern used elsewhere in this stack for pulling
// database credentials out of process environment and into a managed
// secret store.
func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		UpstreamDSN:          os.Getenv("VIEWSTREAM_UPSTREAM_DSN"),
		SchemaPath:           getenv("VIEWSTREAM_SCHEMA_PATH", "/etc/viewstream/schema.yaml"),
		AdminAddr:            getenv("VIEWSTREAM_ADMIN_ADDR", ":8081"),
		HousekeepingCronSpec: getenv("VIEWSTREAM_HOUSEKEEPING_CRON", "*/1 * * * *"),
	}

	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		vaultToken := getenv("VAULT_TOKEN", "root")
		secretPath := getenv("VIEWSTREAM_VAULT_SECRET_PATH", "secret/data/viewstream")

		manager, err := NewSecretManager(vaultAddr, vaultToken)
		if err != nil {
			return nil, fmt.Errorf("config: vault connection failed: %w", err)
		}
		secrets, err := manager.GetKV2(secretPath)
		if err != nil {
			return nil, fmt.Errorf("config: failed to load secrets from vault: %w", err)
		}
		if dsn, ok := secrets["UPSTREAM_DSN"].(string); ok && dsn != "" {
			cfg.UpstreamDSN = dsn
		}
		logger.Info("loaded configuration overlay from vault", zap.String("path", secretPath))
	}

	if cfg.UpstreamDSN == "" {
		return nil, fmt.Errorf("config: VIEWSTREAM_UPSTREAM_DSN is required (directly or via vault)")
	}
	return cfg, nil
}

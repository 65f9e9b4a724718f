package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/config"
)

func TestLoadAppliesDefaultsWhenOptionalVarsUnset(t *testing.T) {
	t.Setenv("VIEWSTREAM_UPSTREAM_DSN", "postgres://localhost/db")
	t.Setenv("VIEWSTREAM_SCHEMA_PATH", "")
	t.Setenv("VIEWSTREAM_ADMIN_ADDR", "")
	t.Setenv("VIEWSTREAM_HOUSEKEEPING_CRON", "")
	t.Setenv("VAULT_ADDR", "")

	cfg, err := config.Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/db", cfg.UpstreamDSN)
	assert.Equal(t, "/etc/viewstream/schema.yaml", cfg.SchemaPath)
	assert.Equal(t, ":8081", cfg.AdminAddr)
	assert.Equal(t, "*/1 * * * *", cfg.HousekeepingCronSpec)
}

func TestLoadMissingDSNIsError(t *testing.T) {
	t.Setenv("VIEWSTREAM_UPSTREAM_DSN", "")
	t.Setenv("VAULT_ADDR", "")

	_, err := config.Load(zap.NewNop())
	assert.Error(t, err)
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	t.Setenv("VIEWSTREAM_UPSTREAM_DSN", "postgres://localhost/db")
	t.Setenv("VIEWSTREAM_ADMIN_ADDR", ":9999")
	t.Setenv("VAULT_ADDR", "")

	cfg, err := config.Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.AdminAddr)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("north")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "north", cfg.Shop.ID)
	assert.Equal(t, "INR", cfg.Shop.Currency)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, cfg.Bays)
	assert.Equal(t, 1, cfg.Workload.BusyAt)
	assert.Equal(t, 3, cfg.Workload.UnavailableAt)
	assert.Equal(t, 10*time.Second, cfg.Payments.Timeout)
	assert.True(t, cfg.HasSpecialization("ELECTRICAL"))
	assert.False(t, cfg.HasSpecialization("PAINT"))
	assert.Empty(t, cfg.Webhooks)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"shop.id":         func(c *Config) { c.Shop.ID = "" },
		"currency":        func(c *Config) { c.Shop.Currency = "RUPEE" },
		"invalid bay":     func(c *Config) { c.Bays = []int{1, 0} },
		"twice":           func(c *Config) { c.Bays = []int{2, 2} },
		"busy_at":         func(c *Config) { c.Workload.BusyAt = 0 },
		"unavailable_at":  func(c *Config) { c.Workload.UnavailableAt = 1 },
		"specializations": func(c *Config) { c.Specializations = nil },
		"gateway":         func(c *Config) { c.Payments.Gateway = "paypal" },
		"base_url":        func(c *Config) { c.Payments.Gateway = "razorpay"; c.Payments.BaseURL = "" },
		"timeout":         func(c *Config) { c.Payments.Timeout = 0 },
		"webhooks[0].url": func(c *Config) { c.Webhooks = []WebhookConfig{{URL: "ftp://x"}} },
	}
	for want, mutate := range cases {
		cfg := Default("main")
		mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	src := strings.Replace(GenerateDefault("main"), "# webhooks:\n#   - url: https://example.internal/hooks/servicebay\n#     events: [part.low_stock, invoice.generated, payment.verified]\n#     secret: change-me\n",
		"webhooks:\n  - url: https://example.internal/hooks/servicebay\n    events: [part.low_stock]\n    secret: s3cret\n", 1)
	cfg, err := FromYAML([]byte(src))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"part.low_stock"}, cfg.Webhooks[0].Events)

	out, err := cfg.YAML()
	require.NoError(t, err)
	again, err := FromYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	_, err = FromYAML([]byte("shop: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "servicebay.yml"), []byte(GenerateDefault("east")), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "east", cfg.Shop.ID)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SERVICEBAY_JWT_SECRET", "jwt")
	t.Setenv("SERVICEBAY_ALLOW_LEGACY_HEADERS", "true")
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "jwt", env.JWTSecret)
	assert.True(t, env.AllowLegacyHeaders)
	assert.Equal(t, "sqlite", env.DBDriver)
	assert.Equal(t, "info", env.LogLevel)

	t.Setenv("SERVICEBAY_LOG_FORMAT", "xml")
	_, err = LoadEnv()
	assert.ErrorContains(t, err, "LOG_FORMAT")
}

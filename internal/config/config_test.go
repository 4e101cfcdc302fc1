package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(Flags("test"), nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Zero(t, cfg.Auth.ReuseGrace)
	assert.Equal(t, 5, cfg.RateLimit.LoginAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.LoginWindow)
	assert.True(t, cfg.Auth.CookieSecure)
	assert.False(t, cfg.Auth.SignupEnabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.VerifyTTL)
}

func TestEnvironmentAndFlagPrecedence(t *testing.T) {
	t.Setenv("IDENTITY_HTTP_ADDR", ":9000")
	t.Setenv("IDENTITY_AUTH_ACCESS_TTL", "10m")
	t.Setenv("IDENTITY_HTTP_CORS_ORIGINS", "https://a.test,https://b.test")

	cfg, err := Load(Flags("test"), []string{"--http-addr", ":7000", "--log-format", "console"})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr, "flag beats env")
	assert.Equal(t, 10*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.HTTP.CORSOrigins)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  dsn: postgres://identity@localhost/identity
auth:
  default_tenant: acme
  reuse_grace: 30s
`), 0o600))

	cfg, err := Load(Flags("test"), []string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "acme", cfg.Auth.DefaultTenant)
	assert.Equal(t, 30*time.Second, cfg.Auth.ReuseGrace)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without dsn": {"IDENTITY_STORE_DRIVER": "postgres"},
		"unknown driver":       {"IDENTITY_STORE_DRIVER": "sqlite"},
		"refresh shorter":      {"IDENTITY_AUTH_REFRESH_TTL": "1m"},
		"redis without addr":   {"IDENTITY_RATELIMIT_BACKEND": "redis"},
		"short hmac":           {"IDENTITY_AUTH_HMAC_SECRET": "short"},
		"bad log format":       {"IDENTITY_LOG_FORMAT": "xml"},
		"bootstrap no secret":  {"IDENTITY_BOOTSTRAP_EMAIL": "root@acme.test", "IDENTITY_BOOTSTRAP_TENANT_SLUG": "acme"},
		"signup without ttl":   {"IDENTITY_AUTH_SIGNUP_ENABLED": "true", "IDENTITY_AUTH_VERIFICATION_TTL": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load(Flags("test"), nil)
			require.Error(t, err)
		})
	}
}

func TestSigningKeyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("PEM"), 0o600))
	cfg := &Config{}
	cfg.Auth.SigningKeyFile = path
	key, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, "PEM", key)

	cfg.Auth.SigningKeyFile = ""
	key, err = cfg.SigningKey()
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestBootstrapFromEnvironment(t *testing.T) {
	t.Setenv("IDENTITY_BOOTSTRAP_TENANT_SLUG", "acme")
	t.Setenv("IDENTITY_BOOTSTRAP_EMAIL", "root@acme.test")
	t.Setenv("IDENTITY_BOOTSTRAP_SECRET", "correct horse battery")

	cfg, err := Load(Flags("test"), nil)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Bootstrap.TenantSlug)
	assert.Equal(t, "root@acme.test", cfg.Bootstrap.Email)
	assert.Equal(t, "tenant_admin", cfg.Bootstrap.Role)
}

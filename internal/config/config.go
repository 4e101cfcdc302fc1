// Package config loads identity service settings from defaults, an optional
// YAML file, a .env file, IDENTITY_* environment variables and flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "IDENTITY"

type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
		CORSOrigins  []string      `mapstructure:"cors_origins"`
		// Honour X-Forwarded-For only behind a trusted proxy.
		TrustProxy bool `mapstructure:"trust_proxy"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"` // empty disables the listener
	} `mapstructure:"grpc"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json|console
	} `mapstructure:"log"`

	Store struct {
		Driver string `mapstructure:"driver"` // memory|postgres
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Auth struct {
		Issuer         string        `mapstructure:"issuer"`
		Audience       string        `mapstructure:"audience"`
		AccessTTL      time.Duration `mapstructure:"access_ttl"`
		RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
		ReuseGrace     time.Duration `mapstructure:"reuse_grace"`
		RefreshWait    time.Duration `mapstructure:"refresh_wait"`
		DefaultTenant  string        `mapstructure:"default_tenant"`
		DefaultRole    string        `mapstructure:"default_role"`
		SignupEnabled  bool          `mapstructure:"signup_enabled"`
		VerifyTTL      time.Duration `mapstructure:"verification_ttl"`
		SigningKeyID   string        `mapstructure:"signing_key_id"`
		SigningKeyFile string        `mapstructure:"signing_key_file"`
		SigningKeyPEM  string        `mapstructure:"signing_key_pem"`
		HMACSecret     string        `mapstructure:"hmac_secret"`
		CookieSecure   bool          `mapstructure:"cookie_secure"`
		ArgonMemory    uint32        `mapstructure:"argon_memory"`
		ArgonTime      uint32        `mapstructure:"argon_time"`
		ArgonThreads   uint8         `mapstructure:"argon_threads"`
	} `mapstructure:"auth"`

	RateLimit struct {
		Backend       string        `mapstructure:"backend"` // memory|redis
		LoginAttempts int           `mapstructure:"login_attempts"`
		LoginWindow   time.Duration `mapstructure:"login_window"`
		IPRate        float64       `mapstructure:"ip_rate"`
		IPBurst       int           `mapstructure:"ip_burst"`
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
	} `mapstructure:"ratelimit"`

	Authz struct {
		CacheSize int           `mapstructure:"cache_size"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"authz"`

	Janitor struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"janitor"`

	// Bootstrap seeds the first tenant and administrator at startup when
	// Email is set. Mostly useful with the memory store.
	Bootstrap struct {
		TenantSlug string `mapstructure:"tenant_slug"`
		TenantName string `mapstructure:"tenant_name"`
		Email      string `mapstructure:"email"`
		Secret     string `mapstructure:"secret"`
		Role       string `mapstructure:"role"`
	} `mapstructure:"bootstrap"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.trust_proxy", false)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("auth.issuer", "waqedi-auth")
	v.SetDefault("auth.audience", "waqedi-api")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.reuse_grace", time.Duration(0))
	v.SetDefault("auth.refresh_wait", 5*time.Second)
	v.SetDefault("auth.default_tenant", "")
	v.SetDefault("auth.default_role", "viewer")
	v.SetDefault("auth.signup_enabled", false)
	v.SetDefault("auth.verification_ttl", 24*time.Hour)
	v.SetDefault("auth.signing_key_id", "k1")
	v.SetDefault("auth.signing_key_file", "")
	v.SetDefault("auth.signing_key_pem", "")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.cookie_secure", true)
	v.SetDefault("auth.argon_memory", 64*1024)
	v.SetDefault("auth.argon_time", 3)
	v.SetDefault("auth.argon_threads", 4)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.login_attempts", 5)
	v.SetDefault("ratelimit.login_window", 15*time.Minute)
	v.SetDefault("ratelimit.ip_rate", 10.0)
	v.SetDefault("ratelimit.ip_burst", 20)
	v.SetDefault("ratelimit.redis_addr", "")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)

	v.SetDefault("authz.cache_size", 10000)
	v.SetDefault("authz.cache_ttl", 30*time.Second)

	v.SetDefault("janitor.interval", time.Hour)

	v.SetDefault("bootstrap.tenant_slug", "")
	v.SetDefault("bootstrap.tenant_name", "")
	v.SetDefault("bootstrap.email", "")
	v.SetDefault("bootstrap.secret", "")
	v.SetDefault("bootstrap.role", "tenant_admin")
}

// Flags returns the command-line flags understood by Load. Flag names use
// dashes where config keys use dots and underscores.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC listen address, empty to disable")
	fs.String("log-level", "", "debug|info|warn|error")
	fs.String("log-format", "", "json|console")
	fs.String("store", "", "memory|postgres")
	fs.String("dsn", "", "PostgreSQL DSN")
	return fs
}

var flagKeys = map[string]string{
	"http-addr":  "http.addr",
	"grpc-addr":  "grpc.addr",
	"log-level":  "log.level",
	"log-format": "log.format",
	"store":      "store.driver",
	"dsn":        "store.dsn",
}

// Load parses args with fs (see Flags) and resolves the configuration.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	// .env is optional and never overrides the real environment.
	_ = godotenv.Load()

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	cfgFile, _ := fs.GetString("config")
	if cfgFile == "" {
		cfgFile = os.Getenv(envPrefix + "_CONFIG")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl and auth.refresh_ttl must be positive"))
	} else if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("auth.refresh_ttl must exceed auth.access_ttl"))
	}
	if c.Auth.SignupEnabled && c.Auth.VerifyTTL <= 0 {
		errs = append(errs, errors.New("auth.verification_ttl must be positive when signup is enabled"))
	}
	if c.Auth.ReuseGrace < 0 {
		errs = append(errs, errors.New("auth.reuse_grace must not be negative"))
	}
	if c.Auth.SigningKeyFile != "" && c.Auth.SigningKeyPEM != "" {
		errs = append(errs, errors.New("set only one of auth.signing_key_file and auth.signing_key_pem"))
	}
	if c.Auth.HMACSecret != "" && len(c.Auth.HMACSecret) < 32 {
		errs = append(errs, errors.New("auth.hmac_secret must be at least 32 bytes"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("ratelimit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend %q must be memory or redis", c.RateLimit.Backend))
	}
	if c.Bootstrap.Email != "" && (c.Bootstrap.TenantSlug == "" || c.Bootstrap.Secret == "") {
		errs = append(errs, errors.New("bootstrap.tenant_slug and bootstrap.secret are required with bootstrap.email"))
	}
	return errors.Join(errs...)
}

// SigningKey returns the PEM-encoded RSA signing key, reading the key file
// when one is configured. An empty result means none is configured.
func (c *Config) SigningKey() (string, error) {
	if c.Auth.SigningKeyPEM != "" {
		return c.Auth.SigningKeyPEM, nil
	}
	if c.Auth.SigningKeyFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.Auth.SigningKeyFile)
	if err != nil {
		return "", fmt.Errorf("read signing key: %w", err)
	}
	return string(b), nil
}

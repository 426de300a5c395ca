package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KEYX_LEDGER_ENDPOINT
const EnvPrefix = "KEYX"

// Ledger modes
const (
	LedgerModeGateway = "gateway"
	LedgerModeDev     = "dev"
)

// Storage modes
const (
	StorageModeGateway = "gateway"
	StorageModeLocal   = "local"
)

// Key store backends
const (
	KeystoreMemory = "memory"
	KeystoreBadger = "badger"
	KeystoreSQL    = "sql"
)

// Divergence policies
const (
	PolicyRegenerateWhenSafe = "regenerate_when_safe"
	PolicyAlwaysAsk          = "always_ask"
)

// Config holds all configuration for the application
type Config struct {
	// Ledger collaborator (public key registry and access lists)
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Content-addressed storage collaborator
	Storage StorageConfig `mapstructure:"storage"`

	// Device-local private key storage
	Keystore KeystoreConfig `mapstructure:"keystore"`

	// PostgreSQL settings used by the sql key store backend
	Database DatabaseConfig `mapstructure:"database"`

	Registry RegistryConfig `mapstructure:"registry"`

	Verifier VerifierConfig `mapstructure:"verifier"`

	Server ServerConfig `mapstructure:"server"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	LogLevel string `mapstructure:"log_level"`
}

// RetryConfig bounds retries of a collaborator call
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// Policy converts the config into a retry policy
func (r RetryConfig) Policy() retry.Policy {
	if r.MaxInterval > r.Interval {
		return retry.Exponential(r.MaxAttempts, r.Interval, r.MaxInterval)
	}
	return retry.Fixed(r.MaxAttempts, r.Interval)
}

// LedgerConfig holds ledger gateway configuration
type LedgerConfig struct {
	Mode                string        `mapstructure:"mode"`
	Endpoint            string        `mapstructure:"endpoint"`
	JWTSecret           string        `mapstructure:"jwt_secret"`
	Issuer              string        `mapstructure:"issuer"`
	TokenTTL            time.Duration `mapstructure:"token_ttl"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	DevPath             string        `mapstructure:"dev_path"`
	ConfirmationLatency time.Duration `mapstructure:"confirmation_latency"`
	PropagationLag      time.Duration `mapstructure:"propagation_lag"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

// StorageConfig holds storage gateway configuration
type StorageConfig struct {
	Mode           string        `mapstructure:"mode"`
	Endpoint       string        `mapstructure:"endpoint"`
	LocalPath      string        `mapstructure:"local_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// KeystoreConfig holds local key store configuration
type KeystoreConfig struct {
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	DeviceSecret string `mapstructure:"device_secret"`
	Salt         string `mapstructure:"salt"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RegistryConfig bounds the read-back after a public key registration
type RegistryConfig struct {
	ReadbackAttempts int           `mapstructure:"readback_attempts"`
	ReadbackInterval time.Duration `mapstructure:"readback_interval"`
}

// VerifierConfig holds key consistency verification settings
type VerifierConfig struct {
	DivergencePolicy string `mapstructure:"divergence_policy"`
}

// ServerConfig holds the agent's HTTP listener settings
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	// JWTSecret enables bearer authentication of the agent API
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RatePeriod time.Duration `mapstructure:"rate_period"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	HealthPath  string        `mapstructure:"health_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from the file at path (optional), KEYX_* environment
// variables and defaults, in increasing order of precedence: defaults, file, env.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keyx")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medrex")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Ledger defaults
	v.SetDefault("ledger.mode", LedgerModeDev)
	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.jwt_secret", "")
	v.SetDefault("ledger.issuer", "medrex-keyx")
	v.SetDefault("ledger.token_ttl", 5*time.Minute)
	v.SetDefault("ledger.request_timeout", 10*time.Second)
	v.SetDefault("ledger.confirmation_timeout", 30*time.Second)
	v.SetDefault("ledger.poll_interval", 500*time.Millisecond)
	v.SetDefault("ledger.dev_path", "")
	v.SetDefault("ledger.confirmation_latency", 0)
	v.SetDefault("ledger.propagation_lag", 0)
	v.SetDefault("ledger.retry.max_attempts", 4)
	v.SetDefault("ledger.retry.interval", 250*time.Millisecond)
	v.SetDefault("ledger.retry.max_interval", 2*time.Second)

	// Storage defaults
	v.SetDefault("storage.mode", StorageModeLocal)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.local_path", "")
	v.SetDefault("storage.request_timeout", 30*time.Second)
	v.SetDefault("storage.retry.max_attempts", 3)
	v.SetDefault("storage.retry.interval", 500*time.Millisecond)
	v.SetDefault("storage.retry.max_interval", 4*time.Second)

	// Key store defaults
	v.SetDefault("keystore.backend", KeystoreBadger)
	v.SetDefault("keystore.path", "")
	v.SetDefault("keystore.device_secret", "")
	v.SetDefault("keystore.salt", "medrex-keyx")

	// Database defaults
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medrex")
	v.SetDefault("database.user", "medrex")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 300)

	// Registry read-back defaults
	v.SetDefault("registry.readback_attempts", 5)
	v.SetDefault("registry.readback_interval", time.Second)

	v.SetDefault("verifier.divergence_policy", PolicyAlwaysAsk)

	// Server defaults
	v.SetDefault("server.listen_addr", "127.0.0.1:8088")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.issuer", "medrex-portal")
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_period", time.Minute)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.tracing.enabled", false)
	v.SetDefault("monitoring.tracing.service_name", "medrex-keyx")
	v.SetDefault("monitoring.tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("monitoring.tracing.sample_rate", 0.1)

	v.SetDefault("log_level", "info")
}

// overrideWithEnv applies the unprefixed variables commonly set by deployments
func overrideWithEnv(config *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && config.Database.DSN == "" {
		config.Database.DSN = dbURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	switch config.Ledger.Mode {
	case LedgerModeGateway:
		if config.Ledger.Endpoint == "" {
			return fmt.Errorf("ledger endpoint is required in gateway mode")
		}
		if config.Ledger.JWTSecret == "" {
			return fmt.Errorf("ledger JWT secret is required in gateway mode")
		}
	case LedgerModeDev:
	default:
		return fmt.Errorf("invalid ledger mode: %q", config.Ledger.Mode)
	}

	switch config.Storage.Mode {
	case StorageModeGateway:
		if config.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required in gateway mode")
		}
	case StorageModeLocal:
	default:
		return fmt.Errorf("invalid storage mode: %q", config.Storage.Mode)
	}

	switch config.Keystore.Backend {
	case KeystoreMemory:
		if config.Ledger.Mode != LedgerModeDev {
			return fmt.Errorf("the memory key store forgets private keys on exit and can only be used with the dev ledger")
		}
	case KeystoreBadger, KeystoreSQL:
		if config.Keystore.DeviceSecret == "" {
			return fmt.Errorf("keystore device_secret is required for the %s key store (set KEYX_KEYSTORE_DEVICE_SECRET)", config.Keystore.Backend)
		}
		if len(config.Keystore.DeviceSecret) < 16 {
			return fmt.Errorf("keystore device secret must be at least 16 characters")
		}
		if config.Keystore.Backend == KeystoreSQL && config.Database.DSN == "" && config.Database.Password == "" {
			return fmt.Errorf("database password or dsn is required for the sql key store")
		}
	default:
		return fmt.Errorf("invalid keystore backend: %q", config.Keystore.Backend)
	}

	switch config.Verifier.DivergencePolicy {
	case PolicyRegenerateWhenSafe, PolicyAlwaysAsk:
	default:
		return fmt.Errorf("invalid divergence policy: %q", config.Verifier.DivergencePolicy)
	}

	if config.Registry.ReadbackAttempts < 1 {
		return fmt.Errorf("registry readback attempts must be at least 1")
	}

	if config.Ledger.Retry.MaxAttempts < 1 || config.Storage.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	return nil
}

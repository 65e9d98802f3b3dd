// Package config loads application configuration from GATEHOUSE_*
// environment variables, with YAML files for the path policy and role
// mapping tables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	SAML          SAMLConfig
	Sessions      SessionConfig
	Stores        StoreConfig
	Observability ObservabilityConfig

	// PolicyFile is the YAML path policy table; empty uses the built-in
	// default policy
	PolicyFile string
	// RoleMappingFile is the YAML attribute-to-role table; empty grants
	// no roles
	RoleMappingFile string
	// SweepSchedule is the cron spec for the expiry sweeps
	SweepSchedule string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	ListenAddr      string
	HealthAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SAMLConfig holds SP and IdP peering settings. The IdP trust material
// comes either from a metadata URL or from explicit SSO URL + issuer +
// certificate file.
type SAMLConfig struct {
	SPEntityID string
	BaseURL    string
	ACSPath    string

	IdPMetadataURL  string
	MetadataTimeout time.Duration

	IdPSSOURL          string
	IdPIssuer          string
	IdPCertificateFile string

	SPCertificateFile string
	SPKeyFile         string
	SignRequests      bool

	ClockSkew time.Duration
}

// SessionConfig holds session and relay state lifetimes
type SessionConfig struct {
	SessionTTL    time.Duration
	RelayStateTTL time.Duration
	FallbackURL   string
	PostLogoutURL string
	SecureCookies bool
}

// StoreConfig selects and configures the session/replay/relay backends
type StoreConfig struct {
	// Backend is memory, redis or postgres (postgres covers sessions;
	// replay and relay state stay in memory unless Redis is configured)
	Backend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	ReplayCacheSize int
}

// ObservabilityConfig holds logging and tracing settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelInsecure    bool
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("GATEHOUSE_LISTEN_ADDR", ":8080"),
			HealthAddr:      getEnv("GATEHOUSE_HEALTH_ADDR", ":8081"),
			ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		SAML: SAMLConfig{
			SPEntityID:         getEnv("GATEHOUSE_SP_ENTITY_ID", ""),
			BaseURL:            getEnv("GATEHOUSE_BASE_URL", ""),
			ACSPath:            getEnv("GATEHOUSE_ACS_PATH", "/saml/acs"),
			IdPMetadataURL:     getEnv("GATEHOUSE_IDP_METADATA_URL", ""),
			MetadataTimeout:    getEnvDuration("GATEHOUSE_IDP_METADATA_TIMEOUT", 10*time.Second),
			IdPSSOURL:          getEnv("GATEHOUSE_IDP_SSO_URL", ""),
			IdPIssuer:          getEnv("GATEHOUSE_IDP_ISSUER", ""),
			IdPCertificateFile: getEnv("GATEHOUSE_IDP_CERT_FILE", ""),
			SPCertificateFile:  getEnv("GATEHOUSE_SP_CERT_FILE", ""),
			SPKeyFile:          getEnv("GATEHOUSE_SP_KEY_FILE", ""),
			SignRequests:       getEnvBool("GATEHOUSE_SIGN_REQUESTS", false),
			ClockSkew:          getEnvDuration("GATEHOUSE_CLOCK_SKEW", 90*time.Second),
		},
		Sessions: SessionConfig{
			SessionTTL:    getEnvDuration("GATEHOUSE_SESSION_TTL", 8*time.Hour),
			RelayStateTTL: getEnvDuration("GATEHOUSE_RELAY_STATE_TTL", 10*time.Minute),
			FallbackURL:   getEnv("GATEHOUSE_FALLBACK_URL", "/"),
			PostLogoutURL: getEnv("GATEHOUSE_POST_LOGOUT_URL", "/"),
			SecureCookies: getEnvBool("GATEHOUSE_SECURE_COOKIES", true),
		},
		Stores: StoreConfig{
			Backend:         strings.ToLower(getEnv("GATEHOUSE_STORE_BACKEND", "memory")),
			RedisAddr:       getEnv("GATEHOUSE_REDIS_ADDR", "localhost:6379"),
			RedisPassword:   getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
			RedisDB:         getEnvInt("GATEHOUSE_REDIS_DB", 0),
			PostgresDSN:     getEnv("GATEHOUSE_POSTGRES_DSN", ""),
			ReplayCacheSize: getEnvInt("GATEHOUSE_REPLAY_CACHE_SIZE", 0),
		},
		Observability: ObservabilityConfig{
			LogLevel:        parseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
			OTelEnabled:     getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
			OTelEndpoint:    getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName: getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
			OTelInsecure:    getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
		},
		PolicyFile:      getEnv("GATEHOUSE_POLICY_FILE", ""),
		RoleMappingFile: getEnv("GATEHOUSE_ROLE_MAPPING_FILE", ""),
		SweepSchedule:   getEnv("GATEHOUSE_SWEEP_SCHEDULE", "@every 5m"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for completeness
func (c *Config) Validate() error {
	if c.SAML.SPEntityID == "" {
		return fmt.Errorf("GATEHOUSE_SP_ENTITY_ID is required")
	}
	if c.SAML.BaseURL == "" {
		return fmt.Errorf("GATEHOUSE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.SAML.ACSPath, "/") {
		return fmt.Errorf("GATEHOUSE_ACS_PATH must start with /")
	}

	if c.SAML.IdPMetadataURL == "" {
		if c.SAML.IdPSSOURL == "" || c.SAML.IdPIssuer == "" || c.SAML.IdPCertificateFile == "" {
			return fmt.Errorf("either GATEHOUSE_IDP_METADATA_URL or all of GATEHOUSE_IDP_SSO_URL, GATEHOUSE_IDP_ISSUER and GATEHOUSE_IDP_CERT_FILE are required")
		}
	}

	if c.SAML.SignRequests && (c.SAML.SPCertificateFile == "" || c.SAML.SPKeyFile == "") {
		return fmt.Errorf("GATEHOUSE_SIGN_REQUESTS requires GATEHOUSE_SP_CERT_FILE and GATEHOUSE_SP_KEY_FILE")
	}

	switch c.Stores.Backend {
	case "memory":
	case "redis":
		if c.Stores.RedisAddr == "" {
			return fmt.Errorf("GATEHOUSE_REDIS_ADDR is required for the redis backend")
		}
	case "postgres":
		if c.Stores.PostgresDSN == "" {
			return fmt.Errorf("GATEHOUSE_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (memory, redis, postgres)", c.Stores.Backend)
	}

	if c.Sessions.SessionTTL <= 0 {
		return fmt.Errorf("GATEHOUSE_SESSION_TTL must be positive")
	}
	if c.Sessions.RelayStateTTL <= 0 {
		return fmt.Errorf("GATEHOUSE_RELAY_STATE_TTL must be positive")
	}
	if c.SAML.ClockSkew < 0 {
		return fmt.Errorf("GATEHOUSE_CLOCK_SKEW must not be negative")
	}
	return nil
}

func parseLogLevel(value string) observability.LogLevel {
	switch strings.ToLower(value) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns a string environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

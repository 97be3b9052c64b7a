// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Document store. Empty falls back to the in-memory store outside production.
	RedisURL string `koanf:"redis_url"`

	// Optional Postgres audit table. Empty keeps audit records in the document store.
	DatabaseURL string `koanf:"database_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Client id cookie and browser access
	CookieSecure       bool     `koanf:"cookie_secure"`
	CookieDomain       string   `koanf:"cookie_domain"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Asset bucket (R2 or any S3-compatible store)
	AssetBucket           string `koanf:"asset_bucket"`
	AssetAccessKeyID      string `koanf:"asset_access_key_id"`
	AssetSecretAccessKey  string `koanf:"asset_secret_access_key"`
	AssetEndpoint         string `koanf:"asset_endpoint"`
	AssetPublicBaseURL    string `koanf:"asset_public_base_url"`
	AssetURLExpiryMinutes int    `koanf:"asset_url_expiry_minutes"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	TracingEndpoint     string  `koanf:"tracing_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// Abuse protection
	VoteRateLimitPerMinute int `koanf:"vote_rate_limit_per_minute"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret        = errors.New("JWT_SECRET is required")
	ErrMissingRedisURL         = errors.New("REDIS_URL is required in production")
	ErrMissingAssetBucket      = errors.New("ASSET_BUCKET is required")
	ErrMissingAssetAccessKeyID = errors.New("ASSET_ACCESS_KEY_ID is required")
	ErrMissingAssetSecret      = errors.New("ASSET_SECRET_ACCESS_KEY is required")
	ErrMissingAssetEndpoint    = errors.New("ASSET_ENDPOINT is required")
	ErrInvalidPort             = errors.New("PORT must be a valid integer")
	ErrInvalidNumber           = errors.New("value must be numeric")
	ErrInvalidSamplingRate     = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidVoteRateLimit    = errors.New("VOTE_RATE_LIMIT_PER_MINUTE must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultAssetURLExpiryMinutes  = 60
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSamplingRate    = 0.1
	DefaultVoteRateLimitPerMinute = 10
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// FANTHEMES_PORT wins over the platform-provided PORT.
	port, err := getEnvIntOrDefaultMulti([]string{"FANTHEMES_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		collect(fmt.Errorf("%w: %w", ErrInvalidPort, err))
	}
	expiry, err := getEnvIntOrDefault("ASSET_URL_EXPIRY_MINUTES", k.Int("asset_url_expiry_minutes"), DefaultAssetURLExpiryMinutes)
	collect(err)
	voteLimit, err := getEnvIntOrDefault("VOTE_RATE_LIMIT_PER_MINUTE", k.Int("vote_rate_limit_per_minute"), DefaultVoteRateLimitPerMinute)
	collect(err)
	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k, "tracing_sampling_rate", DefaultTracingSamplingRate)
	collect(err)

	env := getEnvOrDefaultMulti([]string{"FANTHEMES_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv)

	cfg := &Config{
		Port:                   port,
		Env:                    env,
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		CookieSecure:           getEnvBoolOrDefault("COOKIE_SECURE", k, "cookie_secure", IsProduction(env)),
		CookieDomain:           getEnvOrKoanf("COOKIE_DOMAIN", k, "cookie_domain"),
		CORSAllowedOrigins:     getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		AssetBucket:            getEnvOrKoanf("ASSET_BUCKET", k, "asset_bucket"),
		AssetAccessKeyID:       getEnvOrKoanf("ASSET_ACCESS_KEY_ID", k, "asset_access_key_id"),
		AssetSecretAccessKey:   getEnvOrKoanf("ASSET_SECRET_ACCESS_KEY", k, "asset_secret_access_key"),
		AssetEndpoint:          getEnvOrKoanf("ASSET_ENDPOINT", k, "asset_endpoint"),
		AssetPublicBaseURL:     getEnvOrKoanf("ASSET_PUBLIC_BASE_URL", k, "asset_public_base_url"),
		AssetURLExpiryMinutes:  expiry,
		TracingEnabled:         getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:        getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:        getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSamplingRate:    samplingRate,
		TracingInsecure:        getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
		VoteRateLimitPerMinute: voteLimit,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether env names a production deployment.
func IsProduction(env string) bool {
	return env == "production" || env == "prod"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return getEnvOrDefault("", koanfVal, defaultVal)
}

// getEnvListOrKoanf reads a comma separated env list, otherwise the koanf list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvBoolOrDefault parses common boolean spellings. Unrecognised env
// values leave the file or default value in place.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	val := defaultVal
	if k.Exists(koanfKey) {
		val = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		val = true
	case "false", "0", "no", "off":
		val = false
	}
	return val
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// A zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value when the key exists, or default. An explicit 0
// in the file is honoured.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.RedisURL == "" && IsProduction(c.Env) {
		errs = append(errs, ErrMissingRedisURL)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.VoteRateLimitPerMinute <= 0 {
		errs = append(errs, ErrInvalidVoteRateLimit)
	}

	// The asset bucket is optional. A public base URL only needs the bucket
	// name; presigning needs the full credential set.
	if c.AssetsConfigured() {
		if c.AssetBucket == "" {
			errs = append(errs, ErrMissingAssetBucket)
		}
		if c.AssetPublicBaseURL == "" {
			if c.AssetAccessKeyID == "" {
				errs = append(errs, ErrMissingAssetAccessKeyID)
			}
			if c.AssetSecretAccessKey == "" {
				errs = append(errs, ErrMissingAssetSecret)
			}
			if c.AssetEndpoint == "" {
				errs = append(errs, ErrMissingAssetEndpoint)
			}
		}
	}

	return errs
}

// AssetsConfigured reports whether any asset bucket setting is present.
func (c *Config) AssetsConfigured() bool {
	return c.AssetBucket != "" || c.AssetAccessKeyID != "" || c.AssetSecretAccessKey != "" ||
		c.AssetEndpoint != "" || c.AssetPublicBaseURL != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"env":                        c.Env,
		"redis_url":                  maskURL(c.RedisURL),
		"database_url":               maskURL(c.DatabaseURL),
		"jwt_secret":                 maskSecret(c.JWTSecret),
		"jwt_previous_secret":        maskSecret(c.JWTPreviousSecret),
		"cookie_secure":              strconv.FormatBool(c.CookieSecure),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"asset_bucket":               c.AssetBucket,
		"asset_access_key_id":        maskSecret(c.AssetAccessKeyID),
		"asset_secret_access_key":    maskSecret(c.AssetSecretAccessKey),
		"asset_endpoint":             c.AssetEndpoint,
		"asset_public_base_url":      c.AssetPublicBaseURL,
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"vote_rate_limit_per_minute": strconv.Itoa(c.VoteRateLimitPerMinute),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL (postgres://, redis://, rediss://).
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}

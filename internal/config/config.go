package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
)

// Fingerprint strategies understood by the remote extractor.
const (
	StrategyEmbedding = "embedding"
	StrategyLandmarks = "landmarks"
)

// Config is the process configuration. Defaults are declared in struct tags
// and overridden by environment variables.
type Config struct {
	Host            string
	Port            string        `default:"8080"`
	MaxUploadBytes  int64         `default:"10485760"`
	RequestTimeout  time.Duration `default:"10s"`
	ShutdownTimeout time.Duration `default:"15s"`
	LogLevel        string        `default:"info"`

	BackendURL          string        `default:"https://faceecho-back.onrender.com/register"`
	BackendTimeout      time.Duration `default:"10s"`
	BackendRetryBackoff time.Duration `default:"250ms"`

	ExtractorURL         string        `default:"http://localhost:5001"`
	ExtractorTimeout     time.Duration `default:"8s"`
	FingerprintStrategy  string        `default:"embedding"`
	FingerprintDimension int           `default:"128"`
	ModelsDir            string        `default:"models"`

	DatabaseDSN         string
	RedisAddr           string
	FingerprintCacheTTL time.Duration `default:"10m"`

	JWTSecret          string
	JWTAudience        string
	CORSAllowedOrigins []string `default:"[\"*\"]"`

	GRPCHealthAddr string
}

// Load reads an optional .env file and then the environment. The returned
// bool reports whether a .env file was found.
func Load() (*Config, bool, error) {
	envLoaded := godotenv.Load() == nil

	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, envLoaded, err
	}
	return cfg, envLoaded, nil
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	env := envReader{lookup: lookup}
	env.str("HOST", &cfg.Host)
	env.str("PORT", &cfg.Port)
	env.integer64("MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes)
	env.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.str("LOG_LEVEL", &cfg.LogLevel)

	env.str("BACKEND_URL", &cfg.BackendURL)
	env.duration("BACKEND_TIMEOUT", &cfg.BackendTimeout)
	env.duration("BACKEND_RETRY_BACKOFF", &cfg.BackendRetryBackoff)

	env.str("EXTRACTOR_URL", &cfg.ExtractorURL)
	env.duration("EXTRACTOR_TIMEOUT", &cfg.ExtractorTimeout)
	env.str("FINGERPRINT_STRATEGY", &cfg.FingerprintStrategy)
	env.integer("FINGERPRINT_DIMENSION", &cfg.FingerprintDimension)
	env.str("MODELS_DIR", &cfg.ModelsDir)

	env.str("DATABASE_DSN", &cfg.DatabaseDSN)
	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.duration("FINGERPRINT_CACHE_TTL", &cfg.FingerprintCacheTTL)

	env.str("JWT_SECRET", &cfg.JWTSecret)
	env.str("JWT_AUDIENCE", &cfg.JWTAudience)
	env.list("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)

	env.str("GRPC_HEALTH_ADDR", &cfg.GRPCHealthAddr)

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT must be positive"))
	}
	if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL %q is not an absolute URL", c.BackendURL))
	}
	switch c.FingerprintStrategy {
	case StrategyEmbedding, StrategyLandmarks:
	default:
		errs = append(errs, fmt.Errorf("FINGERPRINT_STRATEGY %q is not one of %s, %s", c.FingerprintStrategy, StrategyEmbedding, StrategyLandmarks))
	}
	if c.FingerprintDimension < 0 {
		errs = append(errs, errors.New("FINGERPRINT_DIMENSION must not be negative"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.get(key); ok {
		*dst = value
	}
}

func (r *envReader) integer(key string, dst *int) {
	if value, ok := r.get(key); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) integer64(key string, dst *int64) {
	if value, ok := r.get(key); ok {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if value, ok := r.get(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"partyrsvp/pkg/domain"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string       `yaml:"port"`
	LogLevel                    string       `yaml:"logLevel"`
	CORSOrigins                 []string     `yaml:"corsOrigins"`
	TrustedProxyCIDRs           []string     `yaml:"trustedProxyCidrs"`
	GuestCode                   string       `yaml:"guestCode"`
	AdminCode                   string       `yaml:"adminCode"`
	PrefPrefix                  string       `yaml:"prefPrefix"`
	VisitorSecret               string       `yaml:"visitorSecret"`
	VisitorCookieSecure         bool         `yaml:"visitorCookieSecure"`
	StoreBackend                string       `yaml:"storeBackend"`
	PrefsBackend                string       `yaml:"prefsBackend"`
	DatabaseURL                 string       `yaml:"databaseURL"`
	SQLitePath                  string       `yaml:"sqlitePath"`
	RedisAddr                   string       `yaml:"redisAddr"`
	RedisPassword               string       `yaml:"redisPassword"`
	RedisPrefix                 string       `yaml:"redisPrefix"`
	EmailIndex                  *bool        `yaml:"emailIndex"`
	OfferLookup                 bool         `yaml:"offerLookup"`
	GuestbookRateLimitPerMinute int          `yaml:"guestbookRateLimitPerMinute"`
	PrefsPollInterval           string       `yaml:"prefsPollInterval"`
	ResolverIdleTTL             string       `yaml:"resolverIdleTTL"`
	Party                       domain.Party `yaml:"party"`
}

// Load reads config from path (defaults to config.yaml) and applies env
// overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PARTY_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("PARTY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("PARTY_GUEST_CODE"); v != "" {
		cfg.GuestCode = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_ADMIN_CODE"); v != "" {
		cfg.AdminCode = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_VISITOR_SECRET"); v != "" {
		cfg.VisitorSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_VISITOR_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.VisitorCookieSecure = b
		}
	}
	if v := os.Getenv("PARTY_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_PREFS_BACKEND"); v != "" {
		cfg.PrefsBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = strings.TrimSpace(v)
	}
	if v := os.Getenv("PARTY_OFFER_LOOKUP"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.OfferLookup = b
		}
	}
	if v := os.Getenv("PARTY_GUESTBOOK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.GuestbookRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.PrefPrefix == "" {
		cfg.PrefPrefix = "party"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
	}
	if cfg.PrefsBackend == "" {
		cfg.PrefsBackend = BackendMemory
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "party"
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.PrefsBackend = strings.ToLower(cfg.PrefsBackend)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PARTY_PORT)")
	}
	if strings.TrimSpace(cfg.GuestCode) == "" {
		return errors.New("config: guestCode is required (set in config.yaml or PARTY_GUEST_CODE)")
	}
	if strings.TrimSpace(cfg.AdminCode) == "" {
		return errors.New("config: adminCode is required (set in config.yaml or PARTY_ADMIN_CODE)")
	}
	if len(strings.TrimSpace(cfg.VisitorSecret)) < 16 {
		return errors.New("config: visitorSecret must be at least 16 characters (set in config.yaml or PARTY_VISITOR_SECRET)")
	}
	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("config: sqlitePath is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unknown storeBackend %q", cfg.StoreBackend)
	}
	switch cfg.PrefsBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown prefsBackend %q", cfg.PrefsBackend)
	}
	if cfg.GuestbookRateLimitPerMinute < 0 {
		return errors.New("config: guestbookRateLimitPerMinute must be >= 0")
	}
	needsRedis := cfg.StoreBackend == BackendRedis || cfg.PrefsBackend == BackendRedis || cfg.GuestbookRateLimitPerMinute > 0
	if needsRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for redis backends and guestbook rate limiting")
	}
	if _, err := ParseDuration("prefsPollInterval", cfg.PrefsPollInterval); err != nil {
		return err
	}
	if _, err := ParseDuration("resolverIdleTTL", cfg.ResolverIdleTTL); err != nil {
		return err
	}
	return nil
}

// EmailIndexEnabled reports whether lookups by email are indexed. Defaults
// to true.
func (c FileConfig) EmailIndexEnabled() bool {
	return c.EmailIndex == nil || *c.EmailIndex
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration setting. Empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseConfig = `
port: "8080"
logLevel: "info"
guestCode: "PARTY2025"
adminCode: "ADMIN"
visitorSecret: "0123456789abcdef"
party:
  title: "Launch Party"
  date: "Saturday, June 14"
  time: "3:00 PM"
  venue: "Backyard Launchpad"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StoreBackend != BackendMemory || cfg.PrefsBackend != BackendMemory {
		t.Fatalf("backends = %s/%s, want memory/memory", cfg.StoreBackend, cfg.PrefsBackend)
	}
	if cfg.PrefPrefix != "party" {
		t.Fatalf("prefPrefix = %q, want party", cfg.PrefPrefix)
	}
	if !cfg.EmailIndexEnabled() {
		t.Fatalf("email index should default to enabled")
	}
	if cfg.Party.Title != "Launch Party" || cfg.Party.Venue != "Backyard Launchpad" {
		t.Fatalf("party details not loaded: %+v", cfg.Party)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PARTY_GUEST_CODE", "ROTATED")
	t.Setenv("PARTY_STORE_BACKEND", "Redis")
	t.Setenv("PARTY_PREFS_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PARTY_CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("PARTY_GUESTBOOK_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("PARTY_OFFER_LOOKUP", "true")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GuestCode != "ROTATED" {
		t.Fatalf("guestCode = %q, want ROTATED", cfg.GuestCode)
	}
	if cfg.StoreBackend != BackendRedis || cfg.PrefsBackend != BackendRedis {
		t.Fatalf("backends = %s/%s, want redis/redis", cfg.StoreBackend, cfg.PrefsBackend)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("corsOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.GuestbookRateLimitPerMinute != 5 || !cfg.OfferLookup {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := FileConfig{
		Port:          "8080",
		GuestCode:     "PARTY2025",
		AdminCode:     "ADMIN",
		VisitorSecret: "0123456789abcdef",
		StoreBackend:  BackendMemory,
		PrefsBackend:  BackendMemory,
	}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*FileConfig)
		want   string
	}{
		{name: "missing guest code", mutate: func(c *FileConfig) { c.GuestCode = "" }, want: "guestCode"},
		{name: "missing admin code", mutate: func(c *FileConfig) { c.AdminCode = " " }, want: "adminCode"},
		{name: "short secret", mutate: func(c *FileConfig) { c.VisitorSecret = "short" }, want: "visitorSecret"},
		{name: "unknown backend", mutate: func(c *FileConfig) { c.StoreBackend = "mongo" }, want: "storeBackend"},
		{name: "postgres without url", mutate: func(c *FileConfig) { c.StoreBackend = BackendPostgres }, want: "databaseURL"},
		{name: "sqlite without path", mutate: func(c *FileConfig) { c.StoreBackend = BackendSQLite }, want: "sqlitePath"},
		{name: "redis prefs without addr", mutate: func(c *FileConfig) { c.PrefsBackend = BackendRedis }, want: "redisAddr"},
		{name: "rate limit without redis", mutate: func(c *FileConfig) { c.GuestbookRateLimitPerMinute = 3 }, want: "redisAddr"},
		{name: "negative rate limit", mutate: func(c *FileConfig) { c.GuestbookRateLimitPerMinute = -1 }, want: "guestbookRateLimitPerMinute"},
		{name: "bad duration", mutate: func(c *FileConfig) { c.ResolverIdleTTL = "soon" }, want: "resolverIdleTTL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

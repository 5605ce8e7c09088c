// Package config loads and validates environment variables at startup.
// Fail-fast: if a variable is malformed, the process exits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tjsasakifln/PNCP-poc-sub005/internal/billing"
	"github.com/tjsasakifln/PNCP-poc-sub005/internal/filter"
)

// DefaultPNCPBaseURL is the public consultation API.
const DefaultPNCPBaseURL = "https://pncp.gov.br/api/consulta"

// Quota backends accepted by QUOTA_BACKEND.
const (
	QuotaAuto     = "auto"
	QuotaRedis    = "redis"
	QuotaPostgres = "postgres"
	QuotaSQLite   = "sqlite"
	QuotaMemory   = "memory"
)

// Config holds all runtime configuration for the search service.
type Config struct {
	Port         string
	GRPCPort     string
	DatabaseURL  string // optional: Postgres plan/quota stores and saved alerts
	RedisURL     string // optional: Redis quota store and event publishing
	SQLitePath   string
	QuotaBackend string

	PNCPBaseURL     string
	PNCPPageSize    int
	PNCPMaxPages    int
	PNCPMaxAttempts int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	PageTimeout     time.Duration
	RateLimit       float64

	SearchTimeout   time.Duration
	QuotaTimeout    time.Duration
	PlanReadTimeout time.Duration
	GraceWindow     time.Duration
	DefaultPlan     string

	SectorsFile       string
	AlertsCron        string
	AlertLookbackDays int

	TracingEnabled bool
	OTLPEndpoint   string
	LogLevel       string
	LogFormat      string
}

// Load reads a .env file when one is present, then the environment, and
// returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		Port:         str("SEARCH_PORT", "8083"),
		GRPCPort:     str("GRPC_PORT", "9093"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		SQLitePath:   str("SQLITE_PATH", "./search.db"),
		QuotaBackend: strings.ToLower(str("QUOTA_BACKEND", QuotaAuto)),

		PNCPBaseURL:     strings.TrimRight(str("PNCP_BASE_URL", DefaultPNCPBaseURL), "/"),
		PNCPPageSize:    p.positiveInt("PNCP_PAGE_SIZE", 50),
		PNCPMaxPages:    p.positiveInt("PNCP_MAX_PAGES", 500),
		PNCPMaxAttempts: p.positiveInt("PNCP_MAX_ATTEMPTS", 5),
		BackoffInitial:  p.duration("PNCP_BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffMax:      p.duration("PNCP_BACKOFF_MAX", 30*time.Second),
		PageTimeout:     p.duration("PNCP_PAGE_TIMEOUT", 20*time.Second),
		RateLimit:       p.nonNegativeFloat("PNCP_RATE_LIMIT", 10),

		SearchTimeout:   p.duration("SEARCH_TIMEOUT", 120*time.Second),
		QuotaTimeout:    p.duration("QUOTA_OP_TIMEOUT", 3*time.Second),
		PlanReadTimeout: p.duration("PLAN_READ_TIMEOUT", 2*time.Second),
		GraceWindow:     time.Duration(p.nonNegativeInt("GRACE_DAYS", 3)) * 24 * time.Hour,
		DefaultPlan:     str("DEFAULT_PLAN", billing.PlanFreeTrial.ID),

		SectorsFile:       os.Getenv("SECTORS_FILE"),
		AlertsCron:        str("ALERTS_CRON", "@every 6h"),
		AlertLookbackDays: p.positiveInt("ALERT_LOOKBACK_DAYS", 1),

		TracingEnabled: p.boolean("TRACING_ENABLED"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:       strings.ToLower(os.Getenv("LOG_LEVEL")),
		LogFormat:      strings.ToLower(os.Getenv("LOG_FORMAT")),
	}
	if p.err != nil {
		return nil, p.err
	}

	if !strings.HasPrefix(cfg.PNCPBaseURL, "http://") && !strings.HasPrefix(cfg.PNCPBaseURL, "https://") {
		return nil, fmt.Errorf("PNCP_BASE_URL must be an http(s) URL, got %q", cfg.PNCPBaseURL)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return nil, fmt.Errorf("PNCP_BACKOFF_MAX (%s) must not be below PNCP_BACKOFF_INITIAL (%s)", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if billing.PlanByID(cfg.DefaultPlan) == nil {
		return nil, fmt.Errorf("DEFAULT_PLAN %q is not a known plan", cfg.DefaultPlan)
	}
	switch cfg.QuotaBackend {
	case QuotaAuto, QuotaMemory, QuotaSQLite:
	case QuotaRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("QUOTA_BACKEND=redis requires REDIS_URL")
		}
	case QuotaPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("QUOTA_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("QUOTA_BACKEND must be one of auto|redis|postgres|sqlite|memory, got %q", cfg.QuotaBackend)
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("LOG_LEVEL must be debug|info|warn|error, got %q", cfg.LogLevel)
	}

	return cfg, nil
}

// ResolvedQuotaBackend turns "auto" into a concrete backend: Redis when
// configured, then Postgres, then SQLite.
func (c *Config) ResolvedQuotaBackend() string {
	if c.QuotaBackend != QuotaAuto {
		return c.QuotaBackend
	}
	switch {
	case c.RedisURL != "":
		return QuotaRedis
	case c.DatabaseURL != "":
		return QuotaPostgres
	default:
		return QuotaSQLite
	}
}

// LoadSectors reads a YAML sector catalog. An empty path yields the
// built-in catalog.
func LoadSectors(path string) (*filter.Catalog, error) {
	if path == "" {
		return filter.NewCatalog(filter.BuiltinSectors())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sectors file: %w", err)
	}
	var doc struct {
		Sectors []filter.Sector `yaml:"sectors"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sectors file %s: %w", path, err)
	}
	cat, err := filter.NewCatalog(doc.Sectors)
	if err != nil {
		return nil, fmt.Errorf("sectors file %s: %w", path, err)
	}
	if _, ok := cat.Lookup(filter.DefaultSectorID); !ok {
		return nil, fmt.Errorf("sectors file %s must define %q", path, filter.DefaultSectorID)
	}
	return cat, nil
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser keeps the first error so Load can report it after reading every
// variable.
type parser struct{ err error }

func (p *parser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func (p *parser) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		p.fail("%s must be a positive integer, got %q", key, s)
		return def
	}
	return v
}

func (p *parser) nonNegativeInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		p.fail("%s must be a non-negative integer, got %q", key, s)
		return def
	}
	return v
}

func (p *parser) nonNegativeFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		p.fail("%s must be a non-negative number, got %q", key, s)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		p.fail("%s must be a positive duration like 500ms or 30s, got %q", key, s)
		return def
	}
	return v
}

func (p *parser) boolean(key string) bool {
	s := os.Getenv(key)
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.fail("%s must be true or false, got %q", key, s)
	}
	return v
}

// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the processor connection, rate limiting,
// and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the internal
// admin routes. Widget routes use each tenant's own allow-list.
type CORSConfig struct {
	AllowedOrigins []string
}

// ProcessorConfig locates the AI processor and bounds calls to it.
type ProcessorConfig struct {
	URL               string        // PROCESSOR_URL
	InternalSecret    string        // INTERNAL_API_SECRET, also guards /internal
	Timeout           time.Duration // RELAY_TIMEOUT, single-shot bound
	StreamIdleTimeout time.Duration // STREAM_IDLE_TIMEOUT
	HealthTimeout     time.Duration // HEALTH_TIMEOUT
}

// AuthConfig tunes the widget authentication gate.
type AuthConfig struct {
	// EmptyDomainsDeny makes an empty allow-list reject every declared
	// origin instead of accepting all of them.
	EmptyDomainsDeny bool // AUTH_EMPTY_DOMAINS_DENY
}

// RateConfig holds token-bucket settings. Authenticated widget traffic is
// limited per tenant by tier; everything else per client IP.
type RateConfig struct {
	RPS       float64 // RATE_RPS, per IP
	Burst     int     // RATE_BURST
	FreeRPS   float64 // RATE_FREE_RPS
	FreeBurst int     // RATE_FREE_BURST
	PaidRPS   float64 // RATE_PAID_RPS
	PaidBurst int     // RATE_PAID_BURST
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chatconnect-widget")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for widget routes
	Version     string // reported by /health

	// App
	DBPath string // SQLite path

	// Upstream
	Processor ProcessorConfig
	Auth      AuthConfig

	// Rate limiting
	Rate RateConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 2*time.Minute),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/widget")),
		Version:     getenv("VERSION", "1.0.0"),

		// App
		DBPath: getenv("DB_PATH", "chatconnect.db"),

		// Upstream
		Processor: ProcessorConfig{
			URL:               strings.TrimRight(getenv("PROCESSOR_URL", "http://localhost:8000"), "/"),
			InternalSecret:    getenv("INTERNAL_API_SECRET", ""),
			Timeout:           getdur("RELAY_TIMEOUT", 30*time.Second),
			StreamIdleTimeout: getdur("STREAM_IDLE_TIMEOUT", 60*time.Second),
			HealthTimeout:     getdur("HEALTH_TIMEOUT", 3*time.Second),
		},
		Auth: AuthConfig{
			EmptyDomainsDeny: getbool("AUTH_EMPTY_DOMAINS_DENY", false),
		},

		// Rate limiting
		Rate: RateConfig{
			RPS:       getfloat("RATE_RPS", 5.0),
			Burst:     getint("RATE_BURST", 10),
			FreeRPS:   getfloat("RATE_FREE_RPS", 1.0),
			FreeBurst: getint("RATE_FREE_BURST", 5),
			PaidRPS:   getfloat("RATE_PAID_RPS", 10.0),
			PaidBurst: getint("RATE_PAID_BURST", 30),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chatconnect-widget"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if u, err := url.Parse(cfg.Processor.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, errors.New("PROCESSOR_URL must be an absolute http(s) URL")
	}
	if cfg.Processor.Timeout <= 0 || cfg.Processor.StreamIdleTimeout <= 0 || cfg.Processor.HealthTimeout <= 0 {
		return cfg, errors.New("RELAY_TIMEOUT, STREAM_IDLE_TIMEOUT and HEALTH_TIMEOUT must be positive durations")
	}
	if cfg.Rate.RPS < 0 || cfg.Rate.FreeRPS < 0 || cfg.Rate.PaidRPS < 0 {
		return cfg, errors.New("rate limits must be >= 0")
	}
	if cfg.Rate.Burst < 1 || cfg.Rate.FreeBurst < 1 || cfg.Rate.PaidBurst < 1 {
		return cfg, errors.New("rate bursts must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

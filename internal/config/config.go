// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	ConfigFile      string
	Analytics       AnalyticsConfig
	Workflow        WorkflowConfig
	History         HistoryConfig
	Retention       RetentionConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// AnalyticsConfig points at the remote analysis backend.
type AnalyticsConfig struct {
	BaseURL   string
	TrendsURL string
	Timeout   time.Duration
}

// WorkflowConfig tunes the analysis workflow.
type WorkflowConfig struct {
	DefaultCompetitors []string
	ProgressTick       time.Duration
	ProgressStep       int
	TrendsTimeframe    string
	TrendsGeo          string
	VisualReportGeo    string
}

// HistoryConfig bounds the saved session history.
type HistoryConfig struct {
	MaxSessions int
}

// RetentionConfig controls discarding state of long-idle users.
type RetentionConfig struct {
	StateRetention time.Duration
	Interval       time.Duration
}

// RateLimitConfig limits chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// fileOverlay is the optional YAML file named by CONFIG_FILE. It carries the
// list-valued settings that are awkward to pass through the environment. Set
// fields replace the environment values.
type fileOverlay struct {
	Workflow struct {
		DefaultCompetitors []string `yaml:"default_competitors"`
		TrendsTimeframe    string   `yaml:"trends_timeframe"`
		TrendsGeo          *string  `yaml:"trends_geo"`
		VisualReportGeo    string   `yaml:"visual_report_geo"`
	} `yaml:"workflow"`
}

// Load reads configuration from environment variables, then applies the
// CONFIG_FILE overlay when one is set.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	analyticsURL := getEnv("ANALYTICS_BASE_URL", "http://localhost:8000")
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/insights.db"),
		ConfigFile:  getEnv("CONFIG_FILE", ""),
		Analytics: AnalyticsConfig{
			BaseURL:   analyticsURL,
			TrendsURL: getEnv("TRENDS_BASE_URL", analyticsURL),
			Timeout:   getEnvDuration("ANALYTICS_TIMEOUT", 90*time.Second),
		},
		Workflow: WorkflowConfig{
			DefaultCompetitors: getEnvList("DEFAULT_COMPETITORS",
				[]string{"indeed.com", "glassdoor.com", "monster.com", "ziprecruiter.com"}),
			ProgressTick:    getEnvDuration("PROGRESS_TICK", 500*time.Millisecond),
			ProgressStep:    getEnvInt("PROGRESS_STEP", 10),
			TrendsTimeframe: getEnv("TRENDS_TIMEFRAME", "today 12-m"),
			TrendsGeo:       getEnv("TRENDS_GEO", ""),
			VisualReportGeo: getEnv("TRENDS_VISUAL_GEO", "US"),
		},
		History: HistoryConfig{
			MaxSessions: getEnvInt("HISTORY_MAX_SESSIONS", 10),
		},
		Retention: RetentionConfig{
			StateRetention: getEnvDuration("STATE_RETENTION", 30*24*time.Hour),
			Interval:       getEnvDuration("RETENTION_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("CHAT_RATE_LIMIT", 10),
			WindowDuration:    getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	w := overlay.Workflow
	if len(w.DefaultCompetitors) > 0 {
		c.Workflow.DefaultCompetitors = w.DefaultCompetitors
	}
	if w.TrendsTimeframe != "" {
		c.Workflow.TrendsTimeframe = w.TrendsTimeframe
	}
	if w.TrendsGeo != nil {
		c.Workflow.TrendsGeo = *w.TrendsGeo
	}
	if w.VisualReportGeo != "" {
		c.Workflow.VisualReportGeo = w.VisualReportGeo
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	for name, raw := range map[string]string{
		"ANALYTICS_BASE_URL": c.Analytics.BaseURL,
		"TRENDS_BASE_URL":    c.Analytics.TrendsURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.Analytics.Timeout <= 0 {
		return fmt.Errorf("ANALYTICS_TIMEOUT must be > 0")
	}
	if len(c.Workflow.DefaultCompetitors) == 0 {
		return fmt.Errorf("default competitor list cannot be empty")
	}
	if c.Workflow.ProgressTick <= 0 {
		return fmt.Errorf("PROGRESS_TICK must be > 0")
	}
	if c.Workflow.ProgressStep <= 0 || c.Workflow.ProgressStep > 100 {
		return fmt.Errorf("PROGRESS_STEP must be between 1 and 100")
	}
	if c.History.MaxSessions <= 0 {
		return fmt.Errorf("HISTORY_MAX_SESSIONS must be > 0")
	}
	if c.Retention.StateRetention <= 0 || c.Retention.Interval <= 0 {
		return fmt.Errorf("STATE_RETENTION and RETENTION_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins CORS should accept.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreDriver selects the comment store: "postgres" or "memory"
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion        string
	SQSQueueURL      string
	SNSAlertTopicARN string
	SESFromEmail     string
	AlertEmailTo     string
	AlertWebhookURL  string

	// Graph API
	GraphBaseURL    string
	GraphAPIVersion string
	AccessToken     string
	PageID          string
	IGBusinessID    string
	IGUsername      string
	AppSecret       string
	VerifyToken     string

	// Filtering and rendering
	DefaultKeywords []string
	BannedWords     []string
	ExtraButtons    []Button
	ReplyMode       string // "user" or "comment"
	TenantID        string

	// Dispatch
	MaxAttempts  int
	BatchSize    int
	ScanInterval time.Duration
	SendSpacing  time.Duration
	SendTimeout  time.Duration
	ClaimTimeout time.Duration

	// Polling
	PollEnabled        bool
	PollInterval       time.Duration
	PollConfiguredOnly bool
	PollMaxPages       int

	// Retention
	Retention         time.Duration
	RetentionSchedule string

	ConfigCacheTTL time.Duration
	APIRateLimit   int // requests per minute per client
}

// Button is a link button appended to every outgoing message.
type Button struct {
	Title string
	URL   string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: "postgres",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "commentflow",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		GraphBaseURL:    "https://graph.facebook.com",
		GraphAPIVersion: "v18.0",

		ReplyMode: "user",

		MaxAttempts:  2,
		BatchSize:    20,
		ScanInterval: 5 * time.Minute,
		SendSpacing:  2 * time.Second,
		SendTimeout:  10 * time.Second,
		ClaimTimeout: 10 * time.Minute,

		PollInterval:       5 * time.Minute,
		PollConfiguredOnly: true,
		PollMaxPages:       10,

		Retention:         7 * 24 * time.Hour,
		RetentionSchedule: "@every 1h",

		ConfigCacheTTL: 5 * time.Minute,
		APIRateLimit:   100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		switch driver {
		case "postgres", "memory":
			cfg.StoreDriver = driver
		default:
			return nil, fmt.Errorf("invalid STORE_DRIVER: %q", driver)
		}
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis is optional; it backs the API rate limiter, the config cache
	// and the cycle lock.
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
		cfg.RedisEnabled = true
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SNSAlertTopicARN = os.Getenv("SNS_ALERT_TOPIC_ARN")
	cfg.SESFromEmail = os.Getenv("SES_FROM_EMAIL")
	cfg.AlertEmailTo = os.Getenv("ALERT_EMAIL_TO")
	cfg.AlertWebhookURL = os.Getenv("ALERT_WEBHOOK_URL")

	// Graph API
	if base := os.Getenv("GRAPH_BASE_URL"); base != "" {
		cfg.GraphBaseURL = strings.TrimRight(base, "/")
	}
	if version := os.Getenv("GRAPH_API_VERSION"); version != "" {
		cfg.GraphAPIVersion = version
	}
	cfg.AccessToken = os.Getenv("ACCESS_TOKEN")
	cfg.PageID = os.Getenv("PAGE_ID")
	cfg.IGBusinessID = os.Getenv("IG_BUSINESS_ID")
	cfg.IGUsername = os.Getenv("IG_USERNAME")
	cfg.AppSecret = os.Getenv("APP_SECRET")
	cfg.VerifyToken = os.Getenv("VERIFY_TOKEN")

	cfg.DefaultKeywords = splitList(os.Getenv("DEFAULT_KEYWORDS"))
	cfg.BannedWords = splitList(os.Getenv("BANNED_WORDS"))

	if raw := os.Getenv("EXTRA_BUTTONS"); raw != "" {
		buttons, err := parseButtons(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid EXTRA_BUTTONS: %w", err)
		}
		cfg.ExtraButtons = buttons
	}

	if mode := os.Getenv("REPLY_MODE"); mode != "" {
		if mode != "user" && mode != "comment" {
			return nil, fmt.Errorf("invalid REPLY_MODE: %q", mode)
		}
		cfg.ReplyMode = mode
	}
	cfg.TenantID = os.Getenv("TENANT_ID")

	// Dispatch
	if cfg.MaxAttempts, err = intEnv("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: must be at least 1")
	}
	if cfg.BatchSize, err = intEnv("BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.ScanInterval, err = durationEnv("SCAN_INTERVAL", cfg.ScanInterval); err != nil {
		return nil, err
	}
	if cfg.SendSpacing, err = durationEnv("SEND_SPACING", cfg.SendSpacing); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = durationEnv("SEND_TIMEOUT", cfg.SendTimeout); err != nil {
		return nil, err
	}
	if cfg.ClaimTimeout, err = durationEnv("CLAIM_TIMEOUT", cfg.ClaimTimeout); err != nil {
		return nil, err
	}

	// Polling
	if cfg.PollEnabled, err = boolEnv("POLL_ENABLED", cfg.PollEnabled); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.PollConfiguredOnly, err = boolEnv("POLL_CONFIGURED_ONLY", cfg.PollConfiguredOnly); err != nil {
		return nil, err
	}
	if cfg.PollMaxPages, err = intEnv("POLL_MAX_PAGES", cfg.PollMaxPages); err != nil {
		return nil, err
	}

	// Retention
	if cfg.Retention, err = durationEnv("RETENTION", cfg.Retention); err != nil {
		return nil, err
	}
	if schedule := os.Getenv("RETENTION_SCHEDULE"); schedule != "" {
		cfg.RetentionSchedule = schedule
	}

	if cfg.ConfigCacheTTL, err = durationEnv("CONFIG_CACHE_TTL", cfg.ConfigCacheTTL); err != nil {
		return nil, err
	}
	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseButtons parses "Title|https://url,Other|https://other".
func parseButtons(raw string) ([]Button, error) {
	var buttons []Button
	for _, item := range splitList(raw) {
		title, url, ok := strings.Cut(item, "|")
		title, url = strings.TrimSpace(title), strings.TrimSpace(url)
		if !ok || title == "" || url == "" {
			return nil, fmt.Errorf("button %q must be Title|URL", item)
		}
		buttons = append(buttons, Button{Title: title, URL: url})
	}
	return buttons, nil
}

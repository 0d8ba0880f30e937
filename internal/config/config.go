package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Admin describes one configured warehouse administrator.
type Admin struct {
	UserID    int64
	Warehouse string
	// ChatID is where notifications for this admin are delivered. Defaults
	// to UserID when the table entry omits it; group chats are negative.
	ChatID int64
}

// Config holds all runtime configuration loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	MetricsNamespace string
	HTTPListenAddr   string

	BotToken string

	CRMBaseURL string
	CRMAPIKey  string
	CRMTimeout time.Duration

	DatabasePath string
	DatabaseURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	Admins map[int64]Admin

	RateLimitWindow       time.Duration
	RateLimitButtonClicks int
	RateLimitConfirm      int

	PollInterval time.Duration

	StatusTarget          string
	StatusReturned        string
	StatusNoProduct       string
	StatusConfirmed       string
	StatusSelfPickupReady string
	StatusCompleted       string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           envString("APP_ENV", "development"),
		LogLevel:         envString("LOG_LEVEL", "info"),
		LogFormat:        envString("LOG_FORMAT", "text"),
		MetricsNamespace: envString("METRICS_NAMESPACE", "flowershop"),
		HTTPListenAddr:   envString("HTTP_LISTEN_ADDR", ":8080"),

		BotToken: os.Getenv("BOT_TOKEN"),

		CRMBaseURL: os.Getenv("CRM_DOMAIN"),
		CRMAPIKey:  os.Getenv("CRM_API_KEY"),
		CRMTimeout: envDuration("CRM_TIMEOUT", 10*time.Second),

		DatabasePath: envString("DATABASE_PATH", "bot_data.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisTLS:      envBool("REDIS_TLS", false),

		RateLimitWindow:       envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitButtonClicks: envInt("RATE_LIMIT_BUTTON_CLICKS", 10),
		RateLimitConfirm:      envInt("RATE_LIMIT_CONFIRM_ORDER", 5),

		PollInterval: envDuration("POLL_INTERVAL", 60*time.Second),

		StatusTarget:          envString("STATUS_TARGET", "otpravlen-v-sborku"),
		StatusNoProduct:       envString("STATUS_NO_PRODUCT", "obsuzhdenie-zameny"),
		StatusConfirmed:       envString("STATUS_CONFIRMED", "send-to-assembling"),
		StatusSelfPickupReady: envString("STATUS_SELF_PICKUP_READY", "gotov-k-vydache"),
		StatusCompleted:       envString("STATUS_COMPLETED", "complete"),
	}
	// Orders come back from replacement discussion into the target status
	// unless the workflow defines a dedicated code.
	cfg.StatusReturned = envString("STATUS_RETURNED", cfg.StatusTarget)

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}
	if cfg.CRMBaseURL == "" {
		return nil, fmt.Errorf("CRM_DOMAIN is required")
	}
	if cfg.CRMAPIKey == "" {
		return nil, fmt.Errorf("CRM_API_KEY is required")
	}

	admins, err := ParseAdminTable(os.Getenv("ADMIN_WAREHOUSES"))
	if err != nil {
		return nil, fmt.Errorf("parse ADMIN_WAREHOUSES: %w", err)
	}
	cfg.Admins = admins

	return cfg, nil
}

// ParseAdminTable parses the admin routing table. Entries are comma
// separated, each of the form USER_ID:WAREHOUSE or
// USER_ID:WAREHOUSE:CHAT_ID. The chat id defaults to the user id.
func ParseAdminTable(raw string) (map[int64]Admin, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("admin table is empty")
	}

	admins := make(map[int64]Admin)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want USER_ID:WAREHOUSE or USER_ID:WAREHOUSE:CHAT_ID", entry)
		}

		userStr := strings.TrimSpace(parts[0])
		warehouse := strings.TrimSpace(parts[1])
		chatStr := userStr
		if len(parts) == 3 {
			chatStr = strings.TrimSpace(parts[2])
		}

		if userStr == "" {
			return nil, fmt.Errorf("entry %q: empty user id", entry)
		}
		if warehouse == "" {
			return nil, fmt.Errorf("entry %q: empty warehouse code", entry)
		}
		if chatStr == "" {
			return nil, fmt.Errorf("entry %q: empty chat id", entry)
		}

		userID, err := strconv.ParseInt(userStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: user id %q is not numeric", entry, userStr)
		}
		chatID, err := strconv.ParseInt(chatStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: chat id %q is not numeric", entry, chatStr)
		}

		admins[userID] = Admin{
			UserID:    userID,
			Warehouse: warehouse,
			ChatID:    chatID,
		}
	}

	if len(admins) == 0 {
		return nil, fmt.Errorf("admin table has no valid entries")
	}
	return admins, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		return parsed
	}
	// Bare numbers are treated as seconds for compatibility with older
	// deployments that exported e.g. RATE_LIMIT_WINDOW=60.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

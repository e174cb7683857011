package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents bridge configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	HostBridgeURL      string
	StoragePath        string
	StorageBaseURL     string
	DatabaseURL        string
	TaskPollInterval   time.Duration
	TaskDeadline       time.Duration
	TaskMaxPolls       int
	ThumbnailDelay     time.Duration
	ThumbnailFastDelay time.Duration
	ThumbnailSize      int
	DashScopeAPIKey    string
	DashScopeBaseURL   string
	DashScopeModel     string
	HostRequestTimeout time.Duration
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSOrigins        []string
}

// LoadConfig loads configuration from the environment (and optional .env
// files) and applies defaults where needed.
func LoadConfig() (*Config, error) {
	// Missing env files are fine.
	_ = godotenv.Load(".env", ".env.local")

	port := getEnv("PORT", "8765")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		HostBridgeURL:      strings.TrimRight(os.Getenv("HOST_BRIDGE_URL"), "/"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		TaskPollInterval:   getEnvMillis("TASK_POLL_INTERVAL_MS", 1000),
		TaskDeadline:       time.Second * time.Duration(getEnvInt("TASK_DEADLINE_SECONDS", 0)),
		TaskMaxPolls:       getEnvInt("TASK_MAX_POLLS", 0),
		ThumbnailDelay:     getEnvMillis("THUMBNAIL_DELAY_MS", 1000),
		ThumbnailFastDelay: getEnvMillis("THUMBNAIL_FAST_DELAY_MS", 400),
		ThumbnailSize:      getEnvInt("THUMBNAIL_SIZE", 192),
		DashScopeAPIKey:    os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL:   getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		DashScopeModel:     getEnv("DASHSCOPE_MODEL", "wanx2.1-t2i-turbo"),
		HostRequestTimeout: time.Second * time.Duration(getEnvInt("HOST_REQUEST_TIMEOUT_SECONDS", 10)),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:        splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if cfg.HostBridgeURL == "" {
		return nil, fmt.Errorf("HOST_BRIDGE_URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.HostBridgeURL); err != nil {
		return nil, fmt.Errorf("HOST_BRIDGE_URL is invalid: %w", err)
	}
	if cfg.TaskPollInterval <= 0 {
		return nil, fmt.Errorf("TASK_POLL_INTERVAL_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(getEnvInt(key, fallback))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

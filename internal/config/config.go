package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port       string
	DBUrl      string
	JWTSecret  string
	AppEnv     string
	EnableDocs bool
	LogLevel   string

	OTELEndpoint string

	StoreDriver string

	RedisURL       string
	EventsChannel  string
	EventQueueSize int

	FacilityTimezone      string
	OpeningTime           string
	ClosingTime           string
	CompletionPolicy      string
	PendingExpirySchedule string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		DBUrl:      getEnv("DB_URL", ""),
		JWTSecret:  jwtSecret,
		AppEnv:     normalizeEnv(getEnv("APP_ENV", "production")),
		EnableDocs: getEnvBool("ENABLE_API_DOCS", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		StoreDriver: strings.ToLower(strings.TrimSpace(getEnv("STORE_DRIVER", StoreDriverPostgres))),

		RedisURL:       getEnv("REDIS_URL", ""),
		EventsChannel:  getEnv("EVENTS_CHANNEL", "appointments:events"),
		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 256),

		FacilityTimezone:      getEnv("FACILITY_TIMEZONE", "UTC"),
		OpeningTime:           getEnv("OPENING_TIME", "07:00"),
		ClosingTime:           getEnv("CLOSING_TIME", "21:00"),
		CompletionPolicy:      getEnv("COMPLETION_POLICY", "strict"),
		PendingExpirySchedule: getEnv("PENDING_EXPIRY_SCHEDULE", "*/5 * * * *"),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DBUrl == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
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
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) DocsEnabled() bool {
	return c != nil && c.EnableDocs && c.AppEnv == "development"
}

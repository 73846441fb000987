package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// OpenAI
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAITimeout time.Duration

	// Google Address Validation
	MapAPIKey             string
	AddressValidationURL  string
	AddressRequestTimeout time.Duration

	// Intake behavior
	ProviderLimit      int
	SlotLimit          int
	SessionTTL         time.Duration
	TranscriptMaxItems int

	// HTTP
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		OpenAITimeout: getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),

		MapAPIKey:             getEnv("MAP_API_KEY", ""),
		AddressValidationURL:  getEnv("ADDRESS_VALIDATION_URL", "https://addressvalidation.googleapis.com/v1:validateAddress"),
		AddressRequestTimeout: getEnvAsDuration("ADDRESS_REQUEST_TIMEOUT", 10*time.Second),

		ProviderLimit:      getEnvAsInt("PROVIDER_LIMIT", 5),
		SlotLimit:          getEnvAsInt("SLOT_LIMIT", 10),
		SessionTTL:         getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		TranscriptMaxItems: getEnvAsInt("TRANSCRIPT_MAX_ITEMS", 250),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice retrieves a comma-separated environment variable as a slice
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

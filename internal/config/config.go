package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Auth
	AdminUserID string
	JWTJWKSURL  string

	// Agent Transport
	AgentServiceURL            string
	UpstreamReadTimeoutMinutes int

	// Stream Registry / janitor
	SessionTimeoutSeconds    int
	SessionCleanupInterval   int
	SubscriberBufferSize     int
	SubscriberSendTimeoutMs  int

	// Message Store (Firestore)
	FirebaseProjectID string
	FirestoreDatabase string

	// Cross-instance cancel fan-out
	NatsURL string

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Tool/model metadata document
	ToolsConfigFile string
	Tools           *ToolsConfig
}

var AppConfig *Config

func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		AdminUserID: getEnvOrDefault("ADMIN_USER_ID", ""),
		JWTJWKSURL:  getEnvOrDefault("JWT_JWKS_URL", ""),

		AgentServiceURL:            getEnvOrDefault("AGENT_SERVICE_URL", "http://localhost:8000"),
		UpstreamReadTimeoutMinutes: getEnvAsInt("UPSTREAM_READ_TIMEOUT_MINUTES", 120),

		SessionTimeoutSeconds:   getEnvAsInt("SESSION_TIMEOUT_SECONDS", 3600),
		SessionCleanupInterval:  getEnvAsInt("SESSION_CLEANUP_INTERVAL", 300),
		SubscriberBufferSize:    getEnvAsInt("SUBSCRIBER_BUFFER_SIZE", 100),
		SubscriberSendTimeoutMs: getEnvAsInt("SUBSCRIBER_SEND_TIMEOUT_MS", 100),

		FirebaseProjectID: getEnvOrDefault("FIREBASE_PROJECT_ID", ""),
		FirestoreDatabase: getEnvOrDefault("FIRESTORE_DATABASE", "(default)"),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		ToolsConfigFile: getEnvOrDefault("TOOLS_CONFIG_FILE", "tools.yaml"),
	}

	tools, err := LoadToolsConfig(AppConfig.ToolsConfigFile)
	if err != nil {
		log.Printf("Warning: failed to load tools config %q, falling back to defaults: %v", AppConfig.ToolsConfigFile, err)
		tools = DefaultToolsConfig()
	}
	AppConfig.Tools = tools

	if AppConfig.FirebaseProjectID == "" {
		log.Println("Warning: FIREBASE_PROJECT_ID is not set; the in-memory Message Store will be used")
	}
	if AppConfig.AgentServiceURL == "" {
		log.Println("Warning: AGENT_SERVICE_URL is not set; Stream Runner cannot reach the agent backend")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse environment variable %s=%q as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// SessionTimeout is the janitor retention window as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// CleanupInterval is the janitor cadence as a time.Duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.SessionCleanupInterval) * time.Second
}

// UpstreamReadTimeout is the total Agent Transport HTTP timeout.
func (c *Config) UpstreamReadTimeout() time.Duration {
	return time.Duration(c.UpstreamReadTimeoutMinutes) * time.Minute
}

func (c *Config) SubscriberSendTimeout() time.Duration {
	return time.Duration(c.SubscriberSendTimeoutMs) * time.Millisecond
}

// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port           int
	Host           string
	MetricsEnabled bool
}

// EngineConfig holds the thread engine tuning values
type EngineConfig struct {
	MaxDepth        int           // Deepest allowed reply depth, roots are 0
	PageSize        int           // Nodes requested per page
	OrphanGrace     time.Duration // How long a reply waits for its parent before it becomes a synthetic root
	SweepInterval   time.Duration // How often orphans and stale mutations are checked
	RequestTimeout  time.Duration // Timeout for calls into a thread actor
	MutationTimeout time.Duration // Pending mutations older than this are rolled back
}

// BackendConfig selects the data backend the engine talks to
type BackendConfig struct {
	Kind     string // "memory", "postgres" or "mongo"
	URI      string
	Database string
}

// Config holds the complete application configuration
type Config struct {
	Server         *ServerConfig
	Engine         *EngineConfig
	Backend        *BackendConfig
	AttachmentDir  string
	JWTSecret      string
	AllowedOrigins []string
	LogLevel       string
	LogNoColor     bool
	Debug          bool
}

// DefaultConfig provides default server settings
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8080,
		Host:           "0.0.0.0",
		MetricsEnabled: true,
	}
}

// DefaultEngineConfig provides default engine settings
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxDepth:        2,
		PageSize:        20,
		OrphanGrace:     10 * time.Second,
		SweepInterval:   2 * time.Second,
		RequestTimeout:  5 * time.Second,
		MutationTimeout: 10 * time.Second,
	}
}

// DefaultBackendConfig provides default backend settings
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		Kind:     "memory",
		Database: "gator_threads",
	}
}

// LoadConfig loads configuration from environment variables and applies defaults
func LoadConfig() (*Config, error) {
	// Silent if no .env exists
	for _, location := range []string{".env", "../../.env"} {
		if err := godotenv.Load(location); err == nil {
			break
		}
	}

	serverConfig := DefaultConfig()
	if portStr := os.Getenv("PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", portStr, err)
		}
		serverConfig.Port = port
	}
	if host := os.Getenv("HOST"); host != "" {
		serverConfig.Host = host
	}
	if metricsEnabled := os.Getenv("METRICS_ENABLED"); metricsEnabled != "" {
		serverConfig.MetricsEnabled = metricsEnabled == "true"
	}

	engineConfig, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	backendConfig := DefaultBackendConfig()
	if kind := os.Getenv("BACKEND"); kind != "" {
		backendConfig.Kind = strings.ToLower(kind)
	}
	switch backendConfig.Kind {
	case "memory":
	case "postgres":
		backendConfig.URI = os.Getenv("DATABASE_URL")
		if backendConfig.URI == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required when BACKEND is postgres")
		}
	case "mongo":
		backendConfig.URI = os.Getenv("MONGO_URI")
		if backendConfig.URI == "" {
			return nil, fmt.Errorf("MONGO_URI environment variable is required when BACKEND is mongo")
		}
	default:
		return nil, fmt.Errorf("unsupported BACKEND %q", backendConfig.Kind)
	}
	backendConfig.Database = getEnvOrDefault("DB_NAME", backendConfig.Database)

	config := &Config{
		Server:         serverConfig,
		Engine:         engineConfig,
		Backend:        backendConfig,
		AttachmentDir:  getEnvOrDefault("ATTACHMENT_DIR", "attachments"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowedOrigins: []string{"*"},
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogNoColor:     os.Getenv("LOG_NO_COLOR") == "true",
		Debug:          os.Getenv("DEBUG") == "true",
	}
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	return config, nil
}

func loadEngineConfig() (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	ints := map[string]*int{
		"MAX_DEPTH": &cfg.MaxDepth,
		"PAGE_SIZE": &cfg.PageSize,
	}
	for key, target := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid %s %q", key, v)
			}
			*target = n
		}
	}
	if cfg.PageSize == 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive")
	}

	durations := map[string]*time.Duration{
		"ORPHAN_GRACE":     &cfg.OrphanGrace,
		"SWEEP_INTERVAL":   &cfg.SweepInterval,
		"REQUEST_TIMEOUT":  &cfg.RequestTimeout,
		"MUTATION_TIMEOUT": &cfg.MutationTimeout,
	}
	for key, target := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid %s %q", key, v)
			}
			*target = d
		}
	}

	return cfg, nil
}

// Helper function to get environment variable with default fallback
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

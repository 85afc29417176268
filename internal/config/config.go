package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"personad/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port          string
	DatabasePath  string // SQLite file for session logs
	ProvidersPath string // providers.json
	PresetsDir    string // persona preset YAML files
	BridgeURL     string // chat-platform transport bridge, empty disables platform tools
	RetentionDays int    // session retention for the cleanup job
	Environment   string // "production" switches JSON logging
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "3001"),
		DatabasePath:  getEnv("DATABASE_PATH", "data/personad.db"),
		ProvidersPath: getEnv("PROVIDERS_PATH", "providers.json"),
		PresetsDir:    getEnv("PRESETS_DIR", "presets"),
		BridgeURL:     getEnv("PLATFORM_BRIDGE_URL", ""),
		RetentionDays: getIntEnv("RETENTION_DAYS", 30),
		Environment:   strings.ToLower(getEnv("ENVIRONMENT", "development")),
	}
}

// LoadProviders loads providers configuration from JSON file
func LoadProviders(filePath string) (*models.ProvidersConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var config models.ProvidersConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse providers JSON: %w", err)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Database       string
	Port           string
	ImportDir      string
	StreakLookback int
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		Database:       getEnv("DATABASE_PATH", "./data/kotoba.db"),
		Port:           getEnv("PORT", "8080"),
		ImportDir:      getEnv("IMPORT_DIR", "./data/import"),
		StreakLookback: getEnvInt("STREAK_LOOKBACK_DAYS", 60),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}
	if err := os.MkdirAll(cfg.ImportDir, 0o755); err != nil {
		log.Fatalf("failed to ensure import dir %s: %v", cfg.ImportDir, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

package server

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full environment surface of the coordinator.
type Config struct {
	Port        string
	FrontendURL string
	DatabaseURL string
	RedisURL    string
	AuthSecret  string

	// Pipeline timing. Defaults match the production values; tests
	// shrink them.
	MatchmakingInterval time.Duration
	ReadyTimeout        time.Duration
	VetoTurnTimeout     time.Duration
	HostTimeout         time.Duration

	// Validation polling
	GameMode           int
	MonitoringInterval time.Duration
	AggressiveInterval time.Duration
}

// LoadConfig reads the environment, honoring a .env file when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		Port:        envOr("PORT", "8080"),
		FrontendURL: envOr("FRONTEND_URL", "http://localhost:3000"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		AuthSecret:  envOr("AUTH_SECRET", "dev-secret-do-not-ship"),

		MatchmakingInterval: 3500 * time.Millisecond,
		ReadyTimeout:        20 * time.Second,
		VetoTurnTimeout:     15 * time.Second,
		HostTimeout:         120 * time.Second,

		GameMode:           5,
		MonitoringInterval: 30 * time.Second,
		AggressiveInterval: 10 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

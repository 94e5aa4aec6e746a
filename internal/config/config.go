package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env             string
	HTTPPort        string
	DatabaseURL     string
	RedisAddr       string
	RelayBackend    string
	FaceServiceURL  string
	FaceSkip        bool
	MatchThreshold  float64
	RateLimitPerMin int
	StaticDir       string
}

// Load returns application config populated from environment variables with
// sensible defaults. A .env file in the working directory is read first when
// present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", "attendance.db"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RelayBackend:    getEnv("RELAY_BACKEND", "memory"),
		FaceServiceURL:  getEnv("FACE_SERVICE_URL", "http://localhost:8000"),
		FaceSkip:        boolEnv("FACE_SKIP", false),
		MatchThreshold:  floatEnv("MATCH_THRESHOLD", 0.4),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		StaticDir:       getEnv("STATIC_DIR", "web"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		var parsed float64
		if _, err := fmt.Sscanf(val, "%g", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid float for %s, using fallback %g", key, fallback)
	}
	return fallback
}

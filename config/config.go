package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration. Values come from the
// environment (optionally via a .env file) with sensible defaults for a
// Raspberry-Pi class deployment: primary storage on an external SSD,
// fallback on the internal SD card.
type Config struct {
	// Storage tiers
	PrimaryDir  string // library directory on the primary tier (SSD)
	FallbackDir string // backup directory on the fallback tier (SD card)
	StagingDir  string // temporary upload staging, same volume as PrimaryDir

	// Health monitoring
	HealthCheckInterval time.Duration
	UsageWarnThreshold  float64 // fraction used above which a tier is 'warning'
	MinFreeGB           float64 // floor below which backup sync is skipped

	// Uploads
	MaxUploadSize    int64
	SessionRetention time.Duration // failed/stale sessions older than this are reaped

	// Backup sync
	SyncInterval   time.Duration
	MaxBackupSongs int // fallback tier capacity cap, least-played evicted first

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// HTTP / auth
	ListenAddr string
	JWTSecret  string

	// Logging
	LogFile  string
	LogLevel string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvInt64 gets an environment variable as int64 or returns a default value.
func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvFloat gets an environment variable as float64 or returns a default value.
func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables and defaults.")
	}

	primaryDir := getEnv("PRIMARY_DIR", "/media/ssd/library")

	return &Config{
		PrimaryDir:  primaryDir,
		FallbackDir: getEnv("FALLBACK_DIR", "/home/pi/music_backup"),
		// Staging must share a filesystem with the library so finalize
		// can rename instead of copy.
		StagingDir: getEnv("STAGING_DIR", filepath.Join(filepath.Dir(primaryDir), "staging")),

		HealthCheckInterval: getEnvSeconds("HEALTH_CHECK_INTERVAL", 30*time.Second),
		UsageWarnThreshold:  getEnvFloat("USAGE_WARN_THRESHOLD", 0.9),
		MinFreeGB:           getEnvFloat("MIN_FREE_GB", 1.0),

		MaxUploadSize:    getEnvInt64("MAX_UPLOAD_SIZE", 100<<20),
		SessionRetention: getEnvSeconds("SESSION_RETENTION", 24*60*60*time.Second),

		SyncInterval:   getEnvSeconds("SYNC_INTERVAL", 300*time.Second),
		MaxBackupSongs: getEnvInt("MAX_BACKUP_SONGS", 100),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "echofm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:  getEnv("JWT_SECRET", "echofm-dev-secret-change-in-production"),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Engine struct {
	InitialCapital decimal.Decimal
	InitialPrice   decimal.Decimal
	// MonitorInterval is the pause between stop-loss / take-profit sweeps.
	MonitorInterval time.Duration
}

type Feed struct {
	Enabled  bool
	Interval time.Duration
	MaxStep  decimal.Decimal // largest move per tick in either direction
	MinPrice decimal.Decimal // the walk never goes below this
	Seed     int64           // 0 picks a time-based seed
}

type API struct {
	Addr        string
	CORSOrigins []string
	RateLimit   float64 // order-entry requests per second, 0 disables
	RateBurst   int
}

type Storage struct {
	// ArchivePath is the pebble directory for the trade archive. Empty disables it.
	ArchivePath string
}

type Log struct {
	Level string
	File  string
}

type Config struct {
	Engine  Engine
	Feed    Feed
	API     API
	Storage Storage
	Log     Log
}

func Default() Config {
	return Config{
		Engine: Engine{
			InitialCapital:  decimal.NewFromInt(10000),
			InitialPrice:    decimal.NewFromInt(100),
			MonitorInterval: time.Second,
		},
		Feed: Feed{
			Enabled:  true,
			Interval: time.Second,
			MaxStep:  decimal.RequireFromString("0.5"),
			MinPrice: decimal.NewFromInt(1),
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   50,
			RateBurst:   100,
		},
		Storage: Storage{
			ArchivePath: "./data/trades",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Engine.InitialCapital = getDecimal("ENGINE_INITIAL_CAPITAL", cfg.Engine.InitialCapital)
	cfg.Engine.InitialPrice = getDecimal("ENGINE_INITIAL_PRICE", cfg.Engine.InitialPrice)
	cfg.Engine.MonitorInterval = getMillis("MONITOR_INTERVAL_MS", cfg.Engine.MonitorInterval)

	if enabled := os.Getenv("FEED_ENABLED"); enabled != "" {
		cfg.Feed.Enabled = enabled == "true"
	}
	cfg.Feed.Interval = getMillis("FEED_INTERVAL_MS", cfg.Feed.Interval)
	cfg.Feed.MaxStep = getDecimal("FEED_MAX_STEP", cfg.Feed.MaxStep)
	cfg.Feed.MinPrice = getDecimal("FEED_MIN_PRICE", cfg.Feed.MinPrice)
	if seed := os.Getenv("FEED_SEED"); seed != "" {
		if v, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.Feed.Seed = v
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		// Example: "http://localhost:3000,https://sim.example.com"
		cfg.API.CORSOrigins = splitList(origins)
	}
	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		if v, err := strconv.ParseFloat(limit, 64); err == nil && v >= 0 {
			cfg.API.RateLimit = v
		}
	}
	if burst := os.Getenv("API_RATE_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil && v > 0 {
			cfg.API.RateBurst = v
		}
	}

	// ARCHIVE_PATH="" (set but empty) turns the archive off
	if path, ok := os.LookupEnv("ARCHIVE_PATH"); ok {
		cfg.Storage.ArchivePath = path
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// getDecimal ignores unparsable and non-positive values.
func getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                 string
	DatabaseURL          string
	StoreDriver          string
	MigrateOnStart       bool
	Location             *time.Location
	AllocatorMaxAttempts int
	ClaimMaxAttempts     int
	Rooms                []string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisChannel         string
	AMQPURL              string
	AMQPExchange         string
	RateLimitPerMinute   int
	RateLimitBurst       int
	LogLevel             string
	ShutdownTimeout      time.Duration
	ServiceVersion       string
	Environment          string
	OTLPEndpoint         string
	OTLPInsecure         bool
	TraceSampleRatio     float64
}

// Load reads the process environment, after applying a .env file from the
// working directory when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	zone := readString("SERVICE_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Config{}, fmt.Errorf("SERVICE_TIMEZONE %q: %w", zone, err)
	}

	driver := strings.ToLower(readString("STORE_DRIVER", DriverPostgres))
	if driver != DriverPostgres && driver != DriverMemory {
		return Config{}, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, driver)
	}
	dsn := os.Getenv("DB_DSN")
	if driver == DriverPostgres && dsn == "" {
		return Config{}, fmt.Errorf("DB_DSN is required when STORE_DRIVER=%s", DriverPostgres)
	}

	ratio := readFloat("OTEL_TRACES_SAMPLER_ARG", 1)
	if ratio < 0 || ratio > 1 {
		return Config{}, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1], got %v", ratio)
	}

	return Config{
		Port:                 port,
		DatabaseURL:          dsn,
		StoreDriver:          driver,
		MigrateOnStart:       readBool("MIGRATE_ON_START", true),
		Location:             loc,
		AllocatorMaxAttempts: readInt("ALLOCATOR_MAX_ATTEMPTS", 5),
		ClaimMaxAttempts:     readInt("CLAIM_MAX_ATTEMPTS", 5),
		Rooms:                readList("ROOMS"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              readInt("REDIS_DB", 0),
		RedisChannel:         readString("REDIS_CHANNEL", "qms:events"),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPExchange:         readString("AMQP_EXCHANGE", "qms.events"),
		RateLimitPerMinute:   readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 30),
		LogLevel:             readString("LOG_LEVEL", "info"),
		ShutdownTimeout:      readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
		ServiceVersion:       os.Getenv("SERVICE_VERSION"),
		Environment:          readString("DEPLOYMENT_ENVIRONMENT", "development"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:         readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:     ratio,
	}, nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

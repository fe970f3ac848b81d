// Package config loads application configuration from environment
// variables. A .env file in the working directory, when present, is
// loaded first; variables already set in the environment win.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by LEDGER_BACKEND and STORE_BACKEND.
const (
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env    string // APP_ENV: dev, test or prod
	Port   string // APP_PORT: HTTP port to listen on
	DBUser string // DB_USER
	DBPass string // DB_PASS (empty allowed)
	DBHost string // DB_HOST
	DBPort string // DB_PORT
	DBName string // DB_NAME

	JWTSecret string // JWT_SECRET: HMAC key of bearer tokens

	LedgerBackend string // LEDGER_BACKEND: mysql, redis or memory
	StoreBackend  string // STORE_BACKEND: mysql or memory
	RabbitMQURL   string // RABBITMQ_URL (or AMQP_URL); empty disables messaging

	Booking BookingConfig
}

// BookingConfig tunes the booking saga.
type BookingConfig struct {
	DefaultTTL        time.Duration // BOOKING_TTL: hold duration of a PENDING booking
	MaxTTL            time.Duration // BOOKING_MAX_TTL
	MaxQuantity       int           // BOOKING_MAX_QUANTITY: seats per booking
	SweepInterval     time.Duration // SWEEP_INTERVAL: bounds release latency of abandoned bookings
	SweepPageSize     int           // SWEEP_PAGE_SIZE: rows per expired-scan query
	ReconcileAttempts int           // RECONCILE_MAX_ATTEMPTS
	ReconcileBackoff  time.Duration // RECONCILE_BASE_BACKOFF
	ConsumerPrefetch  int           // CONSUMER_PREFETCH
	SequenceTTL       time.Duration // PAYMENT_SEQ_TTL: lifetime of dedup keys in Redis
}

// UsesMySQL reports whether any backend needs the database.
func (c Config) UsesMySQL() bool {
	return c.LedgerBackend == BackendMySQL || c.StoreBackend == BackendMySQL
}

// Load reads configuration values from the environment. Missing required
// variables cause the program to exit with a fatal log message; the DB_*
// variables are required only when a MySQL backend is selected.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Env:           envStr("APP_ENV", "dev"),
		Port:          envStr("APP_PORT", "8080"),
		JWTSecret:     must("JWT_SECRET"),
		LedgerBackend: strings.ToLower(envStr("LEDGER_BACKEND", BackendMySQL)),
		StoreBackend:  strings.ToLower(envStr("STORE_BACKEND", BackendMySQL)),
		RabbitMQURL:   envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
		Booking:       LoadBookingConfig(),
	}
	switch cfg.LedgerBackend {
	case BackendMySQL, BackendRedis, BackendMemory:
	default:
		log.Fatalf("invalid LEDGER_BACKEND: %q", cfg.LedgerBackend)
	}
	switch cfg.StoreBackend {
	case BackendMySQL, BackendMemory:
	default:
		log.Fatalf("invalid STORE_BACKEND: %q", cfg.StoreBackend)
	}
	if cfg.UsesMySQL() {
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// LoadBookingConfig reads the saga tuning knobs, falling back to defaults.
func LoadBookingConfig() BookingConfig {
	return BookingConfig{
		DefaultTTL:        envDur("BOOKING_TTL", 10*time.Minute),
		MaxTTL:            envDur("BOOKING_MAX_TTL", time.Hour),
		MaxQuantity:       envInt("BOOKING_MAX_QUANTITY", 10),
		SweepInterval:     envDur("SWEEP_INTERVAL", 30*time.Second),
		SweepPageSize:     envInt("SWEEP_PAGE_SIZE", 100),
		ReconcileAttempts: envInt("RECONCILE_MAX_ATTEMPTS", 5),
		ReconcileBackoff:  envDur("RECONCILE_BASE_BACKOFF", 200*time.Millisecond),
		ConsumerPrefetch:  envInt("CONSUMER_PREFETCH", 50),
		SequenceTTL:       envDur("PAYMENT_SEQ_TTL", 7*24*time.Hour),
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

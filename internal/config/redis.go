package config

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings of the shared Redis client.
// Redis backs the Lua inventory ledger (LEDGER_BACKEND=redis), payment
// sequence deduplication, rate limiting and the availability cache.
type RedisConfig struct {
	Addr     string // REDIS_ADDR, or REDIS_HOST + REDIS_PORT
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
	TLS      bool   // REDIS_TLS
}

// LoadRedisConfig reads REDIS_* variables. REDIS_HOST and REDIS_PORT take
// precedence over REDIS_ADDR when both are set.
func LoadRedisConfig() RedisConfig {
	addr := envStr("REDIS_ADDR", "localhost:6379")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	return RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
		TLS:      envBool("REDIS_TLS", false),
	}
}

// NewRedisClient builds a client from cfg and pings it with a short
// timeout. On failure the client is closed and the ping error returned;
// callers decide whether Redis is required or features degrade.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

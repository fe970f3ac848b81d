package config

import (
	"strings"
	"time"
)

// CacheConfig defines settings for the response cache used on the public
// seat pool availability endpoint. Availability changes with every
// booking, so the TTL is kept to a few seconds: the cache absorbs read
// bursts during an on-sale without letting clients see stale counts for
// long. Reservation decisions never read from the cache.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool
	TTL          time.Duration
	KeyStrategy  string
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      parseMethods(envStr("CACHE_METHODS", "GET")),
		TTL:          envDur("CACHE_TTL", 2*time.Second),
		KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "route_query"),
		Prefix:       envStr("CACHE_PREFIX", "booking:cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 64*1024),
	}
}

func parseMethods(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}

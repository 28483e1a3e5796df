package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Dependency kinds with their own env-tunable breaker settings.
const (
	KindHTTP     = "HTTP"
	KindDatabase = "DB"
	KindRedis    = "REDIS"
)

var kindDefaults = map[string]Config{
	KindHTTP: {
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	},
	KindDatabase: {
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	},
	KindRedis: {
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	},
}

// ConfigFor returns breaker settings for a dependency kind, overridable via
// CB_<KIND>_MAX_REQUESTS, _INTERVAL, _TIMEOUT, _FAILURE_THRESHOLD and
// _SUCCESS_THRESHOLD.
func ConfigFor(kind string) Config {
	kind = strings.ToUpper(kind)
	def, ok := kindDefaults[kind]
	if !ok {
		def = DefaultConfig()
	}
	prefix := "CB_" + kind + "_"
	return Config{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Package config loads service configuration from environment variables so
// main stays lean. All variables carry the KEYGATE_ prefix.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config captures process-level configuration.
//
// An empty DatabaseURL runs the service on in-memory stores, which is only
// useful for development; RedisURL and KafkaBrokers are optional extras that
// enable the registry cache and the usage event mirror when set.
type Config struct {
	Addr             string        `envconfig:"ADDR" default:":8080"`
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	RedisURL         string        `envconfig:"REDIS_URL"`
	KafkaBrokers     []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic       string        `envconfig:"KAFKA_TOPIC" default:"keygate.usage"`
	AdminToken       string        `envconfig:"ADMIN_TOKEN"`
	UsageBuffer      int           `envconfig:"USAGE_BUFFER" default:"256"`
	RegistryCacheTTL time.Duration `envconfig:"REGISTRY_CACHE_TTL" default:"5m"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

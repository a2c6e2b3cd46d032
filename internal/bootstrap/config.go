// Package bootstrap composes every registry, adapter and the Control API
// into one running service: it loads Config from the environment, wires
// the Pool/Breaker/Credential/Route registries over the broker/Mongo/Redis
// adapters, and owns the process's startup and graceful-shutdown sequence.
package bootstrap

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ApplicationName identifies this service in logs and telemetry.
const ApplicationName = "partner-forwarder"

// Config is the flat, environment-sourced configuration for the whole
// process. Per-tenant TenantConfig is runtime state owned by the Tenant
// Config Store, not process configuration, so it has no place here.
type Config struct {
	EnvName  string `env:"ENV_NAME" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ControlAPIAddress string `env:"CONTROL_API_ADDRESS" envDefault:":8080"`

	MongoURI      string `env:"MONGO_URI,required"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"partner_forwarder"`

	RedisURI string `env:"REDIS_URI,required"`

	RabbitMQURI string `env:"RABBITMQ_URI,required"`

	ConfigReloadInterval time.Duration `env:"CONFIG_RELOAD_INTERVAL" envDefault:"5m"`

	OtelServiceName string `env:"OTEL_RESOURCE_SERVICE_NAME" envDefault:"partner-forwarder"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoadConfig parses Config from the process environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is read from the environment, optionally seeded by a .env file.
type Config struct {
	ServiceName     string        `envconfig:"SERVICE_NAME" default:"marketplace-chat"`
	Env             string        `envconfig:"APP_ENV" default:"development"`
	Port            string        `envconfig:"PORT" default:"8083"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	DBDSN       string `envconfig:"DB_DSN"`

	NATSURL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NATSStream        string        `envconfig:"NATS_STREAM" default:"CONVERSATIONS"`
	NATSSubjectPrefix string        `envconfig:"NATS_SUBJECT_PREFIX" default:"chat"`
	NATSMaxAge        time.Duration `envconfig:"NATS_MAX_AGE" default:"0s"`

	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string        `envconfig:"REDIS_PREFIX" default:"chat"`
	RedisBlock    time.Duration `envconfig:"REDIS_BLOCK" default:"5s"`

	IdentityGRPCAddr string        `envconfig:"IDENTITY_GRPC_ADDR"`
	IdentityTimeout  time.Duration `envconfig:"IDENTITY_TIMEOUT" default:"3s"`

	AMQPURL         string `envconfig:"AMQP_URL"`
	AMQPExchange    string `envconfig:"AMQP_EXCHANGE" default:"chat.events"`
	AuditRoutingKey string `envconfig:"AUDIT_ROUTING_KEY" default:"audit.chat"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	WSSendRate  float64 `envconfig:"WS_SEND_RATE" default:"5"`
	WSSendBurst int     `envconfig:"WS_SEND_BURST" default:"10"`
}

var drivers = map[string]bool{"memory": true, "postgres": true, "nats": true, "redis": true}

// Load reads .env files (when present) and then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Missing files are fine; variables may come from the real environment.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	if !drivers[c.StoreDriver] {
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.DBDSN == "" {
		return errors.New("DB_DSN is required for the postgres store")
	}
	if c.IdentityGRPCAddr == "" && !c.Development() {
		return errors.New("IDENTITY_GRPC_ADDR is required outside development")
	}
	if c.WSSendRate <= 0 || c.WSSendBurst <= 0 {
		return errors.New("WS_SEND_RATE and WS_SEND_BURST must be positive")
	}
	return nil
}

// Development reports whether the service runs in a development environment.
func (c Config) Development() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "local"
}

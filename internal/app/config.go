package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Event transports.
const (
	EventsReverb = "reverb"
	EventsRedis  = "redis"
)

// Config holds the terminal configuration, loadable from environment
// variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr       string `default:"127.0.0.1:8081" usage:"Health and status listen address"`
	StorageKey string `default:"pos-store" usage:"Key the terminal state is stored under" flag:"storage-key"`
	Storage    StorageConfig
	API        APIConfig
	Events     EventsConfig
	Graceful   GracefulConfig
}

// StorageConfig selects where the cart and selections survive restarts.
type StorageConfig struct {
	Driver      string `default:"sqlite" usage:"State backend: sqlite, redis or postgres"`
	Path        string `default:"pos.db" usage:"SQLite database file"`
	RedisAddr   string `default:"localhost:6379" usage:"Redis address for the redis backend"`
	DatabaseURL string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
}

// APIConfig points at the order service.
type APIConfig struct {
	BaseURL string        `default:"http://localhost:8000/api" usage:"Order service base URL"`
	Token   string        `usage:"Bearer token for the order service"`
	Timeout time.Duration `default:"10s" usage:"Per-request timeout"`
}

// EventsConfig selects the order event transport.
type EventsConfig struct {
	Driver     string        `default:"reverb" usage:"Event transport: reverb or redis"`
	URL        string        `default:"ws://localhost:8080/app/pos-key" usage:"Websocket application URL"`
	RedisAddr  string        `default:"localhost:6379" usage:"Redis address for the redis transport"`
	Prefix     string        `default:"laravel_database_" usage:"Redis channel prefix"`
	MaxRetries int           `default:"5" usage:"Reconnect attempts before giving up"`
	RetryDelay time.Duration `default:"2s" usage:"Base delay between reconnects"`
	// Resubscribe is how often a subscription the transport gave up on is
	// retried. Zero disables it.
	Resubscribe time.Duration `default:"30s" usage:"Retry interval for a dropped order subscription"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"1s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"10s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Storage.DatabaseURL = v
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.Path == "" {
			return errors.New("sqlite storage needs a path")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("redis storage needs an address")
		}
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("postgres storage needs a database URL: set POS_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case EventsReverb:
		if c.Events.URL == "" {
			return errors.New("reverb events need a websocket URL")
		}
	case EventsRedis:
		if c.Events.RedisAddr == "" {
			return errors.New("redis events need an address")
		}
	default:
		return errors.Errorf("unknown events driver %q", c.Events.Driver)
	}

	if c.API.BaseURL == "" {
		return errors.New("order service base URL is required")
	}
	return nil
}

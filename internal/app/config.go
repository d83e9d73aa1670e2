package app

import (
	"io/fs"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix) or YAML config files. Flags are left
// to the binaries.
type Config struct {
	Addr           string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	APIKeyPepper   string        `env:"API_KEY_PEPPER" usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)"`
	RequestTimeout time.Duration `default:"10s" usage:"Per-request handler timeout"`
	// BootstrapAPIKey is provisioned as an admin key at startup. Required for
	// the memory driver, whose key store starts empty.
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY" usage:"Admin API key provisioned at startup (KART_BOOTSTRAP_API_KEY)"`
	Storage        StorageConfig
	Ledger         LedgerConfig
	Kafka          KafkaConfig
	Graceful       GracefulConfig
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver        string `default:"postgres" usage:"Storage driver: memory, postgres or mongo"`
	DatabaseURL   string `usage:"PostgreSQL connection URL (KART_STORAGE_DATABASE_URL or DATABASE_URL)"`
	MongoURI      string `usage:"MongoDB connection URI"`
	MongoDatabase string `default:"kart" usage:"MongoDB database name"`
}

// LedgerConfig controls inventory compensation.
type LedgerConfig struct {
	CompensationTimeout time.Duration `default:"5s" usage:"Upper bound for rolling back a failed decrement"`
}

// KafkaConfig configures event publishing. Publishing is disabled when no
// brokers are set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"kart.orders" usage:"Topic for order events"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration"`
}

// LoadConfig loads an optional .env file, then configuration from
// environment variables and YAML config files, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		SkipFlags: true,
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
		if c.BootstrapAPIKey == "" {
			return errors.New("bootstrap API key is required for the memory driver: set KART_BOOTSTRAP_API_KEY")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case DriverMongo:
		if c.Storage.MongoURI == "" {
			return errors.New("mongo URI is required: set KART_STORAGE_MONGO_URI")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set KART_API_KEY_PEPPER")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

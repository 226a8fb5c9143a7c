// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMongo  = "mongo"
)

// Config is the runtime configuration of the reconciler process.
type Config struct {
	Storage        string `env:"SPLITLEDGER_STORAGE"           envDefault:"sqlite"`
	DBPath         string `env:"SPLITLEDGER_DB_PATH"           envDefault:"./data/splitledger.db"`
	DBMaxOpenConns int    `env:"SPLITLEDGER_DB_MAX_OPEN_CONNS" envDefault:"4"`

	MongoURI      string        `env:"SPLITLEDGER_MONGO_URI"      envDefault:"mongodb://localhost:27017"`
	MongoDatabase string        `env:"SPLITLEDGER_MONGO_DATABASE" envDefault:"splitledger"`
	MongoTimeout  time.Duration `env:"SPLITLEDGER_MONGO_TIMEOUT"  envDefault:"5s"`

	BcryptCost    int `env:"SPLITLEDGER_BCRYPT_COST"     envDefault:"10"`
	IDMaxAttempts int `env:"SPLITLEDGER_ID_MAX_ATTEMPTS" envDefault:"64"`

	RetryMaxTries        uint          `env:"SPLITLEDGER_RETRY_MAX_TRIES"        envDefault:"3"`
	RetryInitialInterval time.Duration `env:"SPLITLEDGER_RETRY_INITIAL_INTERVAL" envDefault:"50ms"`

	ReconcileInterval time.Duration `env:"SPLITLEDGER_RECONCILE_INTERVAL" envDefault:"1m"`
	MetricsAddr       string        `env:"SPLITLEDGER_METRICS_ADDR"       envDefault:":9090"`
}

// Load reads the optional dotenv files, then parses the environment.
// Variables already set in the environment win over dotenv values.
func Load(dotenvFiles ...string) (Config, error) {
	for _, path := range dotenvFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown storage kinds and out-of-range bounds.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageSQLite:
		if c.DBPath == "" {
			return errors.New("SPLITLEDGER_DB_PATH is required for sqlite storage")
		}
	case StorageMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("SPLITLEDGER_MONGO_URI and SPLITLEDGER_MONGO_DATABASE are required for mongo storage")
		}
	default:
		return fmt.Errorf("unknown storage %q, want %s or %s", c.Storage, StorageSQLite, StorageMongo)
	}

	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("SPLITLEDGER_DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns)
	}
	if c.IDMaxAttempts < 1 {
		return fmt.Errorf("SPLITLEDGER_ID_MAX_ATTEMPTS must be positive, got %d", c.IDMaxAttempts)
	}
	if c.RetryMaxTries < 1 {
		return errors.New("SPLITLEDGER_RETRY_MAX_TRIES must be positive")
	}
	if c.RetryInitialInterval <= 0 || c.MongoTimeout <= 0 {
		return errors.New("retry interval and mongo timeout must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("SPLITLEDGER_RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval)
	}
	return nil
}

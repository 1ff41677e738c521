package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"gatekeeper-go/internal/permissions"
)

// Config is the daemon configuration, read from the environment.
type Config struct {
	DBPath     string `env:"GATEKEEPER_DB_PATH"     envDefault:"gatekeeper.db"`
	ListenAddr string `env:"GATEKEEPER_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"GATEKEEPER_LOG_LEVEL"   envDefault:"info"`
	LogPretty  bool   `env:"GATEKEEPER_LOG_PRETTY"`

	// Bootstrap initializes an empty vault on startup.
	Bootstrap string `env:"GATEKEEPER_BOOTSTRAP"`

	// Executor is disabled unless both are set.
	RPCURL      string `env:"GATEKEEPER_RPC_URL"`
	ExecutorKey string `env:"GATEKEEPER_EXECUTOR_KEY"`

	WatchdogAddress  string        `env:"GATEKEEPER_WATCHDOG_ADDRESS"`
	WatchdogLevel    uint8         `env:"GATEKEEPER_WATCHDOG_LEVEL"    envDefault:"1"`
	WatchdogSecret   string        `env:"GATEKEEPER_WATCHDOG_SECRET"`
	WatchdogInterval time.Duration `env:"GATEKEEPER_WATCHDOG_INTERVAL" envDefault:"30s"`
	// PublicURL is where cancel links point, e.g. https://vault.example.
	PublicURL string `env:"GATEKEEPER_PUBLIC_URL"`

	AllowAllPolicy  string   `env:"GATEKEEPER_ALLOW_ALL_POLICY"`
	WhitelistPolicy string   `env:"GATEKEEPER_WHITELIST_POLICY"`
	Whitelist       []string `env:"GATEKEEPER_WHITELIST" envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if (c.RPCURL == "") != (c.ExecutorKey == "") {
		return fmt.Errorf("GATEKEEPER_RPC_URL and GATEKEEPER_EXECUTOR_KEY must be set together")
	}
	if c.WatchdogAddress != "" {
		if !common.IsHexAddress(c.WatchdogAddress) {
			return fmt.Errorf("invalid watchdog address %q", c.WatchdogAddress)
		}
		if !permissions.Level(c.WatchdogLevel).Valid() {
			return fmt.Errorf("invalid watchdog level %d", c.WatchdogLevel)
		}
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	for _, a := range append([]string{c.AllowAllPolicy, c.WhitelistPolicy}, c.Whitelist...) {
		if a != "" && !common.IsHexAddress(a) {
			return fmt.Errorf("invalid address %q", a)
		}
	}
	return nil
}

// Logger builds the root logger.
func (c Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if c.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// Secret returns the configured watchdog secret, or a random one that lives
// as long as the process. Cancel codes do not survive a restart then.
func (c Config) Secret() ([]byte, error) {
	if c.WatchdogSecret != "" {
		return []byte(c.WatchdogSecret), nil
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func (c Config) WhitelistAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Whitelist))
	for _, a := range c.Whitelist {
		if a != "" {
			out = append(out, common.HexToAddress(a))
		}
	}
	return out
}

package config_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-go/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "gatekeeper.db", cfg.DBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint8(1), cfg.WatchdogLevel)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval)
	assert.Empty(t, cfg.WhitelistAddresses())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GATEKEEPER_DB_PATH", "/tmp/vault.db")
	t.Setenv("GATEKEEPER_WATCHDOG_ADDRESS", "0x22d491bde2303f2f43325b2108d26f1eaba1e32b")
	t.Setenv("GATEKEEPER_WATCHDOG_LEVEL", "3")
	t.Setenv("GATEKEEPER_WATCHDOG_INTERVAL", "5s")
	t.Setenv("GATEKEEPER_PUBLIC_URL", "https://vault.example")
	t.Setenv("GATEKEEPER_WHITELIST", "0x0000000000000000000000000000000000000001,0x0000000000000000000000000000000000000002")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vault.db", cfg.DBPath)
	assert.Equal(t, uint8(3), cfg.WatchdogLevel)
	assert.Equal(t, 5*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, "https://vault.example", cfg.PublicURL)
	assert.Equal(t, []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}, cfg.WhitelistAddresses())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unparsable level":    {"GATEKEEPER_WATCHDOG_LEVEL": "high"},
		"log level":           {"GATEKEEPER_LOG_LEVEL": "loud"},
		"rpc without key":     {"GATEKEEPER_RPC_URL": "http://localhost:8545"},
		"watchdog address":    {"GATEKEEPER_WATCHDOG_ADDRESS": "nope"},
		"watchdog level":      {"GATEKEEPER_WATCHDOG_ADDRESS": "0x22d491bde2303f2f43325b2108d26f1eaba1e32b", "GATEKEEPER_WATCHDOG_LEVEL": "11"},
		"interval":            {"GATEKEEPER_WATCHDOG_INTERVAL": "-1s"},
		"whitelisted address": {"GATEKEEPER_WHITELIST": "0x01,zz"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestSecret(t *testing.T) {
	cfg := config.Config{WatchdogSecret: "s3cret"}
	secret, err := cfg.Secret()
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)

	a, err := config.Config{}.Secret()
	require.NoError(t, err)
	b, err := config.Config{}.Secret()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

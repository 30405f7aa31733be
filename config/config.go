// Package config loads the gateway configuration: a TOML file with
// NEARGATE_* environment overrides and a separate validation pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddress   = ":8080"
	DefaultBatchSize       = 75
	DefaultBatchIntervalMs = 300
	DefaultMaxParallel     = 30
	DefaultMaxBatches      = 15
	DefaultGas             = uint64(30_000_000_000_000)
	MinGas                 = uint64(10_000_000_000_000)
	MaxGas                 = uint64(50_000_000_000_000)
	DefaultRPCPoolSize     = 4
	DefaultRPCTimeoutMs    = 30_000
)

// Log configures the slog handler and optional rolling file output.
type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"maxSizeMb"`
	MaxBackups int    `toml:"maxBackups"`
}

// Config is the full gateway configuration. TOML keys mirror the
// environment variable names: batchSize is NEARGATE_BATCH_SIZE and so on.
type Config struct {
	ListenAddress string `toml:"listenAddress"`

	NetworkID        string `toml:"networkId"`
	NodeURL          string `toml:"nodeUrl"`
	MasterAccountID  string `toml:"masterAccountId"`
	MasterPrivateKey string `toml:"masterPrivateKey"`
	CredentialsFile  string `toml:"credentialsFile"`
	ContractID       string `toml:"contractId"`

	BatchSize               int   `toml:"batchSize"`
	BatchIntervalMs         int   `toml:"batchIntervalMs"`
	MaxParallelTransactions int64 `toml:"maxParallelTransactions"`
	MaxConcurrentBatches    int   `toml:"maxConcurrentBatches"`
	QueueConcurrency        int   `toml:"queueConcurrency"`
	QueueCapacity           int   `toml:"queueCapacity"`

	FunctionCallGas uint64 `toml:"functionCallGas"`
	AttachedDeposit string `toml:"attachedDeposit"`

	RPCPoolSize  int `toml:"rpcPoolSize"`
	RPCTimeoutMs int `toml:"rpcTimeoutMs"`

	ExtraKeys  int    `toml:"extraKeys"`
	AdminToken string `toml:"adminToken"`

	RateLimitPerSecond float64 `toml:"rateLimitPerSecond"`
	RateLimitBurst     int     `toml:"rateLimitBurst"`

	OTLPEndpoint string `toml:"otlpEndpoint"`

	Log Log `toml:"log"`
}

// Default returns a configuration with every tunable at its documented
// default. Identity fields (account, key, contract) stay empty and must come
// from the file or the environment.
func Default() Config {
	return Config{
		ListenAddress:           DefaultListenAddress,
		NetworkID:               "testnet",
		BatchSize:               DefaultBatchSize,
		BatchIntervalMs:         DefaultBatchIntervalMs,
		MaxParallelTransactions: DefaultMaxParallel,
		MaxConcurrentBatches:    DefaultMaxBatches,
		FunctionCallGas:         DefaultGas,
		AttachedDeposit:         "1",
		RPCPoolSize:             DefaultRPCPoolSize,
		RPCTimeoutMs:            DefaultRPCTimeoutMs,
		RateLimitPerSecond:      500,
		RateLimitBurst:          1000,
		Log:                     Log{Level: "info"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// fills derived defaults. The result is not yet validated; call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.QueueCapacity <= 0 {
		// Recommended bound: ten full batches per concurrent batch slot.
		cfg.QueueCapacity = 10 * cfg.BatchSize * cfg.MaxConcurrentBatches
	}
	return cfg, nil
}

// BatchInterval returns the collector tick period.
func (c Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// RPCTimeout returns the per-call RPC timeout.
func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

func (c *Config) applyEnv() error {
	var err error
	setString(&c.ListenAddress, "NEARGATE_LISTEN_ADDRESS")
	setString(&c.NetworkID, "NEARGATE_NETWORK_ID")
	setString(&c.NodeURL, "NEARGATE_NODE_URL")
	setString(&c.MasterAccountID, "NEARGATE_MASTER_ACCOUNT_ID")
	setString(&c.MasterPrivateKey, "NEARGATE_MASTER_PRIVATE_KEY")
	setString(&c.CredentialsFile, "NEARGATE_CREDENTIALS_FILE")
	setString(&c.ContractID, "NEARGATE_CONTRACT_ID")
	setString(&c.AttachedDeposit, "NEARGATE_ATTACHED_DEPOSIT")
	setString(&c.AdminToken, "NEARGATE_ADMIN_TOKEN")
	setString(&c.OTLPEndpoint, "NEARGATE_OTLP_ENDPOINT")
	setString(&c.Log.Level, "NEARGATE_LOG_LEVEL")
	setString(&c.Log.File, "NEARGATE_LOG_FILE")

	err = firstErr(err, setInt(&c.BatchSize, "NEARGATE_BATCH_SIZE"))
	err = firstErr(err, setInt(&c.BatchIntervalMs, "NEARGATE_BATCH_INTERVAL_MS"))
	err = firstErr(err, setInt64(&c.MaxParallelTransactions, "NEARGATE_MAX_PARALLEL_TRANSACTIONS"))
	err = firstErr(err, setInt(&c.MaxConcurrentBatches, "NEARGATE_MAX_CONCURRENT_BATCHES"))
	err = firstErr(err, setInt(&c.QueueConcurrency, "NEARGATE_QUEUE_CONCURRENCY"))
	err = firstErr(err, setInt(&c.QueueCapacity, "NEARGATE_QUEUE_CAPACITY"))
	err = firstErr(err, setUint64(&c.FunctionCallGas, "NEARGATE_FUNCTION_CALL_GAS"))
	err = firstErr(err, setInt(&c.RPCPoolSize, "NEARGATE_RPC_POOL_SIZE"))
	err = firstErr(err, setInt(&c.RPCTimeoutMs, "NEARGATE_RPC_TIMEOUT_MS"))
	err = firstErr(err, setInt(&c.ExtraKeys, "NEARGATE_EXTRA_KEYS"))
	return err
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setUint64(dst *uint64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

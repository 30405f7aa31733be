package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neargate.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
nodeUrl = "https://rpc.testnet.near.org"
networkId = "testnet"
masterAccountId = "dispatch.testnet"
masterPrivateKey = "ed25519:abc"
contractId = "token.testnet"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 75 {
		t.Fatalf("expected default batch size 75, got %d", cfg.BatchSize)
	}
	if cfg.BatchInterval() != 300*time.Millisecond {
		t.Fatalf("expected 300ms interval, got %v", cfg.BatchInterval())
	}
	if cfg.MaxParallelTransactions != 30 || cfg.MaxConcurrentBatches != 15 {
		t.Fatalf("unexpected concurrency defaults %d/%d", cfg.MaxParallelTransactions, cfg.MaxConcurrentBatches)
	}
	if cfg.AttachedDeposit != "1" {
		t.Fatalf("expected deposit 1, got %q", cfg.AttachedDeposit)
	}
	if cfg.QueueCapacity != 10*75*15 {
		t.Fatalf("unexpected derived queue capacity %d", cfg.QueueCapacity)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal config should validate: %v", err)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
batchSize = 50
batchIntervalMs = 200
queueCapacity = 500
functionCallGas = 20000000000000

[log]
level = "debug"
file = "/var/log/neargate.log"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 50 || cfg.BatchIntervalMs != 200 {
		t.Fatalf("file overrides not applied: %+v", cfg)
	}
	if cfg.QueueCapacity != 500 {
		t.Fatalf("expected explicit queue capacity, got %d", cfg.QueueCapacity)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/var/log/neargate.log" {
		t.Fatalf("log section not applied: %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("NEARGATE_BATCH_SIZE", "120")
	t.Setenv("NEARGATE_NODE_URL", "http://localhost:3030")
	t.Setenv("NEARGATE_ADMIN_TOKEN", "s3cret")

	cfg, err := Load(writeConfig(t, minimalConfig+"batchSize = 50\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 120 {
		t.Fatalf("env should beat file, got %d", cfg.BatchSize)
	}
	if cfg.NodeURL != "http://localhost:3030" {
		t.Fatalf("unexpected node url %q", cfg.NodeURL)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("unexpected admin token %q", cfg.AdminToken)
	}
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("NEARGATE_BATCH_SIZE", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected parse error for non-numeric env value")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.NodeURL = "http://localhost:3030"
		cfg.MasterAccountID = "dispatch.testnet"
		cfg.MasterPrivateKey = "ed25519:abc"
		cfg.ContractID = "token.testnet"
		cfg.QueueCapacity = 100
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node url", func(c *Config) { c.NodeURL = "" }},
		{"missing account", func(c *Config) { c.MasterAccountID = "" }},
		{"missing key and credentials", func(c *Config) { c.MasterPrivateKey = "" }},
		{"missing contract", func(c *Config) { c.ContractID = "" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"gas below floor", func(c *Config) { c.FunctionCallGas = 9_000_000_000_000 }},
		{"gas above ceiling", func(c *Config) { c.FunctionCallGas = 60_000_000_000_000 }},
		{"wrong deposit", func(c *Config) { c.AttachedDeposit = "2" }},
		{"negative extra keys", func(c *Config) { c.ExtraKeys = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCredentialsFileSatisfiesKeyRequirement(t *testing.T) {
	cfg := Default()
	cfg.NodeURL = "http://localhost:3030"
	cfg.MasterAccountID = "dispatch.testnet"
	cfg.CredentialsFile = "/home/user/.near-credentials/testnet/dispatch.testnet.json"
	cfg.ContractID = "token.testnet"
	cfg.QueueCapacity = 100
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

package config

import (
	"fmt"
	"strings"
)

// Validate checks the loaded configuration. Bootstrap refuses to start on any
// error here; the process exits 1.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeURL) == "" {
		return fmt.Errorf("nodeUrl is required")
	}
	if strings.TrimSpace(c.NetworkID) == "" {
		return fmt.Errorf("networkId is required")
	}
	if strings.TrimSpace(c.MasterAccountID) == "" {
		return fmt.Errorf("masterAccountId is required")
	}
	if strings.TrimSpace(c.MasterPrivateKey) == "" && strings.TrimSpace(c.CredentialsFile) == "" {
		return fmt.Errorf("one of masterPrivateKey or credentialsFile is required")
	}
	if strings.TrimSpace(c.ContractID) == "" {
		return fmt.Errorf("contractId is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.BatchIntervalMs <= 0 {
		return fmt.Errorf("batchIntervalMs must be positive, got %d", c.BatchIntervalMs)
	}
	if c.MaxParallelTransactions <= 0 {
		return fmt.Errorf("maxParallelTransactions must be positive, got %d", c.MaxParallelTransactions)
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("maxConcurrentBatches must be positive, got %d", c.MaxConcurrentBatches)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be positive, got %d", c.QueueCapacity)
	}
	if c.FunctionCallGas < MinGas || c.FunctionCallGas > MaxGas {
		return fmt.Errorf("functionCallGas %d outside [%d, %d]", c.FunctionCallGas, MinGas, MaxGas)
	}
	if c.AttachedDeposit != "1" {
		// The FT standard requires exactly 1 yocto to prove a full-access key.
		return fmt.Errorf("attachedDeposit must be \"1\", got %q", c.AttachedDeposit)
	}
	if c.RPCPoolSize <= 0 {
		return fmt.Errorf("rpcPoolSize must be positive, got %d", c.RPCPoolSize)
	}
	if c.RPCTimeoutMs <= 0 {
		return fmt.Errorf("rpcTimeoutMs must be positive, got %d", c.RPCTimeoutMs)
	}
	if c.ExtraKeys < 0 {
		return fmt.Errorf("extraKeys must be non-negative, got %d", c.ExtraKeys)
	}
	return nil
}

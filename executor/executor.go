// Package executor signs and submits ft_transfer transactions, fanning each
// batch across the key ring under a global concurrency bound.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"neargate/fault"
	"neargate/keyring"
	"neargate/metrics"
	"neargate/neartx"
	"neargate/nearrpc"
	"neargate/nonce"
	"neargate/queue"
	"neargate/transfer"
)

const (
	// DefaultGas funds one ft_transfer call. 30 TGas clears the standard
	// implementation with headroom.
	DefaultGas uint64 = 30_000_000_000_000
	// DefaultMaxParallel bounds concurrently inflight submissions.
	DefaultMaxParallel = 30
)

// RPC is the slice of the node client the executor uses.
type RPC interface {
	Submit(ctx context.Context, signed *neartx.SignedTransaction) (*nearrpc.SubmitResult, error)
	RecentBlockHash(ctx context.Context) ([32]byte, error)
}

// Config tunes transaction construction and the concurrency bound.
type Config struct {
	ContractID  string
	Gas         uint64
	Deposit     *big.Int
	MaxParallel int64
}

// Executor implements batch.Runner over a key ring and nonce allocator. A
// single weighted semaphore bounds submissions across every batch, so raising
// the collector's inflight cap never multiplies RPC pressure.
type Executor struct {
	rpc     RPC
	keys    *keyring.Registry
	nonces  *nonce.Allocator
	metrics *metrics.Engine
	cfg     Config
	sem     *semaphore.Weighted
	log     *slog.Logger
}

// New builds an executor. Zero config fields fall back to defaults; the
// deposit defaults to 1 yoctoNEAR, which ft_transfer requires exactly.
func New(rpc RPC, keys *keyring.Registry, nonces *nonce.Allocator, m *metrics.Engine, cfg Config, log *slog.Logger) *Executor {
	if cfg.Gas == 0 {
		cfg.Gas = DefaultGas
	}
	if cfg.Deposit == nil {
		cfg.Deposit = big.NewInt(1)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		rpc:     rpc,
		keys:    keys,
		nonces:  nonces,
		metrics: m,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxParallel),
		log:     log,
	}
}

// ftTransferArgs is the JSON payload of the ft_transfer call.
type ftTransferArgs struct {
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// Process submits every item in the batch concurrently, spreading items across
// the key ring by index. Failures never fail the batch as a unit; each item
// lands in metrics independently.
func (e *Executor) Process(ctx context.Context, batchID uuid.UUID, items []*queue.Item) (successful, failed int) {
	e.metrics.RecordBatchStart()
	keyCount := e.keys.Len()
	if keyCount == 0 {
		keyCount = 1
	}

	var ok, bad atomic.Int64
	var wg sync.WaitGroup
	for i, item := range items {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			bad.Add(int64(len(items) - i))
			e.recordFailures(len(items)-i, fault.Wrap(fault.KindShuttingDown, err))
			break
		}
		wg.Add(1)
		go func(item *queue.Item, hint int) {
			defer wg.Done()
			defer e.sem.Release(1)
			if _, err := e.submit(ctx, item.Request, hint); err != nil {
				bad.Add(1)
				e.log.Warn("transfer failed",
					"batch", batchID,
					"item", item.ID,
					"kind", fault.KindOf(err),
					"err", err)
				return
			}
			ok.Add(1)
		}(item, i%keyCount)
	}
	wg.Wait()
	return int(ok.Load()), int(bad.Load())
}

// ExecuteDirect submits a single transfer synchronously, outside any batch.
// It shares the same semaphore, so direct traffic cannot push the pipeline
// past its concurrency bound.
func (e *Executor) ExecuteDirect(ctx context.Context, req transfer.Request) (string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fault.Wrap(fault.KindShuttingDown, err)
	}
	defer e.sem.Release(1)
	return e.submit(ctx, req, -1)
}

// submit walks one transfer through key acquisition, nonce allocation, block
// hash lookup, signing and broadcast. The nonce is consumed win or lose.
func (e *Executor) submit(ctx context.Context, req transfer.Request, hint int) (string, error) {
	started := time.Now()

	key, idx, err := e.keys.Acquire(hint)
	if err != nil {
		e.metrics.RecordFailure(fault.KindOf(err))
		return "", err
	}
	accountID := e.keys.AccountID()

	n, err := e.nonces.Next(accountID, key.PublicKey)
	if err != nil {
		e.keys.MarkFailure(idx)
		e.metrics.RecordFailure(fault.KindNonceDrift)
		return "", fault.Wrap(fault.KindNonceDrift, err)
	}

	hash, err := e.buildAndSend(ctx, req, key, n)
	if err != nil {
		drift := nearrpc.IsNonceDrift(err)
		e.nonces.Release(accountID, key.PublicKey, false, drift)
		if e.keys.MarkFailure(idx) {
			e.log.Error("signing key deactivated after repeated failures", "publicKey", key.PublicKey)
		}
		e.metrics.RecordFailure(fault.KindOf(err))
		return "", err
	}

	e.nonces.Release(accountID, key.PublicKey, true, false)
	e.keys.MarkSuccess(idx)
	e.metrics.RecordSuccess(time.Since(started))
	return hash, nil
}

func (e *Executor) buildAndSend(ctx context.Context, req transfer.Request, key *keyring.ManagedKey, n uint64) (string, error) {
	args, err := json.Marshal(ftTransferArgs{ReceiverID: req.ReceiverID, Amount: req.Amount, Memo: req.Memo})
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidTx, err)
	}
	blockHash, err := e.rpc.RecentBlockHash(ctx)
	if err != nil {
		return "", err
	}
	tx := &neartx.Transaction{
		SignerID:   e.keys.AccountID(),
		PublicKey:  neartx.PublicKeyFrom(key.Key.PubKey()),
		Nonce:      n,
		ReceiverID: e.cfg.ContractID,
		BlockHash:  blockHash,
		Actions:    []neartx.Action{neartx.NewFunctionCall("ft_transfer", args, e.cfg.Gas, e.cfg.Deposit)},
	}
	signed, err := neartx.Sign(tx, key.Key)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidTx, err)
	}
	result, err := e.rpc.Submit(ctx, signed)
	if err != nil {
		return "", err
	}
	return result.Hash, nil
}

func (e *Executor) recordFailures(n int, err error) {
	kind := fault.KindOf(err)
	for i := 0; i < n; i++ {
		e.metrics.RecordFailure(kind)
	}
}

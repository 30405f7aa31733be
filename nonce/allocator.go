// Package nonce allocates strictly increasing transaction nonces per
// (account, access key) pair, seeded from and re-synchronized against the
// chain.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Querier is the narrow slice of the RPC client the allocator needs.
type Querier interface {
	AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error)
}

// ErrNotInitialized is returned by Next for a key that never completed its
// chain query.
var ErrNotInitialized = errors.New("nonce: access key not initialized")

const refreshTimeout = 10 * time.Second

type entry struct {
	next        atomic.Uint64
	inflight    atomic.Int32
	lastRefresh atomic.Int64
	refreshing  atomic.Bool
}

// Allocator hands out nonces with a single atomic increment per call. Entries
// are created during Initialize or Refresh and live for the process lifetime.
type Allocator struct {
	querier Querier
	entries sync.Map // "<account>/<publicKey>" -> *entry
}

// New builds an allocator backed by the given chain querier.
func New(querier Querier) *Allocator {
	return &Allocator{querier: querier}
}

func keyOf(accountID, publicKey string) string {
	return accountID + "/" + publicKey
}

// Initialize queries the chain nonce for each key and seeds the local counter
// at chainNonce+1. Keys that fail to resolve are reported in the returned map
// and stay unusable; the call only errs when not a single key initialized.
func (a *Allocator) Initialize(ctx context.Context, accountID string, publicKeys []string) (initialized []string, failed map[string]error, err error) {
	failed = make(map[string]error)
	for _, pub := range publicKeys {
		if refreshErr := a.Refresh(ctx, accountID, pub); refreshErr != nil {
			failed[pub] = refreshErr
			continue
		}
		initialized = append(initialized, pub)
	}
	if len(initialized) == 0 {
		return nil, failed, fmt.Errorf("nonce: no access key could be initialized for %s", accountID)
	}
	return initialized, failed, nil
}

// Next atomically returns the next nonce for the key and advances the counter.
func (a *Allocator) Next(accountID, publicKey string) (uint64, error) {
	value, ok := a.entries.Load(keyOf(accountID, publicKey))
	if !ok {
		return 0, ErrNotInitialized
	}
	e := value.(*entry)
	e.inflight.Add(1)
	return e.next.Add(1) - 1, nil
}

// Release acknowledges a nonce handed out by Next. The nonce is consumed
// either way; reusing it would risk double-spend ambiguity if the chain later
// accepts the original submission. A drift failure schedules an asynchronous
// re-sync against the chain.
func (a *Allocator) Release(accountID, publicKey string, success, drift bool) {
	value, ok := a.entries.Load(keyOf(accountID, publicKey))
	if !ok {
		return
	}
	e := value.(*entry)
	e.inflight.Add(-1)
	if !success && drift {
		a.refreshAsync(accountID, publicKey, e)
	}
}

// Refresh synchronously re-queries the chain and raises the local counter to
// max(local, chainNonce+1). Lowering is deliberate only through the max rule:
// a counter ahead of the chain stays where it is, avoiding duplicate handouts.
func (a *Allocator) Refresh(ctx context.Context, accountID, publicKey string) error {
	chainNonce, err := a.querier.AccessKeyNonce(ctx, accountID, publicKey)
	if err != nil {
		return fmt.Errorf("query access key %s: %w", publicKey, err)
	}
	value, _ := a.entries.LoadOrStore(keyOf(accountID, publicKey), &entry{})
	e := value.(*entry)
	target := chainNonce + 1
	for {
		current := e.next.Load()
		if current >= target {
			break
		}
		if e.next.CompareAndSwap(current, target) {
			break
		}
	}
	e.lastRefresh.Store(time.Now().UnixNano())
	return nil
}

func (a *Allocator) refreshAsync(accountID, publicKey string, e *entry) {
	if !e.refreshing.CompareAndSwap(false, true) {
		return // refresh already scheduled
	}
	go func() {
		defer e.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		_ = a.Refresh(ctx, accountID, publicKey)
	}()
}

// Forget drops the entry for a rotated-out key so a replacement key starting
// from a fresh chain nonce can take its place.
func (a *Allocator) Forget(accountID, publicKey string) {
	a.entries.Delete(keyOf(accountID, publicKey))
}

// Status is a point-in-time view of one key's counter, for /status.
type Status struct {
	Key           string    `json:"key"`
	NextNonce     uint64    `json:"nextNonce"`
	Inflight      int32     `json:"inflight"`
	LastRefreshed time.Time `json:"lastRefreshedAt,omitempty"`
}

// Snapshot copies the state of every tracked key.
func (a *Allocator) Snapshot() []Status {
	var out []Status
	a.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		status := Status{
			Key:       key.(string),
			NextNonce: e.next.Load(),
			Inflight:  e.inflight.Load(),
		}
		if nanos := e.lastRefresh.Load(); nanos > 0 {
			status.LastRefreshed = time.Unix(0, nanos)
		}
		out = append(out, status)
		return true
	})
	return out
}

// Package keyring tracks the signing keys for the master account: health
// counters, round-robin selection and administrative rotation.
package keyring

import (
	"sync"
	"sync/atomic"
	"time"

	"neargate/crypto"
	"neargate/fault"
)

const (
	// healthyErrorLimit keeps a key in the preferred rotation while its
	// consecutive error count stays below this.
	healthyErrorLimit = 5
	// deactivateErrorLimit flips a key inactive once exceeded.
	deactivateErrorLimit = 10
)

// ManagedKey is one signing key plus its health state. Counters are atomics so
// the executor's workers update them without locking.
type ManagedKey struct {
	Key       *crypto.PrivateKey
	PublicKey string

	active    atomic.Bool
	usage     atomic.Uint64
	lastUsed  atomic.Int64
	errStreak atomic.Int32
}

// Active reports whether the key may sign.
func (k *ManagedKey) Active() bool { return k.active.Load() }

// Status is a point-in-time copy of a key's health, for /status.
type Status struct {
	PublicKey         string    `json:"publicKey"`
	Active            bool      `json:"active"`
	UsageCount        uint64    `json:"usageCount"`
	ConsecutiveErrors int32     `json:"consecutiveErrors"`
	LastUsedAt        time.Time `json:"lastUsedAt,omitempty"`
}

// Registry owns the key set for a single account. Selection is an atomic
// round-robin cursor; the mutex only guards rotation, which swaps slice
// entries.
type Registry struct {
	accountID string

	mu     sync.RWMutex
	keys   []*ManagedKey
	cursor atomic.Uint32
}

// New builds a registry. The master key starts active; extra keys start
// inactive and are activated once their on-chain registration is confirmed.
func New(accountID string, master *crypto.PrivateKey, extras []*crypto.PrivateKey) *Registry {
	r := &Registry{accountID: accountID}
	add := func(key *crypto.PrivateKey, active bool) {
		mk := &ManagedKey{Key: key, PublicKey: key.PubKey().String()}
		mk.active.Store(active)
		r.keys = append(r.keys, mk)
	}
	add(master, true)
	for _, extra := range extras {
		add(extra, false)
	}
	return r
}

// AccountID returns the signer account every key belongs to.
func (r *Registry) AccountID() string { return r.accountID }

// Len returns the total number of keys, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// ActiveCount returns how many keys may currently sign.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, k := range r.keys {
		if k.active.Load() {
			count++
		}
	}
	return count
}

// Acquire returns an active key. A non-negative hint pins the preferred index
// so callers can spread a batch across keys deterministically; an unhealthy
// hinted key falls through to round-robin. Selection prefers keys with a short
// error streak, then any active key, and fails NO_KEYS when none remain.
func (r *Registry) Acquire(hint int) (*ManagedKey, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.keys)
	if n == 0 {
		return nil, 0, fault.New(fault.KindNoKeys, "registry is empty")
	}

	if hint >= 0 {
		idx := hint % n
		if k := r.keys[idx]; k.active.Load() && k.errStreak.Load() < healthyErrorLimit {
			k.touch()
			return k, idx, nil
		}
	}

	start := int(r.cursor.Add(1))
	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		if k := r.keys[idx]; k.active.Load() && k.errStreak.Load() < healthyErrorLimit {
			k.touch()
			return k, idx, nil
		}
	}
	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		if k := r.keys[idx]; k.active.Load() {
			k.touch()
			return k, idx, nil
		}
	}
	return nil, 0, fault.New(fault.KindNoKeys, "no active signing keys")
}

func (k *ManagedKey) touch() {
	k.usage.Add(1)
	k.lastUsed.Store(time.Now().UnixNano())
}

// MarkSuccess decrements the key's error streak, floored at zero.
func (r *Registry) MarkSuccess(index int) {
	k := r.at(index)
	if k == nil {
		return
	}
	for {
		cur := k.errStreak.Load()
		if cur <= 0 {
			return
		}
		if k.errStreak.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// MarkFailure increments the streak and deactivates the key once it exceeds
// the limit. Returns true if this call deactivated the key.
func (r *Registry) MarkFailure(index int) bool {
	k := r.at(index)
	if k == nil {
		return false
	}
	if k.errStreak.Add(1) > deactivateErrorLimit {
		return k.active.CompareAndSwap(true, false)
	}
	return false
}

// Activate marks the key at index usable, clearing its error streak.
func (r *Registry) Activate(index int) {
	if k := r.at(index); k != nil {
		k.errStreak.Store(0)
		k.active.Store(true)
	}
}

// Deactivate marks the key at index unusable.
func (r *Registry) Deactivate(index int) {
	if k := r.at(index); k != nil {
		k.active.Store(false)
	}
}

// Rotate swaps in a replacement key at index with counters reset. The new key
// stays inactive until its registration is confirmed.
func (r *Registry) Rotate(index int, replacement *crypto.PrivateKey) (old string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.keys) {
		return "", false
	}
	old = r.keys[index].PublicKey
	mk := &ManagedKey{Key: replacement, PublicKey: replacement.PubKey().String()}
	r.keys[index] = mk
	return old, true
}

// PublicKeys returns the text form of every key in index order.
func (r *Registry) PublicKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.keys))
	for i, k := range r.keys {
		out[i] = k.PublicKey
	}
	return out
}

// Snapshot copies every key's health state.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, len(r.keys))
	for i, k := range r.keys {
		status := Status{
			PublicKey:         k.PublicKey,
			Active:            k.active.Load(),
			UsageCount:        k.usage.Load(),
			ConsecutiveErrors: k.errStreak.Load(),
		}
		if nanos := k.lastUsed.Load(); nanos > 0 {
			status.LastUsedAt = time.Unix(0, nanos)
		}
		out[i] = status
	}
	return out
}

func (r *Registry) at(index int) *ManagedKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.keys) {
		return nil
	}
	return r.keys[index]
}

package keyring

import (
	"testing"

	"neargate/crypto"
	"neargate/fault"
)

func newTestRegistry(t *testing.T, extras int) *Registry {
	t.Helper()
	master, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	extraKeys := make([]*crypto.PrivateKey, extras)
	for i := range extraKeys {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generate extra: %v", err)
		}
		extraKeys[i] = key
	}
	return New("bench.testnet", master, extraKeys)
}

func TestExtrasStartInactive(t *testing.T) {
	r := newTestRegistry(t, 3)
	if got := r.Len(); got != 4 {
		t.Fatalf("expected 4 keys, got %d", got)
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("expected only the master key active, got %d", got)
	}
}

func TestAcquireHintPinsIndex(t *testing.T) {
	r := newTestRegistry(t, 3)
	for i := 1; i < 4; i++ {
		r.Activate(i)
	}
	for hint := 0; hint < 8; hint++ {
		_, idx, err := r.Acquire(hint)
		if err != nil {
			t.Fatalf("acquire hint %d: %v", hint, err)
		}
		if idx != hint%4 {
			t.Fatalf("hint %d: expected index %d, got %d", hint, hint%4, idx)
		}
	}
}

func TestAcquireSkipsUnhealthyHint(t *testing.T) {
	r := newTestRegistry(t, 1)
	r.Activate(1)
	for i := 0; i < healthyErrorLimit; i++ {
		r.MarkFailure(0)
	}

	_, idx, err := r.Acquire(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if idx == 0 {
		t.Fatal("expected unhealthy hinted key to be skipped")
	}
}

func TestAcquireFallsBackToAnyActive(t *testing.T) {
	r := newTestRegistry(t, 0)
	for i := 0; i < healthyErrorLimit; i++ {
		r.MarkFailure(0)
	}

	// The only key is over the healthy threshold but still active.
	_, idx, err := r.Acquire(-1)
	if err != nil {
		t.Fatalf("expected fallback to the degraded key, got %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
}

func TestMarkFailureDeactivatesPastLimit(t *testing.T) {
	r := newTestRegistry(t, 0)
	deactivated := false
	for i := 0; i <= deactivateErrorLimit; i++ {
		deactivated = r.MarkFailure(0)
	}
	if !deactivated {
		t.Fatal("expected the final failure to deactivate the key")
	}
	if r.ActiveCount() != 0 {
		t.Fatal("expected no active keys")
	}

	_, _, err := r.Acquire(-1)
	if !fault.IsKind(err, fault.KindNoKeys) {
		t.Fatalf("expected NO_KEYS, got %v", err)
	}
}

func TestMarkSuccessDecrementsWithFloor(t *testing.T) {
	r := newTestRegistry(t, 0)
	r.MarkFailure(0)
	r.MarkFailure(0)
	r.MarkSuccess(0)
	r.MarkSuccess(0)
	r.MarkSuccess(0) // floor at zero

	snap := r.Snapshot()
	if snap[0].ConsecutiveErrors != 0 {
		t.Fatalf("expected streak 0, got %d", snap[0].ConsecutiveErrors)
	}
}

func TestRotateReplacesKeyInactive(t *testing.T) {
	r := newTestRegistry(t, 0)
	replacement, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate replacement: %v", err)
	}

	oldPub := r.PublicKeys()[0]
	gone, ok := r.Rotate(0, replacement)
	if !ok || gone != oldPub {
		t.Fatalf("rotate returned (%q, %v), want old key %q", gone, ok, oldPub)
	}
	if r.PublicKeys()[0] != replacement.PubKey().String() {
		t.Fatal("expected replacement key at index 0")
	}
	if r.ActiveCount() != 0 {
		t.Fatal("rotated key must stay inactive until registration is confirmed")
	}
}

func TestSnapshotTracksUsage(t *testing.T) {
	r := newTestRegistry(t, 0)
	if _, _, err := r.Acquire(-1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snap := r.Snapshot()
	if snap[0].UsageCount != 1 {
		t.Fatalf("expected usage 1, got %d", snap[0].UsageCount)
	}
	if snap[0].LastUsedAt.IsZero() {
		t.Fatal("expected lastUsedAt to be set")
	}
}

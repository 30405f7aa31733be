package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"neargate/crypto"
	"neargate/fault"
	"neargate/keyring"
	"neargate/metrics"
	"neargate/nearrpc"
	"neargate/nearrpc/nearrpctest"
	"neargate/nonce"
	"neargate/queue"
	"neargate/transfer"
)

const testContract = "token.near"

type harness struct {
	stub   *nearrpctest.Server
	client *nearrpc.Client
	keys   *keyring.Registry
	nonces *nonce.Allocator
	eng    *metrics.Engine
	exec   *Executor
}

func newHarness(t *testing.T, cfg Config, keyCount int) *harness {
	t.Helper()
	stub := nearrpctest.New()
	t.Cleanup(stub.Close)

	master, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	var extras []*crypto.PrivateKey
	for i := 1; i < keyCount; i++ {
		extra, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		extras = append(extras, extra)
	}

	keys := keyring.New("dispatch.near", master, extras)
	for i := range keyCount {
		stub.RegisterKey("dispatch.near", keys.PublicKeys()[i], 100)
		keys.Activate(i)
	}

	client := nearrpc.New(nearrpc.Config{URL: stub.URL()})
	nonces := nonce.New(client)
	_, failedInit, err := nonces.Initialize(context.Background(), "dispatch.near", keys.PublicKeys())
	require.NoError(t, err)
	require.Empty(t, failedInit)

	eng := metrics.New(nil)
	cfg.ContractID = testContract
	return &harness{
		stub:   stub,
		client: client,
		keys:   keys,
		nonces: nonces,
		eng:    eng,
		exec:   New(client, keys, nonces, eng, cfg, nil),
	}
}

func makeItems(n int) []*queue.Item {
	items := make([]*queue.Item, n)
	for i := range items {
		items[i] = &queue.Item{
			ID:      uuid.New(),
			Request: transfer.Request{ReceiverID: "alice.near", Amount: "1000000"},
		}
	}
	return items
}

func TestProcessSubmitsEveryItem(t *testing.T) {
	h := newHarness(t, Config{}, 1)
	// Concurrent submissions on one key arrive out of nonce order.
	h.stub.SetEnforceNonces(false)

	ok, bad := h.exec.Process(context.Background(), uuid.New(), makeItems(5))
	require.Equal(t, 5, ok)
	require.Equal(t, 0, bad)

	subs := h.stub.Submissions()
	require.Len(t, subs, 5)
	seen := make(map[uint64]bool)
	for _, sub := range subs {
		require.Equal(t, "dispatch.near", sub.SignerID)
		require.Equal(t, testContract, sub.ReceiverID)
		require.Equal(t, "ft_transfer", sub.Method)
		require.Equal(t, "1", sub.Deposit)
		require.Equal(t, DefaultGas, sub.Gas)

		var args map[string]string
		require.NoError(t, json.Unmarshal(sub.Args, &args))
		require.Equal(t, "alice.near", args["receiver_id"])
		require.Equal(t, "1000000", args["amount"])
		_, hasMemo := args["memo"]
		require.False(t, hasMemo)

		require.False(t, seen[sub.Nonce], "nonce %d handed out twice", sub.Nonce)
		seen[sub.Nonce] = true
	}

	report := h.eng.Snapshot()
	require.Equal(t, uint64(5), report.Totals.Succeeded)
	require.Equal(t, uint64(1), report.Totals.BatchesStarted)
}

func TestProcessSpreadsBatchAcrossKeys(t *testing.T) {
	h := newHarness(t, Config{}, 4)
	h.stub.SetEnforceNonces(false)

	ok, bad := h.exec.Process(context.Background(), uuid.New(), makeItems(20))
	require.Equal(t, 20, ok)
	require.Equal(t, 0, bad)

	byKey := make(map[string]int)
	for _, sub := range h.stub.Submissions() {
		byKey[sub.PublicKey]++
	}
	require.Len(t, byKey, 4)
	for pub, count := range byKey {
		require.Equal(t, 5, count, "uneven spread on %s", pub)
	}
}

func TestProcessHonorsConcurrencyBound(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 4}, 1)
	h.stub.SetEnforceNonces(false)
	h.stub.SetLatency(25 * time.Millisecond)

	ok, _ := h.exec.Process(context.Background(), uuid.New(), makeItems(24))
	require.Equal(t, 24, ok)
	require.LessOrEqual(t, h.stub.MaxInflight(), 4)
}

func TestDirectTransferReturnsHash(t *testing.T) {
	h := newHarness(t, Config{}, 1)

	hash, err := h.exec.ExecuteDirect(context.Background(), transfer.Request{
		ReceiverID: "bob.near",
		Amount:     "42",
		Memo:       "invoice 7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	subs := h.stub.Submissions()
	require.Len(t, subs, 1)
	require.Equal(t, hash, subs[0].Hash)

	var args map[string]string
	require.NoError(t, json.Unmarshal(subs[0].Args, &args))
	require.Equal(t, "invoice 7", args["memo"])
}

func TestNonceDriftSchedulesRefresh(t *testing.T) {
	h := newHarness(t, Config{}, 1)
	pub := h.keys.PublicKeys()[0]

	// Another process consumed nonces behind our back.
	h.stub.SetNonce("dispatch.near", pub, 500)
	h.stub.FailNextWith("InvalidNonce")

	_, err := h.exec.ExecuteDirect(context.Background(), transfer.Request{ReceiverID: "bob.near", Amount: "1"})
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindNonceDrift))

	require.Eventually(t, func() bool {
		for _, status := range h.nonces.Snapshot() {
			if status.NextNonce >= 501 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The re-synced counter clears the drift.
	hash, err := h.exec.ExecuteDirect(context.Background(), transfer.Request{ReceiverID: "bob.near", Amount: "1"})
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

func TestFailureMarksKeyAndSuccessRecovers(t *testing.T) {
	h := newHarness(t, Config{}, 1)

	h.stub.FailNextWith("Expired")
	_, err := h.exec.ExecuteDirect(context.Background(), transfer.Request{ReceiverID: "bob.near", Amount: "1"})
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindInvalidTx))
	require.Equal(t, int32(1), h.keys.Snapshot()[0].ConsecutiveErrors)

	_, err = h.exec.ExecuteDirect(context.Background(), transfer.Request{ReceiverID: "bob.near", Amount: "1"})
	require.NoError(t, err)
	require.Equal(t, int32(0), h.keys.Snapshot()[0].ConsecutiveErrors)

	report := h.eng.Snapshot()
	require.Equal(t, uint64(1), report.Totals.Failed)
	require.Equal(t, uint64(1), report.Totals.Succeeded)
}

func TestNoActiveKeysFailsFast(t *testing.T) {
	h := newHarness(t, Config{}, 1)
	h.keys.Deactivate(0)

	_, err := h.exec.ExecuteDirect(context.Background(), transfer.Request{ReceiverID: "bob.near", Amount: "1"})
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindNoKeys))
	require.Equal(t, uint64(1), h.eng.Snapshot().Totals.Failed)
}

package nearrpc_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"neargate/crypto"
	"neargate/fault"
	"neargate/nearrpc"
	"neargate/nearrpc/nearrpctest"
	"neargate/neartx"
)

func newClient(t *testing.T, stub *nearrpctest.Server) *nearrpc.Client {
	t.Helper()
	return nearrpc.New(nearrpc.Config{
		URL:          stub.URL(),
		PoolSize:     2,
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		BlockHashTTL: 500 * time.Millisecond,
	})
}

func signedTransfer(t *testing.T, key *crypto.PrivateKey, nonce uint64) *neartx.SignedTransaction {
	t.Helper()
	tx := &neartx.Transaction{
		SignerID:   "bench.testnet",
		PublicKey:  neartx.PublicKeyFrom(key.PubKey()),
		Nonce:      nonce,
		ReceiverID: "token.testnet",
		Actions: []neartx.Action{
			neartx.NewFunctionCall("ft_transfer", []byte(`{"receiver_id":"alice.testnet","amount":"5"}`), 30_000_000_000_000, big.NewInt(1)),
		},
	}
	signed, err := neartx.Sign(tx, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestSubmitSuccess(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	key, _ := crypto.GeneratePrivateKey()
	stub.RegisterKey("bench.testnet", key.PubKey().String(), 10)

	client := newClient(t, stub)
	result, err := client.Submit(context.Background(), signedTransfer(t, key, 11))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Succeeded || result.Hash == "" {
		t.Fatalf("expected success with hash, got %+v", result)
	}
	if got := stub.KeyNonce("bench.testnet", key.PubKey().String()); got != 11 {
		t.Fatalf("expected chain nonce 11, got %d", got)
	}
}

func TestSubmitClassifiesNonceDrift(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	key, _ := crypto.GeneratePrivateKey()
	stub.RegisterKey("bench.testnet", key.PubKey().String(), 42)

	client := newClient(t, stub)
	_, err := client.Submit(context.Background(), signedTransfer(t, key, 42))
	if err == nil {
		t.Fatal("expected stale nonce to be rejected")
	}
	if !fault.IsKind(err, fault.KindNonceDrift) {
		t.Fatalf("expected NONCE_DRIFT, got %v (%v)", fault.KindOf(err), err)
	}
}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	key, _ := crypto.GeneratePrivateKey()
	stub.RegisterKey("bench.testnet", key.PubKey().String(), 0)
	stub.FailNextWith("transport")

	client := newClient(t, stub)
	result, err := client.Submit(context.Background(), signedTransfer(t, key, 1))
	if err != nil {
		t.Fatalf("expected retry to succeed after one 502, got %v", err)
	}
	if !result.Succeeded {
		t.Fatal("expected success after retry")
	}
}

func TestSubmitExpiredInvalidatesBlockHashCache(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	client := newClient(t, stub)
	ctx := context.Background()

	if _, err := client.RecentBlockHash(ctx); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if calls := stub.BlockCalls(); calls != 1 {
		t.Fatalf("expected 1 block call, got %d", calls)
	}

	key, _ := crypto.GeneratePrivateKey()
	stub.RegisterKey("bench.testnet", key.PubKey().String(), 0)
	stub.FailNextWith("Expired")
	_, err := client.Submit(ctx, signedTransfer(t, key, 1))
	if !fault.IsKind(err, fault.KindInvalidTx) {
		t.Fatalf("expected INVALID_TX for expired hash, got %v", err)
	}

	// Cache was invalidated: the next read must hit the node again even
	// though the TTL has not elapsed.
	if _, err := client.RecentBlockHash(ctx); err != nil {
		t.Fatalf("refetch hash: %v", err)
	}
	if calls := stub.BlockCalls(); calls != 2 {
		t.Fatalf("expected cache refetch, got %d block calls", calls)
	}
}

func TestRecentBlockHashCachesWithinTTL(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	client := newClient(t, stub)
	ctx := context.Background()

	first, err := client.RecentBlockHash(ctx)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := client.RecentBlockHash(ctx)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if first != second {
		t.Fatal("expected cached hash within TTL")
	}
	if calls := stub.BlockCalls(); calls != 1 {
		t.Fatalf("expected a single block call, got %d", calls)
	}
}

func TestAccessKeyQuery(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()

	key, _ := crypto.GeneratePrivateKey()
	stub.RegisterKey("bench.testnet", key.PubKey().String(), 77)

	client := newClient(t, stub)
	view, err := client.AccessKey(context.Background(), "bench.testnet", key.PubKey().String())
	if err != nil {
		t.Fatalf("access key query: %v", err)
	}
	if view.Nonce != 77 {
		t.Fatalf("expected nonce 77, got %d", view.Nonce)
	}

	other, _ := crypto.GeneratePrivateKey()
	_, err = client.AccessKey(context.Background(), "bench.testnet", other.PubKey().String())
	if err == nil {
		t.Fatal("expected unknown key to fail")
	}
	if !nearrpc.IsUnknownAccessKey(err) {
		t.Fatalf("expected unknown-access-key classification, got %v", err)
	}
}

func TestViewFunction(t *testing.T) {
	stub := nearrpctest.New()
	defer stub.Close()
	stub.SetView("token.testnet", "ft_metadata", map[string]any{"symbol": "BENCH", "decimals": 24})

	client := newClient(t, stub)
	raw, err := client.ViewFunction(context.Background(), "token.testnet", "ft_metadata", map[string]any{})
	if err != nil {
		t.Fatalf("view function: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty view result")
	}
}

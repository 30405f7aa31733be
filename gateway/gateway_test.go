package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"neargate/config"
	"neargate/crypto"
	"neargate/nearrpc/nearrpctest"
	"neargate/service"
)

type env struct {
	stub *nearrpctest.Server
	svc  *service.Service
	http *httptest.Server
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	stub := nearrpctest.New()
	t.Cleanup(stub.Close)
	stub.SetEnforceNonces(false)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	stub.RegisterAccount("dispatch.testnet")
	stub.RegisterKey("dispatch.testnet", key.PubKey().String(), 1)
	stub.SetView("token.testnet", "ft_metadata", map[string]any{"symbol": "TOK"})

	cfg := config.Default()
	cfg.NodeURL = stub.URL()
	cfg.MasterAccountID = "dispatch.testnet"
	cfg.MasterPrivateKey = key.String()
	cfg.ContractID = "token.testnet"
	cfg.BatchSize = 5
	cfg.BatchIntervalMs = 20
	cfg.QueueCapacity = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	reg := prometheus.NewRegistry()
	svc, err := service.New(cfg, reg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	server := httptest.NewServer(New(svc, cfg, reg, nil).Router())
	t.Cleanup(server.Close)
	return &env{stub: stub, svc: svc, http: server}
}

func (e *env) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

// decode tolerates non-JSON bodies (plain-text middleware rejections) by
// returning nil.
func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

func TestTransferHappyPath(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.post(t, "/transfer", map[string]string{
		"receiverId": "alice.testnet",
		"amount":     "100",
		"memo":       "t",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.NotEmpty(t, body["queueId"])

	require.Eventually(t, func() bool {
		return e.stub.SubmissionCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransferValidationMatrix(t *testing.T) {
	e := newEnv(t, nil)
	cases := []map[string]string{
		{"receiverId": "UPPER.TESTNET", "amount": "10"},
		{"receiverId": "a.testnet", "amount": "-1"},
		{"receiverId": "a.testnet"},
		{"receiverId": ".foo.near", "amount": "1"},
		{"receiverId": "a.testnet", "amount": "1e13"},
	}
	for _, c := range cases {
		resp, body := e.post(t, "/transfer", c, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %v", c)
		require.Equal(t, "VALIDATION", body["error"], "case %v", c)
		require.Equal(t, false, body["success"])
		require.NotEmpty(t, body["timestamp"])
	}
}

func TestQueueFullReturns503(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.QueueCapacity = 10
		cfg.BatchSize = 50
		cfg.BatchIntervalMs = 10_000
	})

	full := 0
	for i := 0; i < 20; i++ {
		resp, body := e.post(t, "/transfer", map[string]string{"receiverId": "alice.testnet", "amount": "1"}, nil)
		if resp.StatusCode == http.StatusServiceUnavailable {
			require.Equal(t, "QUEUE_FULL", body["error"])
			full++
		} else {
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
	}
	require.Equal(t, 10, full)
}

func TestBulkTransferPerItemResults(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.post(t, "/bulk-transfer", map[string]any{
		"transfers": []map[string]string{
			{"receiverId": "alice.testnet", "amount": "1"},
			{"receiverId": "BAD", "amount": "1"},
			{"receiverId": "bob.testnet", "amount": "2"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["accepted"])
	require.Equal(t, float64(1), body["failed"])

	results := body["results"].([]any)
	require.Len(t, results, 3)
	require.NotEmpty(t, results[0].(map[string]any)["queueId"])
	require.Equal(t, "VALIDATION", results[1].(map[string]any)["error"])
}

func TestBulkTransferRejectsOversizedBatch(t *testing.T) {
	e := newEnv(t, nil)
	transfers := make([]map[string]string, 1001)
	for i := range transfers {
		transfers[i] = map[string]string{"receiverId": "alice.testnet", "amount": "1"}
	}
	resp, body := e.post(t, "/bulk-transfer", map[string]any{"transfers": transfers}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION", body["error"])
}

func TestDirectTransferSynchronous(t *testing.T) {
	e := newEnv(t, nil)
	resp, body := e.post(t, "/direct-transfer", map[string]string{
		"receiverId": "bob.testnet",
		"amount":     "5",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["transactionHash"])
	require.Equal(t, 1, e.stub.SubmissionCount())
}

func TestHealthAndStatus(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["healthy"])

	resp, body = e.get(t, "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "running", body["state"])
	require.NotNil(t, body["keys"])
	require.NotNil(t, body["metrics"])
}

func TestMetricsAndBountyStatus(t *testing.T) {
	e := newEnv(t, nil)

	_, _ = e.post(t, "/transfer", map[string]string{"receiverId": "alice.testnet", "amount": "1"}, nil)
	require.Eventually(t, func() bool {
		return e.stub.SubmissionCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := e.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["totals"])

	resp, body = e.get(t, "/bounty-status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "achieved")
	require.Contains(t, body, "currentTps")
	require.Contains(t, body, "sustained")
}

func TestPrometheusScrape(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.http.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRotateRequiresToken(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.AdminToken = "s3cret"
		cfg.ExtraKeys = 1
	})

	resp, _ := e.post(t, "/admin/keys/rotate", map[string]int{"index": 1}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.post(t, "/admin/keys/rotate", map[string]int{"index": 1},
		map[string]string{"X-Admin-Token": "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.NotEmpty(t, body["newPublicKey"])
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Post(e.http.URL+"/admin/keys/rotate", "application/json", bytes.NewReader([]byte(`{"index":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownRejectsNewTransfers(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.svc.Shutdown(context.Background()))

	resp, body := e.post(t, "/transfer", map[string]string{"receiverId": "alice.testnet", "amount": "1"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "SHUTTING_DOWN", body["error"])
}

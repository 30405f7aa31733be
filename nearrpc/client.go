// Package nearrpc is a minimal JSON-RPC 2.0 client for a NEAR node, covering
// the four calls the dispatch pipeline needs: transaction broadcast, access
// key queries, recent block hashes and contract view calls.
package nearrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"neargate/fault"
	"neargate/neartx"
)

const (
	defaultPoolSize     = 4
	defaultTimeout      = 30 * time.Second
	defaultBlockHashTTL = time.Second
)

// Config carries the connection settings for a node endpoint.
type Config struct {
	URL          string
	PoolSize     int
	Timeout      time.Duration
	MaxRetries   int
	BlockHashTTL time.Duration
}

// Client issues JSON-RPC calls over a fixed pool of HTTP clients selected
// round-robin, so concurrent callers spread across transports instead of
// contending on one.
type Client struct {
	cfg    Config
	pool   []*http.Client
	cursor atomic.Uint32
	reqID  atomic.Uint64

	hashMu      sync.Mutex
	cachedHash  [32]byte
	cachedAt    time.Time
	cacheValid  bool
	blockHeight uint64
}

// New builds a client. Zero config fields fall back to defaults.
func New(cfg Config) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = cfg.PoolSize
	}
	if cfg.BlockHashTTL <= 0 || cfg.BlockHashTTL > time.Second {
		cfg.BlockHashTTL = defaultBlockHashTTL
	}
	pool := make([]*http.Client, cfg.PoolSize)
	for i := range pool {
		pool[i] = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{cfg: cfg, pool: pool}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request, rotating through the pool on transport
// failures. Logical RPC errors are returned as-is and never retried here.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.KindTransient, err)
		}
		conn := c.pool[int(c.cursor.Add(1))%len(c.pool)]
		raw, err := c.post(ctx, conn, payload)
		if err != nil {
			lastErr = err
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			lastErr = fmt.Errorf("decode %s response: %w", method, err)
			continue
		}
		if resp.Error != nil {
			return classifyRPCError(method, resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
	return fault.Wrap(fault.KindTransient, fmt.Errorf("%s: retry budget exhausted: %w", method, lastErr))
}

func (c *Client) post(ctx context.Context, conn *http.Client, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := conn.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("node returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

// SubmitResult captures the chain's verdict on a broadcast transaction.
type SubmitResult struct {
	Hash      string
	Succeeded bool
}

type executionOutcome struct {
	Status struct {
		SuccessValue     *string         `json:"SuccessValue"`
		SuccessReceiptID *string         `json:"SuccessReceiptId"`
		Failure          json.RawMessage `json:"Failure"`
	} `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

// Submit broadcasts a signed transaction and waits for the final execution
// outcome. A Failure status in the outcome is returned as CONTRACT_ERROR: the
// transaction was accepted and the nonce consumed, but the method panicked.
func (c *Client) Submit(ctx context.Context, signed *neartx.SignedTransaction) (*SubmitResult, error) {
	raw, err := signed.Serialize()
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidTx, err)
	}
	var outcome executionOutcome
	if err := c.call(ctx, "broadcast_tx_commit", []string{base64.StdEncoding.EncodeToString(raw)}, &outcome); err != nil {
		if fault.IsKind(err, fault.KindInvalidTx) && isExpiredBlockHash(err) {
			c.InvalidateBlockHash()
		}
		return nil, err
	}

	result := &SubmitResult{Hash: outcome.Transaction.Hash}
	if result.Hash == "" {
		if id, idErr := signed.ID(); idErr == nil {
			result.Hash = id
		}
	}
	if len(outcome.Status.Failure) > 0 {
		return result, fault.Newf(fault.KindContractError, "execution failed: %s", compactJSON(outcome.Status.Failure))
	}
	result.Succeeded = true
	return result, nil
}

// AccessKeyView is the chain's view of one access key.
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	Permission  json.RawMessage `json:"permission"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   string          `json:"block_hash"`
}

// AccessKey queries the current nonce and permission for an access key.
func (c *Client) AccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	var view AccessKeyView
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// AccessKeyNonce is the narrow form used by the nonce allocator.
func (c *Client) AccessKeyNonce(ctx context.Context, accountID, publicKey string) (uint64, error) {
	view, err := c.AccessKey(ctx, accountID, publicKey)
	if err != nil {
		return 0, err
	}
	return view.Nonce, nil
}

type blockResult struct {
	Header struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
	} `json:"header"`
}

// RecentBlockHash returns the latest finalized block hash, served from a
// short-lived cache. Transactions reference this hash; the chain rejects
// anything older than its validity horizon, so the TTL stays at or under 1s.
func (c *Client) RecentBlockHash(ctx context.Context) ([32]byte, error) {
	c.hashMu.Lock()
	if c.cacheValid && time.Since(c.cachedAt) < c.cfg.BlockHashTTL {
		hash := c.cachedHash
		c.hashMu.Unlock()
		return hash, nil
	}
	c.hashMu.Unlock()

	var block blockResult
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &block); err != nil {
		return [32]byte{}, err
	}
	decoded, err := base58.Decode(block.Header.Hash)
	if err != nil || len(decoded) != 32 {
		return [32]byte{}, fault.Newf(fault.KindTransient, "node returned malformed block hash %q", block.Header.Hash)
	}

	var hash [32]byte
	copy(hash[:], decoded)
	c.hashMu.Lock()
	c.cachedHash = hash
	c.cachedAt = time.Now()
	c.cacheValid = true
	c.blockHeight = block.Header.Height
	c.hashMu.Unlock()
	return hash, nil
}

// InvalidateBlockHash drops the cached hash so the next read refetches. Called
// when the node rejects a transaction as expired.
func (c *Client) InvalidateBlockHash() {
	c.hashMu.Lock()
	c.cacheValid = false
	c.hashMu.Unlock()
}

type callFunctionResult struct {
	Result []byte   `json:"result"`
	Logs   []string `json:"logs"`
}

// ViewFunction invokes a read-only contract method and returns the raw JSON
// value the contract produced.
func (c *Client) ViewFunction(ctx context.Context, contractID, method string, args any) (json.RawMessage, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", method, err)
	}
	params := map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(encoded),
	}
	var result callFunctionResult
	if err := c.call(ctx, "query", params, &result); err != nil {
		return nil, err
	}
	return json.RawMessage(result.Result), nil
}

// AccountView is the subset of view_account the control plane checks.
type AccountView struct {
	Amount      string `json:"amount"`
	StorageUsed uint64 `json:"storage_usage"`
}

// ViewAccount queries basic account state, used to confirm the master account
// exists before the pipeline starts.
func (c *Client) ViewAccount(ctx context.Context, accountID string) (*AccountView, error) {
	params := map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	var view AccountView
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

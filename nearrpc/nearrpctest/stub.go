// Package nearrpctest provides an in-process NEAR RPC stub for tests: it
// implements the JSON-RPC subset the gateway uses, tracks access-key nonces,
// and supports latency and failure injection.
package nearrpctest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"

	"neargate/neartx"
)

// Submission records one accepted transaction for later assertions.
type Submission struct {
	SignerID   string
	PublicKey  string
	Nonce      uint64
	ReceiverID string
	Method     string
	Args       []byte
	Gas        uint64
	Deposit    string
	Hash       string
}

// Server is a programmable NEAR RPC stub backed by httptest.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	nonces      map[string]uint64
	accounts    map[string]bool
	views       map[string]json.RawMessage
	latency     time.Duration
	scripted    []string
	enforce     bool
	submissions []Submission
	blockHeight uint64
	blockCalls  int

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// New starts the stub with nonce enforcement enabled.
func New() *Server {
	s := &Server{
		nonces:   make(map[string]uint64),
		accounts: make(map[string]bool),
		views:    make(map[string]json.RawMessage),
		enforce:  true,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the RPC endpoint to point clients at.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the stub down.
func (s *Server) Close() { s.srv.Close() }

// SetLatency makes every broadcast call sleep for d before responding.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetEnforceNonces toggles strict nonce checking on broadcast.
func (s *Server) SetEnforceNonces(enforce bool) {
	s.mu.Lock()
	s.enforce = enforce
	s.mu.Unlock()
}

// FailNextWith queues one scripted failure for the next broadcast call. Known
// scripts: "InvalidNonce", "Expired", "transport".
func (s *Server) FailNextWith(script string) {
	s.mu.Lock()
	s.scripted = append(s.scripted, script)
	s.mu.Unlock()
}

// RegisterAccount makes view_account succeed for the given id.
func (s *Server) RegisterAccount(accountID string) {
	s.mu.Lock()
	s.accounts[accountID] = true
	s.mu.Unlock()
}

// RegisterKey seeds an access key with the given chain nonce.
func (s *Server) RegisterKey(accountID, publicKey string, nonce uint64) {
	s.mu.Lock()
	s.nonces[accountID+"/"+publicKey] = nonce
	s.mu.Unlock()
}

// SetNonce overwrites the chain nonce for a key, simulating drift.
func (s *Server) SetNonce(accountID, publicKey string, nonce uint64) {
	s.RegisterKey(accountID, publicKey, nonce)
}

// KeyNonce returns the chain nonce currently stored for a key.
func (s *Server) KeyNonce(accountID, publicKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[accountID+"/"+publicKey]
}

// SetView programs the JSON value returned by call_function on
// contract/method.
func (s *Server) SetView(contractID, method string, value any) {
	raw, _ := json.Marshal(value)
	s.mu.Lock()
	s.views[contractID+"/"+method] = raw
	s.mu.Unlock()
}

// Submissions returns a copy of every accepted transaction so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// SubmissionCount returns the number of accepted transactions.
func (s *Server) SubmissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

// MaxInflight reports the high-water mark of concurrent broadcast calls.
func (s *Server) MaxInflight() int {
	return int(s.maxInflight.Load())
}

type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Method {
	case "broadcast_tx_commit":
		s.handleBroadcast(w, req)
	case "query":
		s.handleQuery(w, req)
	case "block":
		s.handleBlock(w, req)
	default:
		writeError(w, req.ID, "METHOD_NOT_FOUND", "", fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, req rpcRequest) {
	cur := s.inflight.Add(1)
	for {
		max := s.maxInflight.Load()
		if cur <= max || s.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer s.inflight.Add(-1)

	s.mu.Lock()
	latency := s.latency
	var script string
	if len(s.scripted) > 0 {
		script = s.scripted[0]
		s.scripted = s.scripted[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
		writeError(w, req.ID, "REQUEST_VALIDATION_ERROR", "", "expected [base64 tx]")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(params[0])
	if err != nil {
		writeError(w, req.ID, "REQUEST_VALIDATION_ERROR", "", "malformed base64")
		return
	}
	var signed neartx.SignedTransaction
	if err := borsh.Deserialize(&signed, raw); err != nil {
		writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION", "undecodable transaction")
		return
	}

	tx := signed.Transaction
	key := tx.SignerID + "/" + tx.PublicKey.String()

	switch script {
	case "transport":
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	case "Expired":
		writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION", `{"Expired":{}}`)
		return
	case "InvalidNonce":
		s.mu.Lock()
		akNonce := s.nonces[key]
		s.mu.Unlock()
		writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION",
			fmt.Sprintf(`{"InvalidNonce":{"tx_nonce":%d,"ak_nonce":%d}}`, tx.Nonce, akNonce))
		return
	}

	s.mu.Lock()
	akNonce, known := s.nonces[key]
	if !known {
		s.mu.Unlock()
		writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION", `{"InvalidAccessKeyError":{"AccessKeyNotFound":{}}}`)
		return
	}
	if s.enforce && tx.Nonce <= akNonce {
		s.mu.Unlock()
		writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION",
			fmt.Sprintf(`{"InvalidNonce":{"tx_nonce":%d,"ak_nonce":%d}}`, tx.Nonce, akNonce))
		return
	}
	s.nonces[key] = tx.Nonce

	sub := Submission{
		SignerID:   tx.SignerID,
		PublicKey:  tx.PublicKey.String(),
		Nonce:      tx.Nonce,
		ReceiverID: tx.ReceiverID,
	}
	if len(tx.Actions) > 0 {
		switch tx.Actions[0].Enum {
		case 2:
			call := tx.Actions[0].FunctionCall
			sub.Method = call.MethodName
			sub.Args = call.Args
			sub.Gas = call.Gas
			sub.Deposit = call.Deposit.String()
		case 5:
			added := tx.Actions[0].AddKey
			sub.Method = "__add_key"
			s.nonces[tx.SignerID+"/"+added.PublicKey.String()] = 0
		case 6:
			removed := tx.Actions[0].DeleteKey
			sub.Method = "__delete_key"
			delete(s.nonces, tx.SignerID+"/"+removed.PublicKey.String())
		}
	}
	digest := sha256.Sum256(mustSerialize(&tx))
	sub.Hash = base58.Encode(digest[:])
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()

	writeResult(w, req.ID, map[string]any{
		"status":      map[string]any{"SuccessValue": ""},
		"transaction": map[string]any{"hash": sub.Hash},
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, req rpcRequest) {
	var params struct {
		RequestType string `json:"request_type"`
		AccountID   string `json:"account_id"`
		PublicKey   string `json:"public_key"`
		MethodName  string `json:"method_name"`
		ArgsBase64  string `json:"args_base64"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, "REQUEST_VALIDATION_ERROR", "", "malformed query params")
		return
	}
	switch params.RequestType {
	case "view_access_key":
		s.mu.Lock()
		nonce, known := s.nonces[params.AccountID+"/"+params.PublicKey]
		height := s.blockHeight
		s.mu.Unlock()
		if !known {
			writeError(w, req.ID, "HANDLER_ERROR", "UNKNOWN_ACCESS_KEY",
				fmt.Sprintf("access key %s does not exist while viewing access key", params.PublicKey))
			return
		}
		writeResult(w, req.ID, map[string]any{
			"nonce":        nonce,
			"permission":   "FullAccess",
			"block_height": height,
			"block_hash":   base58.Encode(make([]byte, 32)),
		})
	case "view_account":
		s.mu.Lock()
		known := s.accounts[params.AccountID]
		s.mu.Unlock()
		if !known {
			writeError(w, req.ID, "HANDLER_ERROR", "UNKNOWN_ACCOUNT",
				fmt.Sprintf("account %s does not exist while viewing", params.AccountID))
			return
		}
		writeResult(w, req.ID, map[string]any{"amount": "1000000000000000000000000", "storage_usage": 1000})
	case "call_function":
		s.mu.Lock()
		value, known := s.views[params.AccountID+"/"+params.MethodName]
		s.mu.Unlock()
		if !known {
			writeError(w, req.ID, "HANDLER_ERROR", "INVALID_TRANSACTION",
				fmt.Sprintf("method %s does not exist", params.MethodName))
			return
		}
		writeResult(w, req.ID, map[string]any{"result": []byte(value), "logs": []string{}})
	default:
		writeError(w, req.ID, "REQUEST_VALIDATION_ERROR", "", fmt.Sprintf("unknown request_type %q", params.RequestType))
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, req rpcRequest) {
	s.mu.Lock()
	s.blockHeight++
	s.blockCalls++
	height := s.blockHeight
	s.mu.Unlock()

	seed := sha256.Sum256([]byte(fmt.Sprintf("block-%d", height)))
	writeResult(w, req.ID, map[string]any{
		"header": map[string]any{
			"hash":   base58.Encode(seed[:]),
			"height": height,
		},
	})
}

// BlockCalls reports how many times the block endpoint was hit, used to assert
// the client-side hash cache.
func (s *Server) BlockCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockCalls
}

func mustSerialize(tx *neartx.Transaction) []byte {
	raw, err := tx.Serialize()
	if err != nil {
		panic(err)
	}
	return raw
}

func writeResult(w http.ResponseWriter, id uint64, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w http.ResponseWriter, id uint64, name, causeName, data string) {
	errObj := map[string]any{
		"name":    name,
		"code":    -32000,
		"message": data,
		"cause":   map[string]any{"name": causeName},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "error": errObj})
}

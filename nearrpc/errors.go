package nearrpc

import (
	"encoding/json"
	"errors"
	"strings"

	"neargate/fault"
)

// rpcError is the error object a NEAR node attaches to a JSON-RPC response.
// The interesting detail lives in Cause.Name and the nested Data payload.
type rpcError struct {
	Name    string          `json:"name"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

func (e *rpcError) detail() string {
	parts := make([]string, 0, 3)
	if e.Name != "" {
		parts = append(parts, e.Name)
	}
	if e.Cause.Name != "" {
		parts = append(parts, e.Cause.Name)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	body := strings.Join(parts, ": ")
	if len(e.Data) > 0 {
		body += " " + compactJSON(e.Data)
	}
	if len(e.Cause.Info) > 0 {
		body += " " + compactJSON(e.Cause.Info)
	}
	return body
}

// classifyRPCError maps a node-reported error onto the dispatch taxonomy.
// Nonce mismatches get their own kind so the allocator can schedule a refresh;
// everything else the node rejects outright is INVALID_TX, and node-side
// availability problems are TRANSIENT.
func classifyRPCError(method string, e *rpcError) error {
	detail := e.detail()
	switch {
	case containsAny(detail, "InvalidNonce", "NonceTooLarge", "NonceTooSmall"):
		return fault.Newf(fault.KindNonceDrift, "%s: %s", method, detail)
	case containsAny(detail, "Expired", "InvalidTxError", "InvalidSignature", "InvalidAccessKeyError",
		"NotEnoughBalance", "LackBalanceForState", "InvalidChain", "CostOverflow", "SignerDoesNotExist"):
		return fault.Newf(fault.KindInvalidTx, "%s: %s", method, detail)
	case containsAny(detail, "UNKNOWN_TRANSACTION", "TIMEOUT_ERROR", "UNAVAILABLE", "INTERNAL_ERROR"):
		return fault.Newf(fault.KindTransient, "%s: %s", method, detail)
	case containsAny(detail, "UNKNOWN_ACCOUNT", "UNKNOWN_ACCESS_KEY", "does not exist"):
		return fault.Newf(fault.KindInvalidTx, "%s: %s", method, detail)
	default:
		return fault.Newf(fault.KindTransient, "%s: %s", method, detail)
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// isExpiredBlockHash reports whether the node rejected the transaction for
// referencing a block outside the validity horizon.
func isExpiredBlockHash(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Expired")
}

// IsNonceDrift reports whether err indicates the chain's nonce disagrees with
// the locally allocated one.
func IsNonceDrift(err error) bool {
	return fault.IsKind(err, fault.KindNonceDrift)
}

// ErrUnknownAccessKey is matched by the key registry during bootstrap to spot
// keys that were never registered on-chain.
var ErrUnknownAccessKey = errors.New("access key not found on chain")

// IsUnknownAccessKey reports whether err means the queried key is not
// registered for the account.
func IsUnknownAccessKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownAccessKey) {
		return true
	}
	return containsAny(err.Error(), "UNKNOWN_ACCESS_KEY", "does not exist while viewing access key")
}

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"neargate/fault"
	"neargate/transfer"
)

const (
	requestBodyLimit = 1 << 20
	bulkMaxItems     = 1000
)

type transferRequest struct {
	transfer.Request
	Priority float64 `json:"priority,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err)
	}
	if len(body) == 0 {
		return fault.New(fault.KindValidation, "request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Wrap(fault.KindValidation, err)
	}
	return nil
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, started, err)
		return
	}
	id, err := s.svc.Enqueue(req.Request, req.Priority)
	if err != nil {
		writeError(w, started, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queueId": id,
	})
}

type bulkRequest struct {
	Transfers []transfer.Request `json:"transfers"`
	Priority  float64            `json:"priority,omitempty"`
}

type bulkItemResult struct {
	QueueID string `json:"queueId,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleBulkTransfer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, started, err)
		return
	}
	if len(req.Transfers) == 0 {
		writeError(w, started, fault.New(fault.KindValidation, "transfers list is empty"))
		return
	}
	if len(req.Transfers) > bulkMaxItems {
		writeError(w, started, fault.Newf(fault.KindValidation, "too many transfers: %d > %d", len(req.Transfers), bulkMaxItems))
		return
	}

	results := make([]bulkItemResult, len(req.Transfers))
	accepted := 0
	for i, item := range req.Transfers {
		id, err := s.svc.Enqueue(item, req.Priority)
		if err != nil {
			results[i] = bulkItemResult{Error: string(fault.KindOf(err)), Details: err.Error()}
			continue
		}
		results[i] = bulkItemResult{QueueID: id.String()}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  accepted > 0,
		"accepted": accepted,
		"failed":   len(req.Transfers) - accepted,
		"results":  results,
	})
}

func (s *Server) handleDirectTransfer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, started, err)
		return
	}
	hash, err := s.svc.Direct(r.Context(), req.Request)
	if err != nil {
		writeError(w, started, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"transactionHash": hash,
		"processingTime":  float64(time.Since(started).Microseconds()) / 1000,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.svc.Status()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	activeKeys := 0
	for _, key := range status.Keys {
		if key.Active {
			activeKeys++
		}
	}
	writeJSON(w, code, map[string]any{
		"healthy": status.Healthy,
		"details": map[string]any{
			"state":      status.State,
			"activeKeys": activeKeys,
			"queueDepth": status.QueueDepth,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Metrics().Snapshot())
}

func (s *Server) handleBountyStatus(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Metrics().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"achieved":        report.Sustained && report.SuccessRate >= 0.95,
		"currentTps":      report.CurrentTPS,
		"sustained":       report.Sustained,
		"successRate":     report.SuccessRate,
		"totalSuccessful": report.Totals.Succeeded,
		"totalFailed":     report.Totals.Failed,
	})
}

// requireAdmin guards the admin routes with the shared-secret header. An
// empty configured token disables the routes entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rotateRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req rotateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, started, err)
		return
	}
	newPub, err := s.svc.RotateKey(r.Context(), req.Index)
	if err != nil {
		writeError(w, started, fault.Wrap(fault.KindValidation, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"index":        req.Index,
		"newPublicKey": newPub,
	})
}

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"neargate/fault"
)

// errorEnvelope is the uniform failure shape every endpoint returns.
type errorEnvelope struct {
	Success        bool      `json:"success"`
	Error          string    `json:"error"`
	Details        string    `json:"details,omitempty"`
	ProcessingTime float64   `json:"processingTime"`
	Timestamp      time.Time `json:"timestamp"`
}

// statusFor maps the error taxonomy onto HTTP statuses. Retriable conditions
// get 5xx so clients back off; caller mistakes get 4xx.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindQueueFull, fault.KindNoKeys, fault.KindShuttingDown, fault.KindNonceDrift:
		return http.StatusServiceUnavailable
	case fault.KindTransient:
		return http.StatusBadGateway
	case fault.KindContractError:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, started time.Time, err error) {
	kind := fault.KindOf(err)
	writeJSON(w, statusFor(kind), errorEnvelope{
		Error:          string(kind),
		Details:        err.Error(),
		ProcessingTime: float64(time.Since(started).Microseconds()) / 1000,
		Timestamp:      time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

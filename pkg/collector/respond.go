package collector

import (
	"net/http"

	"github.com/goccy/go-json"
)

// resultResponse is the body the SDK expects from /i.
type resultResponse struct {
	Result string `json:"result"`
}

// errorResponse is written for every rejected request.
type errorResponse struct {
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, reason, message string) {
	rejected.WithLabelValues(reason).Inc()
	h.respondJSON(w, status, errorResponse{Result: http.StatusText(status), Message: message})
}

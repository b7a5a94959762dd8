package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/autopeer-io/v2x/internal/auth"
	"github.com/autopeer-io/v2x/internal/hub/service"
	"github.com/autopeer-io/v2x/internal/ledger"
	"github.com/autopeer-io/v2x/internal/supervisor"
	"github.com/autopeer-io/v2x/internal/telemetry"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "Request failed", "method", r.Method, "path", r.URL.Path, "status", status)
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads the JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotActive):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrLedgerTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrLedgerRejection):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrLedgerUnavailable),
		errors.Is(err, supervisor.ErrShutdown),
		errors.Is(err, telemetry.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

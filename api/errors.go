package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Reason   string `json:"reason,omitempty"`
	Conflict string `json:"conflict,omitempty"`
}

// statusFor maps the ledger error taxonomy to an HTTP status.
func statusFor(err error) int {
	var unauthorized *ledger.UnauthorizedError
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &unauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrIneligible):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err with its mapped status. Internal errors are logged
// and their text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Reason: ledger.ReasonOf(err)}
	if status == http.StatusConflict {
		resp.Conflict = resp.Reason
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// writeConflict renders a benign conflict together with the record it hit.
func writeConflict(w http.ResponseWriter, err error, body map[string]any) {
	reason := ledger.ReasonOf(err)
	body["error"] = err.Error()
	body["conflict"] = reason
	writeJSON(w, http.StatusConflict, body)
}

func badRequest(field, reason string) error {
	return &ledger.ValidationError{Field: field, Reason: reason}
}

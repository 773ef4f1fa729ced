package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"oxidelab/internal/faults"
	"oxidelab/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// statusOf maps a service error to an HTTP status.
func statusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return faults.StatusCode(err)
}

// kindOf returns the fault kind of err, or "" for errors that carry their own
// status but no kind.
func kindOf(err error) string {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	var he HTTPError
	if errors.As(err, &he) {
		return ""
	}
	return string(faults.KindOf(err))
}

// writeServiceError writes err with its mapped status and kind.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusOf(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(kindOf(err))
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Code: status, Kind: kindOf(err)})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

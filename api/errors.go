package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/ironca/pki"
)

const (
	// maxSmallBodySize bounds JSON request bodies.
	maxSmallBodySize = 64 << 10
	// maxCSRBodySize bounds CSR submissions, which carry a PEM block.
	maxCSRBodySize = 256 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates the pki error taxonomy into a response. Denied and
// internal failures never echo the underlying message.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pki.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pki.ErrDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON reads a size-limited JSON body into T. On failure it writes a
// 400 and reports false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/relaycrm/automaton/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps an AutomatonError code onto an HTTP status. Unknown
// errors become 500s without leaking internals beyond the message.
func writeDomainError(w http.ResponseWriter, err error) {
	var autoErr *schema.AutomatonError
	if !errors.As(err, &autoErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch autoErr.Code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidActionData:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]any{
		"error":   autoErr.Message,
		"code":    string(autoErr.Code),
		"details": autoErr.Details,
	})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

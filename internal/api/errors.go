// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kiosknet/lockerd/internal/fault"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	Category   string `json:"category"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// writeFault maps the error taxonomy onto HTTP status codes. Throttled
// errors carry a Retry-After header.
func writeFault(w http.ResponseWriter, err error) {
	category := fault.Category(err)

	var throttled *fault.ThrottledError
	if errors.As(err, &throttled) {
		seconds := int(throttled.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      err.Error(),
			Category:   category,
			RetryAfter: seconds,
		})
		return
	}

	code := http.StatusInternalServerError
	switch category {
	case "validation":
		code = http.StatusBadRequest
	case "conflict":
		code = http.StatusConflict
	case "not_found":
		code = http.StatusNotFound
	case "throttled":
		code = http.StatusTooManyRequests
	case "transient":
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Category: category})
}

// writeConflict reports a lost optimistic-concurrency race or a state
// precondition failure without an error payload from below.
func writeConflict(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusConflict, errorBody{Error: detail, Category: "conflict"})
}

// SPDX-License-Identifier: MIT
package api

import (
	"encoding/json"
	"net/http"

	"github.com/draftwire/draftwire/internal/log"
)

// errorBody is the wire shape for every non-SSE error response.
// Messages are static strings: backend details (addresses, driver
// errors) must never reach the client.
type errorBody struct {
	Schema  string         `json:"schema"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const errorSchema = "error.v1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Schema: errorSchema, Code: code, Message: message})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Schema: errorSchema, Code: code, Message: message, Details: details})
}

// Package api provides warden's HTTP facade: the agent-facing JSON surface
// over the state machine, token service, tool broker, and coordination store.
package api

import (
	"encoding/json"
	"net/http"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError inspects the error type and writes the appropriate response.
// Structured errors carry their own HTTP status; anything else is a 500.
func HandleError(w http.ResponseWriter, err error) {
	if wErr := wardenerrors.AsWardenError(err); wErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(wErr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{
			Error:   wErr.What,
			Code:    string(wErr.Code),
			Details: wErr.Why,
		})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

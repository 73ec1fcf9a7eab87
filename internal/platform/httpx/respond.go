// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDetail represents RFC7807 problem details. Code carries the
// machine-readable business code (e.g. INSUFFICIENT_FUNDS) when one exists.
type ProblemDetail struct {
	Type          string `json:"type,omitempty"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail, correlationID string) {
	JSON(w, status, ProblemDetail{
		Title:         title,
		Status:        status,
		Detail:        detail,
		CorrelationID: correlationID,
	})
}

// ProblemCode sends a problem response carrying a machine-readable code.
func ProblemCode(w http.ResponseWriter, status int, code, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}

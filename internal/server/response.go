package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is the JSON error envelope the web panel expects.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Success:   false,
		Error:     message,
		Timestamp: nowISO(),
	})
}

// nowISO formats the current time the way the panel's JavaScript parses it.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

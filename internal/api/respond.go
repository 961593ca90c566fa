package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type errorBody struct {
	Error      string `json:"error"`
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

const retryAfterSeconds = 30

// writeJSONUnavailable is the shared 503 path: every unavailable response
// carries Retry-After.
func writeJSONUnavailable(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Retry-After", "30")
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func writeUnavailable(w http.ResponseWriter, r *http.Request) {
	writeJSONUnavailable(w, errorBody{
		Error:      "Service Unavailable",
		RequestID:  RequestID(r.Context()),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryAfter: retryAfterSeconds,
	})
}

// problemDetails is the RFC 7807 shape used for 404 responses.
type problemDetails struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(problemDetails{
		Type:      "about:blank",
		Title:     "Not Found",
		Status:    http.StatusNotFound,
		Detail:    "The requested resource does not exist",
		Instance:  r.URL.Path,
		RequestID: RequestID(r.Context()),
	})
}

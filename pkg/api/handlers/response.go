package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the envelope of every JSON answer:
//   - Status is "healthy", "unhealthy", "ok" or "error"
//   - Data carries the payload
//   - Error carries the failure, if any
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func newResponse(status string, data any, errMsg string) Response {
	return Response{Status: status, Timestamp: time.Now().UTC(), Data: data, Error: errMsg}
}

func healthyResponse(data any) Response     { return newResponse("healthy", data, "") }
func unhealthyResponse(msg string) Response { return newResponse("unhealthy", nil, msg) }
func okResponse(data any) Response          { return newResponse("ok", data, "") }
func errorResponse(msg string) Response     { return newResponse("error", nil, msg) }

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/FocuswithJustin/RecallRecover/core/pipeline"
	"github.com/FocuswithJustin/RecallRecover/core/recovery"
	"github.com/FocuswithJustin/RecallRecover/core/sqlite"
)

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIMeta contains response metadata.
type APIMeta struct {
	Timestamp string `json:"timestamp"`
}

// HealthInfo is the health check response. Status is "degraded" when no
// sqlite3 shell with .recover can be found, since every job would then fail
// at the recovery stage.
type HealthInfo struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Uptime  string      `json:"uptime"`
	Driver  sqlite.Info `json:"driver"`
	SQLite3 string      `json:"sqlite3,omitempty"`
	Jobs    int         `json:"jobs"`
	Running int         `json:"running"`
	Clients int         `json:"clients"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"name":    "RecallRecover API",
		"version": pipeline.Version,
		"endpoints": []string{
			"GET /health",
			"GET /jobs",
			"POST /jobs",
			"GET /jobs/:id",
			"DELETE /jobs/:id",
			"WS /ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	info := HealthInfo{
		Status:  "healthy",
		Version: pipeline.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Driver:  sqlite.GetInfo(),
		Clients: s.hub.ClientCount(),
	}
	if bin, err := recovery.NewDriver(s.cfg.Defaults.SQLiteBinary).CheckRecover(r.Context()); err == nil {
		info.SQLite3 = bin
	} else {
		info.Status = "degraded"
	}
	for _, job := range s.jobs.List() {
		info.Jobs++
		if job.Status == JobStatusRunning {
			info.Running++
		}
	}
	respond(w, http.StatusOK, info)
}

func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, APIResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Error: &APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	resp.Meta = &APIMeta{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

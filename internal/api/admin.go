package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// adminMiddleware guards the management routes with the configured API key.
// With no key configured the routes stay open, which matches single-host
// deployments behind a private network.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey != "" {
			key := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if key != s.cfg.AdminKey {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleForcePoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.poller.TryPoll(r.Context()) {
		writeJSON(w, map[string]string{"result": "poll already in flight"}, http.StatusConflict)
		return
	}
	writeJSON(w, s.holder.Load(), http.StatusOK)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.relay.Info(), http.StatusOK)
}

type killRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	if !s.relay.Kill(req.URL) {
		http.Error(w, "no process found for url", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"result": "killed"}, http.StatusOK)
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	s.relay.KillAll()
	writeJSON(w, map[string]string{"result": "all processes killed"}, http.StatusOK)
}

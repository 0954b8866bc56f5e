package server

import "net/http"

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "healthy",
		"version":        Version,
		"agent_sessions": s.registry.Count(),
		"video_streams":  s.streams.Count(),
		"shell_sessions": s.shells.SessionCount(),
	}
	writeJSON(w, http.StatusOK, response)
}

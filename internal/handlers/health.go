package handlers

import "net/http"

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	auditStatus := "disabled"
	if s.Auditor != nil {
		auditStatus = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"audit":          auditStatus,
		"pending_tokens": s.Tokens.Len(),
	})
}

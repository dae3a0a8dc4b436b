package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/webssh/internal/audit"
)

// AuditLogs returns paginated audit log entries.
//
// Query parameters:
//
//	event_type - filter by event type
//	transport  - filter by transport id
//	host       - filter by remote host
//	username   - filter by remote user
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func (s *Server) AuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log disabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType: q.Get("event_type"),
		Transport: q.Get("transport"),
		Host:      q.Get("host"),
		User:      q.Get("username"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	entries, total, err := s.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	if entries == nil {
		entries = []audit.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

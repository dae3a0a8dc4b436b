// Package handlers serves the gateway's HTTP and WebSocket endpoints.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/audit"
	"github.com/gluk-w/webssh/internal/middleware"
	"github.com/gluk-w/webssh/internal/remote"
	"github.com/gluk-w/webssh/internal/token"
	"github.com/gluk-w/webssh/internal/watch"
)

// Server holds the collaborators shared by every transport.
type Server struct {
	Tokens    *token.Authority
	Connector remote.Connector
	// Auditor is nil when the audit log is disabled.
	Auditor *audit.Auditor
	Fs      afero.Fs
	Watcher watch.Watcher
}

// Routes builds the gateway router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.HealthCheck)
	r.Get("/ws/session", s.SessionWS)
	r.Get("/ws/watch", s.WatchWS)

	r.Route("/api/v1", func(r chi.Router) {
		authed := r.With(middleware.RequireToken(s.Tokens, s.tokenRejected))
		authed.Get("/stat", s.Stat)
		if s.Auditor != nil {
			authed.Get("/audit", s.AuditLogs)
		}
	})
	return r
}

func (s *Server) tokenRejected(r *http.Request) {
	s.Auditor.Trail(audit.Scope{SourceIP: audit.SourceIP(r)}).Log(audit.EventTokenRejected, "path="+r.URL.Path)
}

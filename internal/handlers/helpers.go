package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gluk-w/webssh/internal/config"
)

// WebSocket close codes.
const (
	closeUnauthorized  websocket.StatusCode = 4401
	closeRemoteFailure websocket.StatusCode = 4500
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// acceptOptions restricts WebSocket origins to ALLOWED_ORIGINS, or skips the
// check when none are configured.
func acceptOptions() *websocket.AcceptOptions {
	var patterns []string
	for _, o := range config.Cfg.AllowedOrigins {
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	if len(patterns) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

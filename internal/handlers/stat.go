package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/gluk-w/webssh/internal/config"
	"github.com/gluk-w/webssh/internal/watch"
)

// Stat returns a one-shot snapshot of ?path= (home when empty, relative
// paths resolve against home). It sits behind RequireToken. Error snapshots
// are returned with 404.
func (s *Server) Stat(w http.ResponseWriter, r *http.Request) {
	home := config.Cfg.HomePath()
	p := r.URL.Query().Get("path")
	switch {
	case p == "":
		p = home
	case !filepath.IsAbs(p):
		p = filepath.Join(home, p)
	}
	p = filepath.Clean(p)

	fsys := s.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	snap := watch.Take(fsys, p)
	status := http.StatusOK
	if snap.Kind == watch.KindError {
		status = http.StatusNotFound
	}
	writeJSON(w, status, snap)
}

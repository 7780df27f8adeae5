package gateway

import (
	"net/http"
	"os"
	"path/filepath"
)

// staticHandler serves the browser UI. Unknown paths fall back to
// index.html so client-side routes deep-link correctly.
func (s *Server) staticHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.staticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			if r.URL.Path != "/" {
				http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
				return
			}
		}
		fs.ServeHTTP(w, r)
	})
}

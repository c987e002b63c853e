// Package web serves the browser page for sign-in, second factor
// verification and two-factor enrollment.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/*
var content embed.FS

// AssetPrefix is where the page loads its script and stylesheet from.
const AssetPrefix = "/admin/assets/"

// Handler serves index.html for any path outside AssetPrefix and the
// embedded assets under it. Unknown assets are a 404 rather than the page.
func Handler() (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	index, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	static := http.StripPrefix(strings.TrimSuffix(AssetPrefix, "/"), http.FileServer(http.FS(fsys)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, AssetPrefix) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Write(index)
			return
		}
		name := strings.TrimPrefix(path.Clean(r.URL.Path), AssetPrefix)
		if name == "index.html" || !fs.ValidPath(name) {
			http.NotFound(w, r)
			return
		}
		if _, err := fs.Stat(fsys, name); err != nil {
			http.NotFound(w, r)
			return
		}
		static.ServeHTTP(w, r)
	}), nil
}

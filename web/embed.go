// Package web serves the interceptor's own embedded status page:
// CA-install instructions and links into the capture API's delta-fetch
// endpoints.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed dist/*
var statusPageFS embed.FS

// StatusPageHandler serves the embedded status page out of dist/,
// falling back to index.html for any path that isn't a static asset so
// client-side routes survive a direct navigation or reload.
func StatusPageHandler() http.Handler {
	assets, err := fs.Sub(statusPageFS, "dist")
	if err != nil {
		panic("web: dist/ missing from embedded status page: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(assets))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestPath := r.URL.Path
		if requestPath == "/" {
			requestPath = "/index.html"
		}

		if f, err := assets.Open(strings.TrimPrefix(requestPath, "/")); err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

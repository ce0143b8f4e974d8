package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux is an http.ServeMux that collapses repeated slashes in
// the request path before routing, so "/api//render" reaches "/api/render"
// instead of being redirected.
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		normalizedPath := path.Clean(r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") && normalizedPath != "/" {
			normalizedPath += "/"
		}
		r.URL.Path = normalizedPath
	}

	nm.ServeMux.ServeHTTP(w, r)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorsMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		allowedOrigins []string
		method         string
		origin         string
		wantStatus     int
		wantHeaders    map[string]string
	}{
		{
			name:           "AllowAll",
			allowedOrigins: []string{"*"},
			method:         http.MethodGet,
			origin:         "http://example.com",
			wantStatus:     http.StatusOK,
			wantHeaders:    map[string]string{"Access-Control-Allow-Origin": "http://example.com"},
		},
		{
			name:           "AllowSpecificOrigin",
			allowedOrigins: []string{"http://localhost:5173"},
			method:         http.MethodPost,
			origin:         "http://localhost:5173",
			wantStatus:     http.StatusOK,
			wantHeaders:    map[string]string{"Access-Control-Allow-Origin": "http://localhost:5173"},
		},
		{
			name:           "DisallowOrigin",
			allowedOrigins: []string{"http://localhost:5173"},
			method:         http.MethodGet,
			origin:         "http://bar.com",
			wantStatus:     http.StatusOK,
			wantHeaders:    map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:           "Preflight",
			allowedOrigins: []string{"http://localhost:5173"},
			method:         http.MethodOptions,
			origin:         "http://localhost:5173",
			wantStatus:     http.StatusNoContent,
			wantHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "http://localhost:5173",
				"Access-Control-Allow-Credentials": "true",
				"Access-Control-Allow-Methods":     "GET, POST",
				"Access-Control-Allow-Headers":     "*",
			},
		},
		{
			name:           "PreflightDisallowedOriginReachesRouter",
			allowedOrigins: []string{"http://localhost:5173"},
			method:         http.MethodOptions,
			origin:         "http://bar.com",
			wantStatus:     http.StatusMethodNotAllowed,
			wantHeaders:    map[string]string{"Access-Control-Allow-Methods": ""},
		},
		{
			name:           "NoOriginHeader",
			allowedOrigins: []string{"*"},
			method:         http.MethodGet,
			wantStatus:     http.StatusOK,
			wantHeaders:    map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:           "Disabled",
			allowedOrigins: nil,
			method:         http.MethodGet,
			origin:         "http://foo.com",
			wantStatus:     http.StatusOK,
			wantHeaders:    map[string]string{"Access-Control-Allow-Origin": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := CorsMiddleware(tt.allowedOrigins, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tt.method, "/api/render", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			for k, v := range tt.wantHeaders {
				assert.Equal(t, v, rec.Header().Get(k), k)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()
	set := map[string]struct{}{
		"http://foo.com": {},
	}
	assert.True(t, originAllowed("http://foo.com", set))
	assert.False(t, originAllowed("http://bar.com", set))
}

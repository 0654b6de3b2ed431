package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(mw)
	r.GET("/verification/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest(http.MethodGet, "/verification/status", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin bool
		wantCreds  bool
	}{
		{"listed origin", []string{"https://shop.example.com"}, "https://shop.example.com", true, true},
		{"trailing slash in config", []string{"https://shop.example.com/"}, "https://shop.example.com", true, true},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"unlisted origin", []string{"https://shop.example.com"}, "https://evil.example", false, false},
		{"empty list", nil, "https://shop.example.com", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/verification/status", nil)
			req.Header.Set("Origin", tc.origin)
			w := serve(CORSMiddleware(tc.allowed), req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/verification/status", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := serve(CORSMiddleware([]string{"https://shop.example.com"}), req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestValidateOutboundURL(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, ValidateOutboundURL(ctx, "https://93.184.215.14/v1", false))
	assert.Error(t, ValidateOutboundURL(ctx, "http://93.184.215.14/v1", false))
	assert.Error(t, ValidateOutboundURL(ctx, "https://127.0.0.1/v1", false))
	assert.Error(t, ValidateOutboundURL(ctx, "https://10.1.2.3/v1", false))
	assert.Error(t, ValidateOutboundURL(ctx, "https://169.254.169.254/latest", false))
	assert.Error(t, ValidateOutboundURL(ctx, "https://localhost/v1", false))
	assert.Error(t, ValidateOutboundURL(ctx, "ftp://example.com", false))
	assert.Error(t, ValidateOutboundURL(ctx, "https://", false))

	assert.NoError(t, ValidateOutboundURL(ctx, "http://localhost:11434/v1", true))
	assert.Error(t, ValidateOutboundURL(ctx, "ftp://localhost", true))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{410, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	RiskDecisionsTotal.WithLabelValues("warn").Inc()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"stepup_active_websocket_clients",
		"stepup_risk_decisions_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/risk-assessment/:id/justification", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/risk-assessment/:id/justification", "2xx"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/risk-assessment/abc/justification", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/risk-assessment/:id/justification", "2xx"))
	assert.Equal(t, before+1, after)
}

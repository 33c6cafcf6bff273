package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

func TestMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/m/config", func(c *gin.Context) { c.String(http.StatusOK, "{}") })
	r.OPTIONS("/m/config", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/m/chat", func(c *gin.Context) {
		c.Set(TenantKey, &domain.Tenant{ID: "t1", Tier: domain.TierFree})
		c.Status(http.StatusTooManyRequests)
	})

	count := func(method, path, status string) float64 {
		return testutil.ToFloat64(httpReqs.WithLabelValues(method, path, status))
	}
	baseOK := count("GET", "/m/config", "200")
	basePre := count("OPTIONS", "/m/config", "204")
	baseMiss := count("GET", unmatchedPath, "404")
	baseTier := testutil.ToFloat64(tierReqs.WithLabelValues("free", "429"))

	for _, rq := range []struct{ method, path string }{
		{http.MethodGet, "/m/config"},
		{http.MethodOptions, "/m/config"},
		{http.MethodGet, "/m/nope"},
		{http.MethodPost, "/m/chat"},
	} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(rq.method, rq.path, nil))
	}

	if got := count("GET", "/m/config", "200"); got != baseOK+1 {
		t.Fatalf("config counter = %v, want %v", got, baseOK+1)
	}
	if got := count("OPTIONS", "/m/config", "204"); got != basePre+1 {
		t.Fatalf("preflight counter = %v, want %v", got, basePre+1)
	}
	if got := count("GET", unmatchedPath, "404"); got != baseMiss+1 {
		t.Fatalf("unmatched counter = %v, want %v", got, baseMiss+1)
	}
	if got := testutil.ToFloat64(tierReqs.WithLabelValues("free", "429")); got != baseTier+1 {
		t.Fatalf("tier counter = %v, want %v", got, baseTier+1)
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v after all requests finished", got)
	}
}

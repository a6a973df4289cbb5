package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/connect-console/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findSeries returns the first series of c whose labels include all of labels.
func findSeries(c prometheus.Collector, labels prometheus.Labels) *dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		matched := 0
		for _, lp := range dm.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return &dm
		}
	}
	return nil
}

func counterValue(labels prometheus.Labels) float64 {
	if m := findSeries(telemetry.HTTPRequestsTotal, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func histogramCount(labels prometheus.Labels) uint64 {
	if m := findSeries(telemetry.HTTPRequestDuration, labels); m != nil {
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

// newMetricsRouter builds a minimal Gin engine with MetricsMiddleware and two routes.
func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware("/health"))
	r.GET("/api/v1/stores/:id", func(c *gin.Context) { c.Status(status) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func serve(r *gin.Engine, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func TestMetricsMiddleware_RecordsRequestsAndDuration(t *testing.T) {
	counted := prometheus.Labels{"method": "GET", "path": "/api/v1/stores/:id", "status": "200"}
	timed := prometheus.Labels{"method": "GET", "path": "/api/v1/stores/:id"}
	beforeCount := counterValue(counted)
	beforeSamples := histogramCount(timed)

	serve(newMetricsRouter(http.StatusOK), "/api/v1/stores/42")

	if got := counterValue(counted); got-beforeCount != 1 {
		t.Errorf("http_requests_total delta = %.0f, want 1", got-beforeCount)
	}
	if got := histogramCount(timed); got <= beforeSamples {
		t.Errorf("http_request_duration_seconds sample count did not increase: before=%d after=%d", beforeSamples, got)
	}
}

func TestMetricsMiddleware_UsesRouteTemplate_NotRawURL(t *testing.T) {
	serve(newMetricsRouter(http.StatusOK), "/api/v1/stores/8f0c")

	if findSeries(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "/api/v1/stores/8f0c"}) != nil {
		t.Error("raw URL used as path label; expected the route template")
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	r := gin.New()
	r.Use(MetricsMiddleware())
	serve(r, "/does-not-exist")

	if findSeries(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "<no-route>"}) == nil {
		t.Error("expected path label <no-route> for unmatched request")
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/stores/:id", "status": "503"}
	before := counterValue(labels)

	serve(newMetricsRouter(http.StatusServiceUnavailable), "/api/v1/stores/err")

	if got := counterValue(labels); got-before != 1 {
		t.Errorf("http_requests_total{status=503} delta = %.0f, want 1", got-before)
	}
}

func TestMetricsMiddleware_SkipsProbeRoutes(t *testing.T) {
	serve(newMetricsRouter(http.StatusOK), "/health")

	if findSeries(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "/health"}) != nil {
		t.Error("skipped route /health was recorded")
	}
}

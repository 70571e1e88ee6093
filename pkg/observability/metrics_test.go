package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		if metrics.CheckTotal == nil {
			t.Error("CheckTotal is nil")
		}
		if metrics.CheckDuration == nil {
			t.Error("CheckDuration is nil")
		}
		if metrics.CheckErrors == nil {
			t.Error("CheckErrors is nil")
		}
		if metrics.CacheHitsTotal == nil {
			t.Error("CacheHitsTotal is nil")
		}
		if metrics.CacheMissesTotal == nil {
			t.Error("CacheMissesTotal is nil")
		}
		if metrics.GrantsTotal == nil {
			t.Error("GrantsTotal is nil")
		}
		if metrics.RevokesTotal == nil {
			t.Error("RevokesTotal is nil")
		}
		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
	})

	t.Run("nil registry gets its own", func(t *testing.T) {
		metrics := NewMetrics(nil)
		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}
	})
}

func TestMetrics_CheckCounters(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.CheckTotal.WithLabelValues("patients", "read", "allowed").Inc()
	metrics.CheckTotal.WithLabelValues("patients", "read", "allowed").Inc()
	metrics.CheckTotal.WithLabelValues("patients", "write", "denied").Inc()

	allowed := testutil.ToFloat64(metrics.CheckTotal.WithLabelValues("patients", "read", "allowed"))
	if allowed != 2 {
		t.Errorf("allowed count = %v, want 2", allowed)
	}

	metrics.CheckErrors.Inc()
	if got := testutil.ToFloat64(metrics.CheckErrors); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/permissions", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/permissions", "418"))
	if got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.CacheHitsTotal.Inc()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "caregrid_permission_cache_hits_total") {
		t.Error("metrics output should include cache hit counter")
	}
}

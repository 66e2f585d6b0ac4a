package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		write    func(w http.ResponseWriter)
		endpoint string
		status   string
	}{
		{
			name:     "implicit 200",
			method:   http.MethodGet,
			path:     "/domains",
			write:    func(w http.ResponseWriter) { _, _ = w.Write([]byte(`["tempmail.test"]`)) },
			endpoint: "/domains",
			status:   "200",
		},
		{
			name:     "explicit status",
			method:   http.MethodPost,
			path:     "/mail/inbound",
			write:    func(w http.ResponseWriter) { w.WriteHeader(http.StatusUnauthorized) },
			endpoint: "/mail/inbound",
			status:   "401",
		},
		{
			name:     "nothing written",
			method:   http.MethodDelete,
			path:     "/inbox/9b2d",
			write:    func(w http.ResponseWriter) {},
			endpoint: "/inbox",
			status:   "200",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.Reset()
			metrics.Init()

			h := PrometheusMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.write(w)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(tt.method, tt.endpoint, tt.status)))
			assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestDuration))
			assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPResponseSize))
			assert.Equal(t, float64(0), testutil.ToFloat64(metrics.HTTPActiveRequests))
		})
	}
}

func TestPrometheusMiddleware_RouteTemplate(t *testing.T) {
	metrics.Reset()
	metrics.Init()

	r := mux.NewRouter()
	r.Use(PrometheusMiddleware)
	r.HandleFunc("/emails/{address}", func(w http.ResponseWriter, r *http.Request) {}).Methods(http.MethodGet)

	for _, addr := range []string{"a1@tempmail.test", "b2@tempmail.test", "c3@tempmail.test"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/emails/"+addr, nil))
	}

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/emails/{address}", "200")))
}

func TestPrometheusMiddleware_Concurrent(t *testing.T) {
	metrics.Reset()
	metrics.Init()

	h := PrometheusMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/addresses", nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(20), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/addresses", "202")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.HTTPActiveRequests))
}

func TestStatusRecorder(t *testing.T) {
	under := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: under}

	assert.Equal(t, http.StatusOK, rec.Status())

	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusOK)
	n, err := rec.Write([]byte("missing"))

	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, http.StatusNotFound, rec.Status())
	assert.Equal(t, int64(7), rec.bytes)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/stats/top-senders":      "/stats/top-senders",
		"/health":                 "/health",
		"/emails/x@tempmail.test": "/emails",
		"/inbox/e-1/attachments":  "/inbox",
		"/attachments/a-1":        "/attachments",
		"/unknown":                "/unknown",
		"relative":                "/other",
		"":                        "/other",
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, normalizeEndpoint(in))
		})
	}
}

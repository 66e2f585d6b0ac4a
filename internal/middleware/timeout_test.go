package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grumpyguvner/tempmail/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutMiddleware_FastHandler(t *testing.T) {
	observeLogs(t)

	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline := r.Context().Deadline()
		assert.True(t, hasDeadline)
		w.Header().Set("X-Total-Count", "3")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"address":"q@tempmail.test"}`))
	}))

	rec := httptest.NewRecorder()
	rec.Header().Set(RequestIDHeader, "outer")
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/addresses", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Total-Count"))
	assert.Equal(t, "outer", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, `{"address":"q@tempmail.test"}`, rec.Body.String())
}

func TestTimeoutMiddleware_DefaultStatus(t *testing.T) {
	observeLogs(t)

	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/inbox/e-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestTimeoutMiddleware_SlowHandler(t *testing.T) {
	logs := observeLogs(t)
	release := make(chan struct{})
	finished := make(chan error, 1)

	h := TimeoutMiddleware(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		<-release
		w.Header().Set("X-Late", "yes")
		_, err := w.Write([]byte("late body"))
		finished <- err
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/top-senders", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Type)
	assert.Equal(t, "Request timeout", resp.Message)

	close(release)
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, http.ErrHandlerTimeout)
	case <-time.After(time.Second):
		t.Fatal("handler never returned")
	}
	assert.NotContains(t, rec.Body.String(), "late body")
	assert.Empty(t, rec.Header().Get("X-Late"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TimeoutsTotal.WithLabelValues("/stats/top-senders")))
	warn := logs.FilterMessage("Request timed out").All()
	require.Len(t, warn, 1)
	assert.Equal(t, "/stats/top-senders", warn[0].ContextMap()["endpoint"])
}

func TestTimeoutMiddleware_ClientCancelled(t *testing.T) {
	logs := observeLogs(t)

	h := TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/emails/x@tempmail.test", nil).WithContext(ctx))

	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, logs.FilterMessage("Request timed out").Len())
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.TimeoutsTotal))
}

func TestTimeoutMiddleware_PropagatesPanic(t *testing.T) {
	observeLogs(t)

	h := RecoveryMiddleware(TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/domains", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBufferedWriter(t *testing.T) {
	b := newBufferedWriter()
	b.WriteHeader(http.StatusAccepted)
	b.WriteHeader(http.StatusTeapot)
	_, err := b.Write([]byte("ok"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	b.flushTo(rec)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	b.abandon()
	_, err = b.Write([]byte("more"))
	assert.ErrorIs(t, err, http.ErrHandlerTimeout)
}

package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := global.Load()
	Replace(zap.New(core))
	t.Cleanup(func() { global.Store(prev) })
	return logs
}

func TestMiddleware_RequestIDReachesHandler(t *testing.T) {
	logs := observe(t)
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		WithContext(r.Context()).Info("listing")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/list?path=/alice/photos", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	entries := logs.FilterField(zap.String("request_id", "abc")).All()
	require.Len(t, entries, 2)
	assert.Equal(t, "listing", entries[0].Message)
	assert.Equal(t, "/alice/photos", entries[1].ContextMap()["object"])
}

func TestMiddleware_LevelFollowsStatus(t *testing.T) {
	for _, tc := range []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusNotFound, zapcore.WarnLevel},
		{http.StatusBadGateway, zapcore.ErrorLevel},
	} {
		logs := observe(t)
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/info", nil))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, tc.level, entries[0].Level, "status %d", tc.status)
	}
}

func TestMiddleware_GeneratesDistinctIDs(t *testing.T) {
	observe(t)
	h := Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		id := rec.Header().Get("X-Request-ID")
		assert.NotEmpty(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 3)
}

func TestWithContext_OutsideRequest(t *testing.T) {
	observe(t)
	assert.Same(t, L(), WithContext(t.Context()))
	assert.Empty(t, GetRequestID(t.Context()))
}

package apicache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMiddlewareAddsHeadersToCacheableResponse(t *testing.T) {
	handler := Middleware(newPolicy(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"topics":[]}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discourse/v1/topics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, wantCacheControl, rec.Header().Get("Cache-Control"))
	require.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))
}

func TestMiddlewareImplicitStatusCountsAsOK(t *testing.T) {
	handler := Middleware(newPolicy(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok")) // no explicit WriteHeader
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discourse/v1/topics", nil))

	require.Equal(t, wantCacheControl, rec.Header().Get("Cache-Control"))
}

func TestMiddlewareLeavesPersonalizedResponsesAlone(t *testing.T) {
	handler := Middleware(newPolicy(t), func(*http.Request) bool { return true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discourse/v1/topics", nil))

	require.Empty(t, rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("Vary"))
}

func TestMiddlewareSkipsErrorStatuses(t *testing.T) {
	handler := Middleware(newPolicy(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discourse/v1/topics", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, rec.Header().Get("Vary"))
}

func TestMiddlewareRespectsOriginCacheControl(t *testing.T) {
	handler := Middleware(newPolicy(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discourse/v1/topics", nil))

	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("Vary"))
}

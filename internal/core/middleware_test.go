package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"pipagent/internal/config"
	"pipagent/internal/types"
)

// --- Helpers ---

type stubAuthenticator struct {
	actor *types.Actor
	err   error
}

func (s *stubAuthenticator) ResolveToken(_ context.Context, _ string) (*types.Actor, error) {
	return s.actor, s.err
}

type recordedRequest struct {
	method, route, status string
}

type stubMetrics struct {
	calls []recordedRequest
}

func (m *stubMetrics) RecordRequest(method, route, status string, _ time.Duration) {
	m.calls = append(m.calls, recordedRequest{method, route, status})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Security.CorsAllowedOrigins = []string{"*"}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body APIErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// --- AuthMiddleware ---

func TestAuthMiddleware_ValidToken_InjectsActor(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &stubAuthenticator{actor: &types.Actor{ID: "user-1", Type: types.ActorTypeUser}}

	var got types.Actor
	var found bool
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = types.GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/opportunities/new", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !found || got.ID != "user-1" {
		t.Errorf("actor: got %+v (found=%v)", got, found)
	}
}

func TestAuthMiddleware_NoHeader_PassesThroughAnonymously(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &stubAuthenticator{err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "bad", nil)}

	var found bool
	handler := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, found = types.GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if found {
		t.Error("expected no actor in context")
	}
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		authErr  error
		wantCode types.ErrorCode
	}{
		{"malformed header", "Token abc", nil, types.ErrCodeAuthTokenMissing},
		{"invalid token", "Bearer abc", types.NewAppError(types.ErrCodeAuthTokenInvalid, "bad", nil), types.ErrCodeAuthTokenInvalid},
		{"expired token", "Bearer abc", types.NewAppError(types.ErrCodeAuthTokenExpired, "expired", nil), types.ErrCodeAuthTokenExpired},
		{"plain error", "bearer abc", io.ErrUnexpectedEOF, types.ErrCodeAuthTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.Authenticator = &stubAuthenticator{err: tt.authErr}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			srv.AuthMiddleware(okHandler).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status: got %d, want 401", rec.Code)
			}
			if got := decodeErrorBody(t, rec).Code; got != string(tt.wantCode) {
				t.Errorf("code: got %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	handler := RequireAuth(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: got %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithActor(req.Context(), types.Actor{ID: "u", Type: types.ActorTypeUser}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated: got %d, want 200", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  xyz  ": "xyz",
		"Basic abc":     "",
		"Bear":          "",
	}
	for in, want := range cases {
		if got := extractBearerToken(in); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- RateLimit ---

func TestClientRateLimiter_BurstThenDeny(t *testing.T) {
	l := NewClientRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("ip:1.2.3.4"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, remaining := l.Allow("ip:1.2.3.4"); ok || remaining != 0 {
		t.Errorf("third request: allowed=%v remaining=%d", ok, remaining)
	}
	if ok, _ := l.Allow("ip:5.6.7.8"); !ok {
		t.Error("other client should have its own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow("ip:1.2.3.4"); !ok {
		t.Error("bucket should refill after one second")
	}
}

func TestClientRateLimiter_SweepsIdleClients(t *testing.T) {
	l := NewClientRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(limiterIdleTTL + time.Minute)
	l.Allow("b")

	if _, ok := l.clients["a"]; ok {
		t.Error("idle client should have been swept")
	}
}

func TestRateLimit_Middleware(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimiter = NewClientRateLimiter(0.001, 1)
	handler := srv.RateLimit(okHandler)

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("/api/opportunities/new"); rec.Code != http.StatusOK {
		t.Fatalf("first: got %d", rec.Code)
	}
	rec := send("/api/opportunities/new")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := decodeErrorBody(t, rec).Code; got != string(types.ErrCodeRateLimit) {
		t.Errorf("code: got %q", got)
	}
	if rec := send("/health"); rec.Code != http.StatusOK {
		t.Errorf("health should bypass limiter, got %d", rec.Code)
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := extractClientIP(req); got != "192.0.2.1" {
		t.Errorf("remote addr: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Errorf("forwarded: got %q", got)
	}
}

// --- Base middleware ---

func TestRecoverer_ReturnsJSON500(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec).Code; got != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code: got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-42" || rec.Header().Get("X-Request-Id") != "req-42" {
		t.Errorf("inbound id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Request-Id"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-42" {
		t.Errorf("expected a generated id, got %q", seen)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/trips", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status: got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/trips", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin should get no CORS headers, got %q", got)
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	metrics := &stubMetrics{}
	srv.Metrics = metrics

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Post("/opportunities/{id}/seen", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/opportunities/abc/seen", nil))

	if len(metrics.calls) != 1 {
		t.Fatalf("expected 1 metric call, got %d", len(metrics.calls))
	}
	want := recordedRequest{http.MethodPost, "/opportunities/{id}/seen", "204"}
	if metrics.calls[0] != want {
		t.Errorf("got %+v, want %+v", metrics.calls[0], want)
	}
}

// --- Routing ---

func TestMountRoutes_RegistrarsUnderBothPrefixes(t *testing.T) {
	srv := newTestServer(t)
	srv.RouteRegistrars = []RouteRegistrar{func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: "pong"})
		})
	}}
	srv.MountRoutes()

	for _, path := range []string{"/api/ping", "/v1/ping"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing security headers", path)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown route: got %d", rec.Code)
	}
	if got := decodeErrorBody(t, rec).Code; got != string(types.ErrCodeNotFoundRoute) {
		t.Errorf("unknown route code: got %q", got)
	}
}

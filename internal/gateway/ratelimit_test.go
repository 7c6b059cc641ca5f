package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/stockdesk/internal/config"
	"github.com/basket/stockdesk/internal/gateway"
)

func limited(rpm, burst int) (*gateway.RateLimitMiddleware, http.Handler) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: rpm,
		BurstSize:         burst,
	}, nil)
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set(gateway.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	_, h := limited(60, 3)
	for i := 0; i < 3; i++ {
		if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(h, "/api/tasks", "alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 600/min refills one token every 100ms.
	_, h := limited(600, 1)
	if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	time.Sleep(150 * time.Millisecond)
	if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	_, h := limited(60, 2)
	for i := 0; i < 2; i++ {
		hit(h, "/api/tasks", "alice")
	}
	if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "/api/tasks", "bob"); rec.Code != http.StatusOK {
		t.Fatalf("bob: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_OnlyAPIRoutes(t *testing.T) {
	_, h := limited(60, 1)
	hit(h, "/api/tasks", "")
	if rec := hit(h, "/api/tasks", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for anonymous caller, got %d", rec.Code)
	}
	for _, path := range []string{"/healthz", "/metrics"} {
		if rec := hit(h, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, h := limited(60, 10)
	for _, u := range []string{"a", "b", "c"} {
		hit(h, "/api/tasks", u)
	}
	if n := rl.BucketCount(); n != 3 {
		t.Fatalf("expected 3 buckets, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	hit(h, "/api/tasks", "a")
	rl.EvictStale(10 * time.Millisecond)
	if n := rl.BucketCount(); n != 1 {
		t.Fatalf("expected 1 bucket after eviction, got %d", n)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, BurstSize: 1}, nil)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		if rec := hit(h, "/api/tasks", "alice"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

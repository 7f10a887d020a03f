package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"custodia/gateway/auth"
)

func TestRateLimiterThrottlesPerKey(t *testing.T) {
	rl := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2}, nil)
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/stats", nil)
		req.Header.Set(auth.HeaderAPIKey, "merchant-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("burst requests rejected: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third request not throttled: %v", statuses)
	}

	// A different key has its own bucket.
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set(auth.HeaderAPIKey, "merchant-2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("independent key throttled: %d", rec.Code)
	}
}

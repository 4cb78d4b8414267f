package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	clock := time.Unix(1000, 0)
	rl.now = func() time.Time { return clock }

	handler := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Key") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	send := func(key string) int {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("a"); code != http.StatusNoContent {
			t.Fatalf("Request %d within burst got %d", i+1, code)
		}
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 over burst, got %d", code)
	}
	if code := send("b"); code != http.StatusNoContent {
		t.Errorf("Other keys have their own bucket, got %d", code)
	}

	clock = clock.Add(time.Second)
	if code := send("a"); code != http.StatusNoContent {
		t.Errorf("Expected refill after one second, got %d", code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	clock := time.Unix(1000, 0)
	rl.now = func() time.Time { return clock }

	rl.Allow("old")
	clock = clock.Add(2 * time.Minute)
	rl.Allow("fresh")
	clock = clock.Add(2 * time.Minute)

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 idle bucket removed, got %d", removed)
	}
	if _, ok := rl.visitors["fresh"]; !ok {
		t.Error("Recently used bucket should be kept")
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name        string
		origins     []string
		origin      string
		method      string
		wantCode    int
		wantAllow   string
		wantCredits bool
	}{
		{"explicit origin", []string{"https://app.test"}, "https://app.test", "GET", http.StatusTeapot, "https://app.test", true},
		{"wildcard", []string{"*"}, "https://other.test", "GET", http.StatusTeapot, "https://other.test", false},
		{"unknown origin", []string{"https://app.test"}, "https://evil.test", "GET", http.StatusTeapot, "", false},
		{"preflight", []string{"*"}, "https://other.test", "OPTIONS", http.StatusOK, "https://other.test", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			CORS(tt.origins)(next).ServeHTTP(w, r)

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Expected allow origin %q, got %q", tt.wantAllow, got)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCredits {
				t.Errorf("Expected credentials %v, got %v", tt.wantCredits, got)
			}
		})
	}
}

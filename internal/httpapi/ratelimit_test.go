package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"turnos/internal/store/memory"
)

func TestRateLimiterPerIP(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/public/queue", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/public/queue", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("other clients must not be throttled, got %d", resp.Code)
	}
}

func TestRateLimiterPerBusinessCountsVerifiedTokensOnly(t *testing.T) {
	st := memory.NewStore()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	st.PutPublicTokenHash(businessID, string(hash))

	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, BusinessPerMinute: 1, BusinessBurst: 1})
	handler := limiter.Middleware(NewAuth(st, nil).Middleware(limiter.BusinessMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))))

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/public/tickets", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Business-Token", token)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}
	for i := 0; i < 3; i++ {
		if code := send(businessID + ".forged"); code != http.StatusUnauthorized {
			t.Fatalf("forged token: expected 401, got %d", code)
		}
	}
	if code := send(businessID + "." + secret); code != http.StatusCreated {
		t.Fatalf("first verified: expected 201, got %d", code)
	}
	if code := send(businessID + "." + secret); code != http.StatusTooManyRequests {
		t.Fatalf("second verified: expected 429, got %d", code)
	}
}

func TestKeyedLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := newKeyedLimiter(60, 1)
	l.now = func() time.Time { return now }

	l.allow("a")
	now = now.Add(limiterIdle + 2*time.Minute)
	l.allow("b")
	if _, ok := l.entries["a"]; ok {
		t.Fatalf("idle key should be evicted")
	}
	if len(l.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(l.entries))
	}
}

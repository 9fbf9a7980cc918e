package gigachat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

func TestTokenSource_JWTPassthrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "should not be called", http.StatusInternalServerError)
	}))
	defer srv.Close()

	jwt := "eyJhbGc.eyJzdWI.c2lnbmF0dXJl"
	ts := NewTokenSource(jwt, WithTokenURL(srv.URL))

	for i := 0; i < 3; i++ {
		got, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error: %v", err)
		}
		if got != jwt {
			t.Errorf("Token() = %q, want the seed unchanged", got)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("expected zero network calls for a JWT seed, got %d", n)
	}
}

func TestTokenSource_BlankCredential(t *testing.T) {
	ts := NewTokenSource("   ")
	_, err := ts.Token(context.Background())
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("expected ErrAuth for blank credential, got %v", err)
	}
}

func TestTokenSource_OAuthExchange(t *testing.T) {
	var calls atomic.Int32
	var gotAuth, gotRqUID, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth = r.Header.Get("Authorization")
		gotRqUID = r.Header.Get("RqUID")
		b := make([]byte, 256)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","expires_in":1800}`))
	}))
	defer srv.Close()

	ts := NewTokenSource("basic-key", WithTokenURL(srv.URL))

	got, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "tok-123" {
		t.Errorf("Token() = %q, want tok-123", got)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Errorf("Authorization = %q, want Basic prefix", gotAuth)
	}
	if gotRqUID == "" {
		t.Error("expected a RqUID correlation header")
	}
	if gotBody != "scope="+defaultScope {
		t.Errorf("body = %q, want scope form field", gotBody)
	}

	// A second call within the validity window must reuse the cache.
	got2, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() second call error: %v", err)
	}
	if got2 != got {
		t.Errorf("second Token() = %q, want cached %q", got2, got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 token request, got %d", n)
	}
}

func TestTokenSource_RefreshNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Write([]byte(`{"access_token":"tok-first","expires_in":60}`))
		} else {
			w.Write([]byte(`{"access_token":"tok-second","expires_in":3600}`))
		}
	}))
	defer srv.Close()

	now := time.Now()
	clock := &now
	ts := NewTokenSource("basic-key", WithTokenURL(srv.URL), withClock(func() time.Time { return *clock }))

	first, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if first != "tok-first" {
		t.Fatalf("Token() = %q, want tok-first", first)
	}

	// Jump to within the 30s margin of the 60s expiry: must refresh.
	later := now.Add(45 * time.Second)
	clock = &later

	second, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() after expiry margin error: %v", err)
	}
	if second != "tok-second" {
		t.Errorf("Token() = %q, want refreshed tok-second", second)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 token requests, got %d", n)
	}
}

func TestTokenSource_DefaultTTLWhenUnreported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok-noexp"}`))
	}))
	defer srv.Close()

	now := time.Now()
	ts := NewTokenSource("basic-key", WithTokenURL(srv.URL), withClock(func() time.Time { return now }))

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	ts.mu.Lock()
	expiresAt := ts.expiresAt
	ts.mu.Unlock()

	want := now.Add(defaultTokenTTL)
	if !expiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want now+%v = %v", expiresAt, defaultTokenTTL, want)
	}
}

func TestTokenSource_BadResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not JSON", body: "<html>gateway error</html>"},
		{name: "empty access_token", body: `{"access_token":"   ","expires_in":60}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ts := NewTokenSource("basic-key", WithTokenURL(srv.URL))
			_, err := ts.Token(context.Background())
			if !errors.Is(err, chat.ErrAuth) {
				t.Fatalf("expected ErrAuth, got %v", err)
			}
		})
	}
}

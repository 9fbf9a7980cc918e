package gigachat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

// jwtSeed is a credential that bypasses the OAuth exchange in tests.
const jwtSeed = "head.payload.sig"

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(jwtSeed, "test-model", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, srv
}

func TestNew_EmptyCredential(t *testing.T) {
	_, err := New("", "model")
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("expected ErrAuth for empty credential, got %v", err)
	}
}

func TestProvider_Complete(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices":[{"message":{"content":"  A reply.  "}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
		}`))
	})

	resp, err := p.Complete(context.Background(), chat.CompletionRequest{
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "be brief"},
			{Role: chat.RoleUser, Content: "hello"},
		},
		Temperature: 0.85,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if gotAuth != "Bearer "+jwtSeed {
		t.Errorf("Authorization = %q, want bearer with the seed token", gotAuth)
	}
	if gotReq.Model != "test-model" {
		t.Errorf("request model = %q, want provider default test-model", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 {
		t.Errorf("request messages = %d, want the full transcript (2)", len(gotReq.Messages))
	}
	if resp.Content != "A reply." {
		t.Errorf("Content = %q, want trimmed reply", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestProvider_Complete_ModelOverride(t *testing.T) {
	var gotReq chatRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	_, err := p.Complete(context.Background(), chat.CompletionRequest{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
		Model:    "bigger-model",
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if gotReq.Model != "bigger-model" {
		t.Errorf("request model = %q, want per-request override", gotReq.Model)
	}
}

func TestProvider_Complete_RateLimited(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
	}{
		{name: "HTTP 429", status: http.StatusTooManyRequests, body: `too many requests`},
		{name: "in-body code marker", status: http.StatusOK, body: `{"status":"error","code": 429}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := p.Complete(context.Background(), chat.CompletionRequest{
				Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
			})
			if !errors.Is(err, chat.ErrRateLimited) {
				t.Fatalf("expected ErrRateLimited, got %v", err)
			}
		})
	}
}

func TestProvider_Complete_BadEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "not JSON", body: "<html>oops</html>", wantErr: nil},
		{name: "no choices", body: `{"choices":[]}`, wantErr: chat.ErrEmptyCompletion},
		{name: "blank content", body: `{"choices":[{"message":{"content":"   "}}]}`, wantErr: chat.ErrEmptyCompletion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})

			_, err := p.Complete(context.Background(), chat.CompletionRequest{
				Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestProvider_CountTokens(t *testing.T) {
	p, err := New(jwtSeed, "")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	msgs := []chat.Message{
		{Role: chat.RoleUser, Content: "12345678"}, // 8 chars -> 2 tokens
		{Role: chat.RoleAssistant, Content: "   "}, // blank -> 0
		{Role: chat.RoleUser, Content: "abcde"},    // 5 chars -> 2 tokens (ceil)
	}
	got, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("CountTokens() error: %v", err)
	}
	if got != 4 {
		t.Errorf("CountTokens() = %d, want 4", got)
	}
}

package gigachat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/taleweaver-ai/taleweaver/pkg/provider/chat"
)

const (
	defaultTokenURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	defaultScope    = "GIGACHAT_API_PERS"

	// expiryMargin is the safety window before expiry within which a cached
	// token is considered stale and refreshed.
	expiryMargin = 30 * time.Second

	// jwtAssumedTTL is the validity assumed for a credential that already is a
	// ready bearer token.
	jwtAssumedTTL = time.Hour

	// defaultTokenTTL is used when the token endpoint reports no expiry.
	defaultTokenTTL = 3300 * time.Second
)

// TokenSource obtains and caches a bearer token for the GigaChat API.
//
// The credential seed is interpreted two ways: a string containing at least
// two '.' characters is assumed to already be a JWT bearer token and is cached
// as-is without any network call; anything else is treated as a Basic-auth
// authorization key and exchanged at the OAuth endpoint.
//
// TokenSource is safe for concurrent use. Concurrent refreshes for the same
// source are collapsed into a single OAuth request.
type TokenSource struct {
	credential string
	tokenURL   string
	scope      string
	client     *http.Client
	now        func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a TokenSource for the given credential seed.
// A blank credential is not rejected here; [TokenSource.Token] reports it as
// an authentication error so that the failure surfaces per turn.
func NewTokenSource(credential string, opts ...Option) *TokenSource {
	cfg := defaultOptions()
	for _, o := range opts {
		o(cfg)
	}
	return &TokenSource{
		credential: strings.TrimSpace(credential),
		tokenURL:   cfg.tokenURL,
		scope:      cfg.scope,
		client:     cfg.client,
		now:        cfg.now,
	}
}

// Token returns a bearer token, refreshing the cached one when it is within
// [expiryMargin] of expiry. Errors match [chat.ErrAuth] and are fatal for the
// current turn: a blank credential, an unparseable token response, or a blank
// token in a parsed response cannot be fixed by retrying.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if ts.credential == "" {
		return "", fmt.Errorf("%w: credential is empty", chat.ErrAuth)
	}

	ts.mu.Lock()
	if ts.token != "" && ts.now().Add(expiryMargin).Before(ts.expiresAt) {
		token := ts.token
		ts.mu.Unlock()
		return token, nil
	}
	ts.mu.Unlock()

	// A credential that already looks like a JWT is used directly.
	if strings.Count(ts.credential, ".") >= 2 {
		ts.mu.Lock()
		ts.token = ts.credential
		ts.expiresAt = ts.now().Add(jwtAssumedTTL)
		ts.mu.Unlock()
		return ts.credential, nil
	}

	v, err, _ := ts.group.Do("refresh", func() (any, error) {
		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// oauthResponse mirrors the OAuth token endpoint payload. expires_at is Unix
// milliseconds; expires_in is seconds. Either may be absent.
type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh exchanges the Basic-auth key for a fresh token and caches it.
func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	basic := ts.credential
	if !strings.HasPrefix(strings.ToLower(basic), "basic ") {
		basic = "Basic " + basic
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader("scope="+ts.scope))
	if err != nil {
		return "", fmt.Errorf("gigachat: build token request: %w", err)
	}
	req.Header.Set("Authorization", basic)
	req.Header.Set("RqUID", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gigachat: token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gigachat: read token response: %w", err)
	}

	var oauth oauthResponse
	if err := json.Unmarshal(raw, &oauth); err != nil {
		return "", fmt.Errorf("%w: cannot parse token response: %v", chat.ErrAuth, err)
	}

	token := strings.TrimSpace(oauth.AccessToken)
	if token == "" {
		return "", fmt.Errorf("%w: token response has empty access_token", chat.ErrAuth)
	}

	now := ts.now()
	var expiresAt time.Time
	switch {
	case oauth.ExpiresAt > 0:
		expiresAt = time.UnixMilli(oauth.ExpiresAt)
	case oauth.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(oauth.ExpiresIn) * time.Second)
	default:
		expiresAt = now.Add(defaultTokenTTL)
	}

	ts.mu.Lock()
	ts.token = token
	ts.expiresAt = expiresAt
	ts.mu.Unlock()

	return token, nil
}

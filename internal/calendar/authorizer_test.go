package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type memCredStore struct {
	mu      sync.Mutex
	cred    *Credential
	cleared bool
}

func (s *memCredStore) SaveCredential(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	s.cred = &copied
	return nil
}

func (s *memCredStore) GetCredential() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, errors.New("no credential stored")
	}
	copied := *s.cred
	return &copied, nil
}

func (s *memCredStore) DeleteCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *memCredStore) ClearCalendarData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	return nil
}

// visitingOpener plays the browser role: it receives the authorization
// URL and calls the loopback redirect the way the provider would.
type visitingOpener struct {
	visit func(authURL *url.URL)
}

func (o visitingOpener) OpenExternal(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	go o.visit(parsed)
	return nil
}

func redirectWith(t *testing.T, authURL *url.URL, params url.Values) *http.Response {
	t.Helper()
	redirect := authURL.Query().Get("redirect_uri")
	if redirect == "" {
		t.Error("authorization URL has no redirect_uri")
		return nil
	}
	resp, err := http.Get(redirect + "?" + params.Encode())
	if err != nil {
		t.Errorf("redirect request failed: %v", err)
		return nil
	}
	_ = resp.Body.Close()
	return resp
}

func tokenEndpoint(t *testing.T, email string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "authorization_code" {
			http.Error(w, "unexpected grant type", http.StatusBadRequest)
			return
		}
		if r.FormValue("code_verifier") == "" {
			http.Error(w, "missing code verifier", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"access_token": "at-fresh",
			"refresh_token": "rt-fresh",
			"token_type": "Bearer",
			"expires_in": 3600,
			"scope": "openid email",
			"id_token": %q
		}`, fakeIDToken(t, map[string]any{"email": email}))
	}))
}

func newTestAuthorizer(store *memCredStore, tokenURL string, opts ...AuthorizerOption) *Authorizer {
	base := []AuthorizerOption{
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   "http://provider.invalid/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}),
		WithAuthTimeout(5 * time.Second),
	}
	return NewAuthorizer(store, nil, append(base, opts...)...)
}

func TestBeginAuthorizationHappyPath(t *testing.T) {
	provider := tokenEndpoint(t, "user@example.com")
	defer provider.Close()

	store := &memCredStore{}
	auth := newTestAuthorizer(store, provider.URL, WithOpener(visitingOpener{
		visit: func(authURL *url.URL) {
			redirectWith(t, authURL, url.Values{
				"state": {authURL.Query().Get("state")},
				"code":  {"auth-code"},
			})
		},
	}))

	result, err := auth.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Email != "user@example.com" {
		t.Errorf("result email = %q", result.Email)
	}

	cred, err := store.GetCredential()
	if err != nil {
		t.Fatal(err)
	}
	if cred.AccessToken != "at-fresh" || cred.RefreshToken != "rt-fresh" {
		t.Errorf("stored credential = %+v", cred)
	}
	if cred.AccountEmail != "user@example.com" {
		t.Errorf("stored email = %q", cred.AccountEmail)
	}
}

func TestPKCEChallengeMatchesVerifier(t *testing.T) {
	var (
		mu       sync.Mutex
		verifier string
	)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		mu.Lock()
		verifier = r.FormValue("code_verifier")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"access_token": "at-fresh",
			"refresh_token": "rt-fresh",
			"token_type": "Bearer",
			"expires_in": 3600,
			"id_token": %q
		}`, fakeIDToken(t, map[string]any{"email": "user@example.com"}))
	}))
	defer provider.Close()

	var (
		challenge string
		method    string
	)
	store := &memCredStore{}
	auth := newTestAuthorizer(store, provider.URL, WithOpener(visitingOpener{
		visit: func(authURL *url.URL) {
			mu.Lock()
			challenge = authURL.Query().Get("code_challenge")
			method = authURL.Query().Get("code_challenge_method")
			mu.Unlock()
			redirectWith(t, authURL, url.Values{
				"state": {authURL.Query().Get("state")},
				"code":  {"auth-code"},
			})
		},
	}))

	if _, err := auth.BeginAuthorization(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != "S256" {
		t.Errorf("code_challenge_method = %q", method)
	}
	if verifier == "" || challenge == "" {
		t.Fatal("verifier or challenge not observed")
	}
	digest := sha256.Sum256([]byte(verifier))
	if got := base64.RawURLEncoding.EncodeToString(digest[:]); got != challenge {
		t.Errorf("S256(verifier) = %q, challenge sent = %q", got, challenge)
	}
}

func TestBeginAuthorizationRejectsBadState(t *testing.T) {
	provider := tokenEndpoint(t, "user@example.com")
	defer provider.Close()

	store := &memCredStore{}
	auth := newTestAuthorizer(store, provider.URL, WithOpener(visitingOpener{
		visit: func(authURL *url.URL) {
			// A forged redirect is rejected without resolving the flow.
			resp := redirectWith(t, authURL, url.Values{
				"state": {"forged-state"},
				"code":  {"attacker-code"},
			})
			if resp != nil && resp.StatusCode != http.StatusBadRequest {
				t.Errorf("forged state got status %d, want 400", resp.StatusCode)
			}

			// The legitimate redirect still completes it.
			redirectWith(t, authURL, url.Values{
				"state": {authURL.Query().Get("state")},
				"code":  {"auth-code"},
			})
		},
	}))

	result, err := auth.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Email != "user@example.com" {
		t.Errorf("result email = %q", result.Email)
	}
}

func TestBeginAuthorizationProviderDenied(t *testing.T) {
	store := &memCredStore{}
	auth := newTestAuthorizer(store, "http://provider.invalid/token", WithOpener(visitingOpener{
		visit: func(authURL *url.URL) {
			redirectWith(t, authURL, url.Values{
				"state": {authURL.Query().Get("state")},
				"error": {"access_denied"},
			})
		},
	}))

	_, err := auth.BeginAuthorization(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if store.cred != nil {
		t.Error("denied flow must not persist a credential")
	}
}

func TestBeginAuthorizationTimesOut(t *testing.T) {
	store := &memCredStore{}
	auth := newTestAuthorizer(store, "http://provider.invalid/token",
		WithOpener(visitingOpener{visit: func(*url.URL) {}}),
		WithAuthTimeout(100*time.Millisecond),
	)

	_, err := auth.BeginAuthorization(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Stage != "timeout" {
		t.Errorf("stage = %q, want timeout", authErr.Stage)
	}
}

func TestTimeoutNeverPairsWithPersistedCredential(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The exchange outlives the authorization deadline.
		time.Sleep(300 * time.Millisecond)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"access_token": "at-fresh",
			"refresh_token": "rt-fresh",
			"token_type": "Bearer",
			"expires_in": 3600,
			"id_token": %q
		}`, fakeIDToken(t, map[string]any{"email": "user@example.com"}))
	}))
	defer provider.Close()

	store := &memCredStore{}
	auth := newTestAuthorizer(store, provider.URL,
		WithOpener(visitingOpener{
			visit: func(authURL *url.URL) {
				redirectWith(t, authURL, url.Values{
					"state": {authURL.Query().Get("state")},
					"code":  {"auth-code"},
				})
			},
		}),
		WithAuthTimeout(100*time.Millisecond),
	)

	result, err := auth.BeginAuthorization(context.Background())

	// A redirect that claims the flow before the deadline decides the
	// attempt; a timeout error alongside a saved credential must never
	// happen.
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
		if store.cred != nil {
			t.Fatal("failed authorization persisted a credential")
		}
		return
	}
	if result.Email != "user@example.com" {
		t.Errorf("result email = %q", result.Email)
	}
	if store.cred == nil {
		t.Error("successful authorization did not persist a credential")
	}
}

func TestRefreshSkippedWhileTokenFresh(t *testing.T) {
	calls := 0
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer provider.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := &memCredStore{cred: &Credential{
		AccountEmail: "user@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    now.Add(10 * time.Minute).UnixMilli(),
	}}
	auth := newTestAuthorizer(store, provider.URL, WithClock(func() time.Time { return now }))

	if err := auth.RefreshIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("token endpoint called %d times for a fresh token", calls)
	}
}

func TestRefreshWithinSkewWindow(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "rt-1" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "at-2", "expires_in": 3600}`)
	}))
	defer provider.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := &memCredStore{cred: &Credential{
		AccountEmail: "user@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    now.Add(2 * time.Minute).UnixMilli(),
	}}
	auth := newTestAuthorizer(store, provider.URL, WithClock(func() time.Time { return now }))

	if err := auth.RefreshIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}

	cred, err := store.GetCredential()
	if err != nil {
		t.Fatal(err)
	}
	if cred.AccessToken != "at-2" {
		t.Errorf("access token = %q, want at-2", cred.AccessToken)
	}
	if cred.RefreshToken != "rt-1" {
		t.Errorf("refresh token = %q; must be retained", cred.RefreshToken)
	}
	if cred.AccountEmail != "user@example.com" {
		t.Errorf("account email = %q; must be retained", cred.AccountEmail)
	}
	if got, want := cred.Expiry(), now.Add(time.Hour); !got.Equal(want) {
		t.Errorf("expiry = %v, want %v", got, want)
	}
}

func TestRefreshSurfacesProviderError(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "Token has been revoked."}`)
	}))
	defer provider.Close()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := &memCredStore{cred: &Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    now.UnixMilli(),
	}}
	auth := newTestAuthorizer(store, provider.URL, WithClock(func() time.Time { return now }))

	err := auth.RefreshIfNeeded(context.Background())
	if !IsTokenError(err) {
		t.Fatalf("expected TokenError, got %v", err)
	}
}

func TestConnectionStatus(t *testing.T) {
	store := &memCredStore{}
	auth := newTestAuthorizer(store, "http://provider.invalid/token")

	if status := auth.ConnectionStatus(); status.Connected {
		t.Error("empty store reported connected")
	}

	now := time.Now()
	store.cred = &Credential{AccountEmail: "user@example.com", ExpiresAt: now.UnixMilli()}
	status := auth.ConnectionStatus()
	if !status.Connected || status.Email != "user@example.com" {
		t.Errorf("status = %+v", status)
	}
}

func TestDisconnectDestroysCredentialAndData(t *testing.T) {
	store := &memCredStore{cred: &Credential{AccountEmail: "user@example.com"}}
	auth := newTestAuthorizer(store, "http://provider.invalid/token")

	if err := auth.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if store.cred != nil {
		t.Error("credential not deleted")
	}
	if !store.cleared {
		t.Error("calendar data not cleared")
	}
}

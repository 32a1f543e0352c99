package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/logger"
)

const (
	// AuthorizationTimeout bounds one authorization attempt; if no valid
	// redirect arrives in this window the listener is torn down.
	AuthorizationTimeout = 120 * time.Second

	// refreshSkew triggers a token refresh when expiry is closer than this.
	refreshSkew = 5 * time.Minute
)

// CredentialStore is the slice of persistence the authorizer needs.
type CredentialStore interface {
	SaveCredential(cred *Credential) error
	GetCredential() (*Credential, error)
	DeleteCredential() error
	ClearCalendarData() error
}

// Opener hands a URL to the system browser. Fire-and-forget.
type Opener interface {
	OpenExternal(url string) error
}

// BrowserOpener opens URLs with xdg-open.
type BrowserOpener struct{}

func (BrowserOpener) OpenExternal(url string) error {
	return exec.Command("xdg-open", url).Start()
}

// AuthResult is the successful outcome of one authorization attempt.
type AuthResult struct {
	Email string
}

// Authorizer runs the PKCE authorization-code flow against the calendar
// provider and keeps the stored credential fresh.
type Authorizer struct {
	store      CredentialStore
	opener     Opener
	broadcast  *bus.Bus
	endpoint   oauth2.Endpoint
	clientID   string
	scopes     []string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
}

// AuthorizerOption customizes an Authorizer (used by tests to point at
// fake endpoints and clocks).
type AuthorizerOption func(*Authorizer)

func WithEndpoint(endpoint oauth2.Endpoint) AuthorizerOption {
	return func(a *Authorizer) { a.endpoint = endpoint }
}

func WithOpener(opener Opener) AuthorizerOption {
	return func(a *Authorizer) { a.opener = opener }
}

func WithAuthTimeout(d time.Duration) AuthorizerOption {
	return func(a *Authorizer) { a.timeout = d }
}

func WithClock(now func() time.Time) AuthorizerOption {
	return func(a *Authorizer) { a.now = now }
}

func NewAuthorizer(credStore CredentialStore, broadcast *bus.Bus, opts ...AuthorizerOption) *Authorizer {
	clientID := GoogleOAuthClientID
	if envID := os.Getenv(ClientIDEnvVar); envID != "" {
		clientID = envID
	}

	a := &Authorizer{
		store:      credStore,
		opener:     BrowserOpener{},
		broadcast:  broadcast,
		endpoint:   google.Endpoint,
		clientID:   clientID,
		scopes:     OAuthScopes,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		timeout:    AuthorizationTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type authOutcome struct {
	result *AuthResult
	err    error
}

// authFlow is the single-resolution slot for one authorization attempt.
// Whoever claims it first (redirect handler, timeout, cancellation, or
// listener failure) owns the outcome; a redirect arriving after the
// claim is turned away before it can persist anything.
type authFlow struct {
	mu       sync.Mutex
	claimed  bool
	outcomes chan authOutcome
}

func newAuthFlow() *authFlow {
	return &authFlow{outcomes: make(chan authOutcome, 1)}
}

func (f *authFlow) claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return false
	}
	f.claimed = true
	return true
}

// resolve delivers the outcome. Only the claimant may call it, so the
// buffered send never blocks.
func (f *authFlow) resolve(o authOutcome) {
	f.outcomes <- o
}

// BeginAuthorization runs the full PKCE flow: loopback listener on an
// ephemeral port, browser hand-off, code exchange, identity extraction,
// credential persistence. It blocks until the flow resolves, fails, or
// times out. The listener is closed exactly once on every exit path.
func (a *Authorizer) BeginAuthorization(ctx context.Context) (*AuthResult, error) {
	verifier := oauth2.GenerateVerifier()

	state, err := newStateToken()
	if err != nil {
		return nil, NewAuthError("authorize", "failed to generate state").WithCause(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, NewAuthError("authorize", "failed to open loopback listener").WithCause(err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	conf := &oauth2.Config{
		ClientID:    a.clientID,
		Endpoint:    a.endpoint,
		RedirectURL: fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Scopes:      a.scopes,
	}

	flow := newAuthFlow()

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		a.handleRedirect(r.Context(), w, r, conf, state, verifier, flow)
	})

	server := &http.Server{Handler: mux}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			if flow.claim() {
				flow.resolve(authOutcome{err: NewAuthError("authorize", "loopback listener failed").WithCause(serveErr)})
			}
		}
	}()

	var closeOnce sync.Once
	closeListener := func() {
		closeOnce.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("loopback listener shutdown failed", "error", err)
			}
		})
	}
	defer closeListener()

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	logger.Info("starting authorization flow", "redirect_port", port)
	if err := a.opener.OpenExternal(authURL); err != nil {
		// Not fatal: the URL can still be opened manually.
		logger.Warn("failed to open system browser", "error", err)
		fmt.Printf("Open this URL to authorize:\n%s\n", authURL)
	}

	timeout := time.NewTimer(a.timeout)
	defer timeout.Stop()

	finish := func(out authOutcome) (*AuthResult, error) {
		if out.err != nil {
			return nil, out.err
		}
		if a.broadcast != nil {
			a.broadcast.Publish(bus.ChannelConnectionChanged, a.ConnectionStatus())
		}
		return out.result, nil
	}

	select {
	case out := <-flow.outcomes:
		return finish(out)
	case <-timeout.C:
		if flow.claim() {
			return nil, NewAuthError("timeout", fmt.Sprintf("no authorization redirect within %s", a.timeout))
		}
		// A redirect claimed the flow just before the deadline; its
		// outcome decides the attempt.
		return finish(<-flow.outcomes)
	case <-ctx.Done():
		if flow.claim() {
			return nil, NewAuthError("authorize", "authorization cancelled").WithCause(ctx.Err())
		}
		return finish(<-flow.outcomes)
	}
}

// handleRedirect processes one request to the loopback callback. A bad
// state parameter rejects the single request but keeps the flow waiting;
// provider errors and exchange failures resolve the whole flow.
func (a *Authorizer) handleRedirect(ctx context.Context, w http.ResponseWriter, r *http.Request, conf *oauth2.Config, state, verifier string, flow *authFlow) {
	query := r.URL.Query()

	if query.Get("state") != state {
		logger.Warn("rejecting redirect with mismatched state")
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	if providerErr := query.Get("error"); providerErr != "" {
		renderFailurePage(w, "The provider reported: "+providerErr)
		if flow.claim() {
			flow.resolve(authOutcome{err: NewAuthError("authorize", "provider denied authorization: "+providerErr)})
		}
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// The flow is claimed before the exchange: once a timeout or
	// cancellation owns it, nothing below may persist a credential.
	if !flow.claim() {
		logger.Warn("rejecting redirect on an already resolved flow")
		renderFailurePage(w, "Authorization already resolved")
		return
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := conf.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		renderFailurePage(w, "Token exchange failed")
		flow.resolve(authOutcome{err: NewAuthError("exchange", "code exchange failed").WithCause(err)})
		return
	}

	idToken, _ := token.Extra("id_token").(string)
	email, err := emailFromIDToken(idToken)
	if err != nil {
		renderFailurePage(w, "Could not determine account identity")
		flow.resolve(authOutcome{err: NewAuthError("identity", "failed to extract account email").WithCause(err)})
		return
	}

	scope, _ := token.Extra("scope").(string)
	if scope == "" {
		scope = strings.Join(a.scopes, " ")
	}

	cred := &Credential{
		AccountEmail: email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UnixMilli(),
		Scope:        scope,
	}
	if err := a.store.SaveCredential(cred); err != nil {
		renderFailurePage(w, "Could not persist credential")
		flow.resolve(authOutcome{err: NewAuthError("exchange", "failed to persist credential").WithCause(err)})
		return
	}

	logger.Info("authorization complete", "email", email)
	renderSuccessPage(w, email)
	flow.resolve(authOutcome{result: &AuthResult{Email: email}})
}

// RefreshIfNeeded refreshes the access token when it expires within the
// skew window. On success the new access token and expiry are persisted
// while the refresh token and account email are retained.
func (a *Authorizer) RefreshIfNeeded(ctx context.Context) error {
	cred, err := a.store.GetCredential()
	if err != nil {
		return NewTokenError("refresh", "no credential stored").WithCause(err)
	}

	if !cred.ExpiresWithin(a.now(), refreshSkew) {
		return nil
	}

	if cred.RefreshToken == "" {
		return NewTokenError("refresh", "no refresh token available")
	}

	logger.Debug("refreshing access token", "email", cred.AccountEmail, "expires_at", cred.Expiry())

	params := url.Values{
		"client_id":     {a.clientID},
		"refresh_token": {cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return NewTokenError("refresh", "failed to build refresh request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return NewTokenError("refresh", "refresh request failed").WithCause(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("failed to close refresh response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return NewTokenError("refresh", fmt.Sprintf("%s - %s", errResp.Error, errResp.ErrorDescription))
		}
		return NewTokenError("refresh", fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return NewTokenError("refresh", "failed to decode refresh response").WithCause(err)
	}
	if tokenResp.AccessToken == "" || tokenResp.ExpiresIn <= 0 {
		return NewTokenError("refresh", "refresh response missing required fields")
	}

	cred.AccessToken = tokenResp.AccessToken
	cred.ExpiresAt = a.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()

	if err := a.store.SaveCredential(cred); err != nil {
		return NewTokenError("refresh", "failed to persist refreshed credential").WithCause(err)
	}

	logger.Debug("access token refreshed", "expires_at", cred.Expiry())
	return nil
}

// TokenSource returns an oauth2 token source that refreshes lazily
// before every calendar API call.
func (a *Authorizer) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &refreshingTokenSource{ctx: ctx, auth: a}
}

type refreshingTokenSource struct {
	ctx  context.Context
	auth *Authorizer
}

func (ts *refreshingTokenSource) Token() (*oauth2.Token, error) {
	if err := ts.auth.RefreshIfNeeded(ts.ctx); err != nil {
		return nil, err
	}
	cred, err := ts.auth.store.GetCredential()
	if err != nil {
		return nil, NewTokenError("load", "no credential stored").WithCause(err)
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.Expiry(),
	}, nil
}

// ConnectionStatus reports the UI-facing credential state.
func (a *Authorizer) ConnectionStatus() ConnectionStatus {
	cred, err := a.store.GetCredential()
	if err != nil {
		return ConnectionStatus{}
	}
	return ConnectionStatus{
		Connected: true,
		Email:     cred.AccountEmail,
		ExpiresAt: cred.Expiry(),
	}
}

// Disconnect destroys the credential and all synced calendar data.
func (a *Authorizer) Disconnect() error {
	if err := a.store.DeleteCredential(); err != nil {
		return err
	}
	if err := a.store.ClearCalendarData(); err != nil {
		return err
	}
	if a.broadcast != nil {
		a.broadcast.Publish(bus.ChannelConnectionChanged, ConnectionStatus{})
	}
	logger.Info("calendar disconnected")
	return nil
}

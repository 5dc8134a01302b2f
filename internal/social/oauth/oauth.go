// Package oauth implements the authorization-code flow shared by the
// providers: CSRF state, optional PKCE, code exchange, refresh and revoke.
// Provider differences (parameter names, scope separators, expiry defaults)
// are declarative Config data rather than per-provider code paths.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
)

const (
	// stateBytes yields 40 base64url characters of CSRF state.
	stateBytes = 30
	// verifierBytes yields a 64 character PKCE code verifier.
	verifierBytes = 48
)

// Config declares one provider's OAuth endpoints and dialect.
type Config struct {
	Provider     social.Provider
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL   string
	TokenURL  string
	RevokeURL string // empty when the provider has no revoke endpoint

	Scopes []string
	// ScopeSeparator joins Scopes in the authorization URL; defaults to a
	// space. TikTok joins with commas.
	ScopeSeparator string
	// ClientIDParam overrides the client id parameter name; TikTok uses
	// "client_key" instead of "client_id".
	ClientIDParam string
	// UsePKCE adds an S256 code challenge to the authorization request and a
	// code verifier to the exchange.
	UsePKCE bool
	// DefaultExpiry is applied when the token response omits expires_in.
	// Providers differ: Discord 7 days, TikTok 24 hours, most others 1 hour.
	DefaultExpiry time.Duration
	// ExtraAuthParams are appended verbatim to the authorization URL
	// (e.g. access_type=offline for Google, force_verify for Twitch).
	ExtraAuthParams map[string]string
}

func (c Config) clientIDParam() string {
	if c.ClientIDParam == "" {
		return "client_id"
	}
	return c.ClientIDParam
}

func (c Config) scopeSeparator() string {
	if c.ScopeSeparator == "" {
		return " "
	}
	return c.ScopeSeparator
}

// Engine drives the authorization lifecycle for one provider configuration.
// It implements social.Authorizer.
type Engine struct {
	cfg      Config
	client   *http.Client
	sessions *SessionStore
}

// NewEngine builds an engine over the given HTTP client. A nil client uses
// http.DefaultClient.
func NewEngine(cfg Config, client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = time.Hour
	}
	return &Engine{cfg: cfg, client: client, sessions: NewSessionStore(DefaultSessionTTL)}
}

// Sessions exposes the session store, mainly for tests.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// AuthorizeURL starts an authorization attempt: it generates the CSRF state
// (and PKCE verifier where required), stores them in a transient session and
// returns the provider authorization URL plus the session id.
func (e *Engine) AuthorizeURL(ctx context.Context) (string, string, error) {
	state, err := randomToken(stateBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}

	sess := Session{State: state, Provider: e.cfg.Provider}
	if e.cfg.UsePKCE {
		verifier, err := randomToken(verifierBytes)
		if err != nil {
			return "", "", fmt.Errorf("generate code verifier: %w", err)
		}
		sess.Verifier = verifier
	}
	id := e.sessions.Put(sess)

	q := url.Values{}
	q.Set(e.cfg.clientIDParam(), e.cfg.ClientID)
	q.Set("redirect_uri", e.cfg.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(e.cfg.Scopes, e.cfg.scopeSeparator()))
	q.Set("state", state)
	if e.cfg.UsePKCE {
		q.Set("code_challenge", pkceChallenge(sess.Verifier))
		q.Set("code_challenge_method", "S256")
	}
	for k, v := range e.cfg.ExtraAuthParams {
		q.Set(k, v)
	}

	sep := "?"
	if strings.Contains(e.cfg.AuthURL, "?") {
		sep = "&"
	}
	return e.cfg.AuthURL + sep + q.Encode(), id, nil
}

// Exchange consumes the session and trades the authorization code for a
// token. A missing session or a state mismatch fails closed without touching
// the token endpoint.
func (e *Engine) Exchange(ctx context.Context, sessionID, returnedState, code string) (social.Token, error) {
	sess, ok := e.sessions.Take(sessionID)
	if !ok {
		return social.Token{}, social.InvalidStateError{Provider: e.cfg.Provider}
	}
	if subtle.ConstantTimeCompare([]byte(sess.State), []byte(returnedState)) != 1 {
		return social.Token{}, social.InvalidStateError{Provider: e.cfg.Provider}
	}

	form := url.Values{}
	form.Set(e.cfg.clientIDParam(), e.cfg.ClientID)
	form.Set("client_secret", e.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", e.cfg.RedirectURL)
	if sess.Verifier != "" {
		form.Set("code_verifier", sess.Verifier)
	}

	logutil.Debugf("%s: exchanging authorization code", e.cfg.Provider)
	return e.tokenRequest(ctx, form, social.Token{})
}

// Refresh posts the refresh grant. When the provider omits a new refresh
// token in the response, the previous one is preserved: some providers
// rotate refresh tokens, some do not, and dropping one silently would strand
// the account.
func (e *Engine) Refresh(ctx context.Context, tok social.Token) (social.Token, error) {
	if tok.RefreshToken == "" {
		return social.Token{}, social.UnauthorizedError{Provider: e.cfg.Provider, Reason: "no refresh token"}
	}

	form := url.Values{}
	form.Set(e.cfg.clientIDParam(), e.cfg.ClientID)
	form.Set("client_secret", e.cfg.ClientSecret)
	form.Set("refresh_token", tok.RefreshToken)
	form.Set("grant_type", "refresh_token")

	logutil.Debugf("%s: refreshing access token", e.cfg.Provider)
	return e.tokenRequest(ctx, form, tok)
}

// Revoke invalidates the token at the provider, best effort: a failure to
// revoke never blocks account deletion.
func (e *Engine) Revoke(ctx context.Context, tok social.Token) bool {
	if e.cfg.RevokeURL == "" {
		return false
	}
	form := url.Values{}
	form.Set(e.cfg.clientIDParam(), e.cfg.ClientID)
	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", e.cfg.ClientSecret)
	}
	form.Set("token", tok.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		logutil.Debugf("%s: revoke failed: %v", e.cfg.Provider, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	OpenID           string `json:"open_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (e *Engine) tokenRequest(ctx context.Context, form url.Values, prev social.Token) (social.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return social.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return social.Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return social.Token{}, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return social.Token{}, social.ProviderError{Provider: e.cfg.Provider, Status: resp.StatusCode, Message: "malformed token response"}
	}

	if tr.AccessToken == "" {
		msg := firstNonEmpty(tr.ErrorDescription, tr.Error, tr.Message, "no access token in response")
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return social.Token{}, social.UnauthorizedError{Provider: e.cfg.Provider, Reason: msg}
		}
		return social.Token{}, social.ProviderError{Provider: e.cfg.Provider, Status: resp.StatusCode, Message: msg}
	}

	expiry := e.cfg.DefaultExpiry
	if tr.ExpiresIn > 0 {
		expiry = time.Duration(tr.ExpiresIn) * time.Second
	}

	tok := social.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(expiry),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = prev.RefreshToken
	}
	if tr.OpenID != "" {
		tok.Extra = map[string]string{"open_id": tr.OpenID}
	}
	return tok, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

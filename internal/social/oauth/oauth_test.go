package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, tokenURL string, extra func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Provider:     "discord",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/callback",
		AuthURL:      "https://provider.example.com/authorize",
		TokenURL:     tokenURL,
		Scopes:       []string{"identify", "guilds"},
	}
	if extra != nil {
		extra(&cfg)
	}
	return NewEngine(cfg, http.DefaultClient)
}

func TestAuthorizeURL(t *testing.T) {
	t.Run("standard dialect", func(t *testing.T) {
		engine := testEngine(t, "https://provider.example.com/token", nil)

		rawURL, sessionID, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)
		require.NotEmpty(t, sessionID)

		parsed, err := url.Parse(rawURL)
		require.NoError(t, err)
		q := parsed.Query()
		assert.Equal(t, "client-id", q.Get("client_id"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "identify guilds", q.Get("scope"))
		assert.Len(t, q.Get("state"), 40)
		assert.Empty(t, q.Get("code_challenge"))
	})

	t.Run("tiktok dialect", func(t *testing.T) {
		engine := testEngine(t, "https://provider.example.com/token", func(cfg *Config) {
			cfg.ClientIDParam = "client_key"
			cfg.ScopeSeparator = ","
			cfg.UsePKCE = true
		})

		rawURL, _, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)

		parsed, err := url.Parse(rawURL)
		require.NoError(t, err)
		q := parsed.Query()
		assert.Equal(t, "client-id", q.Get("client_key"))
		assert.Empty(t, q.Get("client_id"))
		assert.Equal(t, "identify,guilds", q.Get("scope"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.NotEmpty(t, q.Get("code_challenge"))
	})

	t.Run("each attempt gets distinct state", func(t *testing.T) {
		engine := testEngine(t, "https://provider.example.com/token", nil)

		first, _, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)
		second, _, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)

		q1, _ := url.Parse(first)
		q2, _ := url.Parse(second)
		assert.NotEqual(t, q1.Query().Get("state"), q2.Query().Get("state"))
	})
}

func TestExchange(t *testing.T) {
	t.Run("state mismatch never reaches the token endpoint", func(t *testing.T) {
		var tokenCalls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"access_token": "should-not-happen"})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		_, sessionID, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)

		_, err = engine.Exchange(context.Background(), sessionID, "forged-state", "code-123")
		var invalid social.InvalidStateError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, int64(0), tokenCalls.Load())
	})

	t.Run("state is single use", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		rawURL, sessionID, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)
		parsed, _ := url.Parse(rawURL)
		state := parsed.Query().Get("state")

		_, err = engine.Exchange(context.Background(), sessionID, state, "code-123")
		require.NoError(t, err)

		// the session was consumed
		_, err = engine.Exchange(context.Background(), sessionID, state, "code-123")
		var invalid social.InvalidStateError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("successful exchange normalizes expiry", func(t *testing.T) {
		var form url.Values
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "tok",
				"refresh_token": "ref",
				"expires_in":    7200,
			})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		rawURL, sessionID, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)
		parsed, _ := url.Parse(rawURL)

		tok, err := engine.Exchange(context.Background(), sessionID, parsed.Query().Get("state"), "code-123")
		require.NoError(t, err)
		assert.Equal(t, "tok", tok.AccessToken)
		assert.Equal(t, "ref", tok.RefreshToken)
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), tok.ExpiresAt, time.Minute)

		assert.Equal(t, "authorization_code", form.Get("grant_type"))
		assert.Equal(t, "code-123", form.Get("code"))
	})

	t.Run("missing expires_in applies provider default", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok"})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, func(cfg *Config) {
			cfg.DefaultExpiry = 7 * 24 * time.Hour
		})
		rawURL, sessionID, err := engine.AuthorizeURL(context.Background())
		require.NoError(t, err)
		parsed, _ := url.Parse(rawURL)

		tok, err := engine.Exchange(context.Background(), sessionID, parsed.Query().Get("state"), "code-123")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), tok.ExpiresAt, time.Minute)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("preserves refresh token when response omits one", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
			json.NewEncoder(w).Encode(map[string]any{"access_token": "new-access", "expires_in": 3600})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		tok, err := engine.Refresh(context.Background(), social.Token{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
		})
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok.AccessToken)
		assert.Equal(t, "old-refresh", tok.RefreshToken, "omitted refresh token must carry over")
	})

	t.Run("adopts rotated refresh token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "new-access",
				"refresh_token": "rotated",
				"expires_in":    3600,
			})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		tok, err := engine.Refresh(context.Background(), social.Token{RefreshToken: "old-refresh"})
		require.NoError(t, err)
		assert.Equal(t, "rotated", tok.RefreshToken)
	})

	t.Run("no refresh token is unauthorized", func(t *testing.T) {
		engine := testEngine(t, "https://unused.example.com", nil)
		_, err := engine.Refresh(context.Background(), social.Token{AccessToken: "only-access"})
		var unauthorized social.UnauthorizedError
		require.ErrorAs(t, err, &unauthorized)
	})

	t.Run("rejected refresh is unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
		}))
		defer server.Close()

		engine := testEngine(t, server.URL, nil)
		_, err := engine.Refresh(context.Background(), social.Token{RefreshToken: "revoked"})
		var unauthorized social.UnauthorizedError
		require.ErrorAs(t, err, &unauthorized)
	})
}

func TestSessionStore_TTL(t *testing.T) {
	store := NewSessionStore(10 * time.Millisecond)
	id := store.Put(Session{Provider: "discord", State: "s"})

	time.Sleep(20 * time.Millisecond)
	_, ok := store.Take(id)
	assert.False(t, ok, "expired sessions must not be handed out")
}

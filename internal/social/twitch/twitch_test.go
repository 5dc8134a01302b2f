package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := social.NewMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "acc-1", social.Token{
		AccessToken: "helix-tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	client, err := New(Config{
		ClientID:     "twitch-app",
		ClientSecret: "twitch-secret",
		APIBaseURL:   server.URL,
		OAuthBaseURL: server.URL + "/oauth2",
	}, social.NewTokenManager(store, 0), server.Client())
	require.NoError(t, err)
	return client
}

func testAccount() social.Account {
	return social.Account{
		ID:         "acc-1",
		Provider:   social.ProviderTwitch,
		ExternalID: "12345",
		Username:   "streamer",
	}
}

func TestCapabilities(t *testing.T) {
	assert.True(t, Capabilities.SimultaneousPosting,
		"each account announces to its own channel, so one post may target several accounts")
}

func TestPublish(t *testing.T) {
	t.Run("sends a chat announcement", func(t *testing.T) {
		var gotPath, gotAuth, gotClientID string
		var gotQuery map[string][]string
		var gotBody map[string]any
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.Query()
			gotAuth = r.Header.Get("Authorization")
			gotClientID = r.Header.Get("Client-Id")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.WriteHeader(http.StatusNoContent)
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text:    "stream starts in ten",
			Options: map[string]any{"color": "purple"},
		})
		require.Nil(t, res.Failure)

		assert.Equal(t, "/chat/announcements", gotPath)
		assert.Equal(t, []string{"12345"}, gotQuery["broadcaster_id"])
		assert.Equal(t, []string{"12345"}, gotQuery["moderator_id"])
		assert.Equal(t, "Bearer helix-tok", gotAuth)
		assert.Equal(t, "twitch-app", gotClientID)
		assert.Equal(t, "stream starts in ten", gotBody["message"])
		assert.Equal(t, "purple", gotBody["color"])

		// Helix returns 204, the id is synthetic.
		_, err := uuid.Parse(res.PostID)
		assert.NoError(t, err)
		assert.Equal(t, "https://www.twitch.tv/streamer", res.URL)
	})

	t.Run("unknown color falls back to primary", func(t *testing.T) {
		var gotBody map[string]any
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.WriteHeader(http.StatusNoContent)
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text:    "hello",
			Options: map[string]any{"color": "magenta"},
		})
		require.Nil(t, res.Failure)
		assert.Equal(t, "primary", gotBody["color"])
	})

	t.Run("media is rejected up front", func(t *testing.T) {
		var calls int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text:  "hello",
			Media: []social.Media{{Kind: social.MediaPhoto, URL: "https://example.com/x.png"}},
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailValidation, res.Failure.Kind)
		assert.Zero(t, calls)
	})

	t.Run("expired grant maps to unauthorized", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Invalid OAuth token"}`))
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{Text: "hi"})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailUnauthorized, res.Failure.Kind)
	})
}

func TestFetchIdentity(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"12345","login":"streamer","display_name":"Streamer","profile_image_url":"https://cdn/img.png","broadcaster_type":"affiliate"}]}`))
	}))

	identity, err := client.FetchIdentity(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "12345", identity.ID)
	assert.Equal(t, "streamer", identity.Username)
	assert.Equal(t, "Streamer", identity.Name)
	assert.Equal(t, "affiliate", identity.Extra["broadcaster_type"])
}

func TestFetchMetrics(t *testing.T) {
	t.Run("live channel reports viewers", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/channels/followers":
				w.Write([]byte(`{"total":4200}`))
			case "/streams":
				w.Write([]byte(`{"data":[{"viewer_count":177}]}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))

		metrics, err := client.FetchMetrics(context.Background(), testAccount())
		require.NoError(t, err)
		assert.Equal(t, int64(4200), metrics.Counts["followers"])
		assert.Equal(t, int64(177), metrics.Counts["viewers"])
		assert.True(t, metrics.Live)
	})

	t.Run("offline channel", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/channels/followers":
				w.Write([]byte(`{"total":4200}`))
			case "/streams":
				w.Write([]byte(`{"data":[]}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))

		metrics, err := client.FetchMetrics(context.Background(), testAccount())
		require.NoError(t, err)
		assert.False(t, metrics.Live)
		assert.Zero(t, metrics.Counts["viewers"])
	})
}

func TestValidateToken(t *testing.T) {
	t.Run("returns the introspection payload", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/oauth2/validate", r.URL.Path)
			assert.Equal(t, "OAuth helix-tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"client_id":"twitch-app","login":"streamer","user_id":"12345","scopes":["user:read:email"],"expires_in":5520838}`))
		}))

		v, err := client.ValidateToken(context.Background(), testAccount())
		require.NoError(t, err)
		assert.Equal(t, "twitch-app", v.ClientID)
		assert.Equal(t, "streamer", v.Login)
		assert.Equal(t, "12345", v.UserID)
		assert.Equal(t, []string{"user:read:email"}, v.Scopes)
		assert.EqualValues(t, 5520838, v.ExpiresIn)
	})

	t.Run("rejected token maps to unauthorized", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
		}))

		_, err := client.ValidateToken(context.Background(), testAccount())
		var uerr social.UnauthorizedError
		require.ErrorAs(t, err, &uerr)
	})
}

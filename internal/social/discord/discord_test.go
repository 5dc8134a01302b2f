package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg Config, handler http.Handler) *Client {
	t.Helper()
	for _, env := range []string{envClientID, envClientSecret, envRedirectURL, envBotToken, envWebhookURL} {
		t.Setenv(env, "")
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.APIBaseURL = server.URL
	cfg.OAuthBaseURL = server.URL + "/oauth2"
	if cfg.ClientID == "" {
		cfg.ClientID = "app-id"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "app-secret"
	}
	tokens := social.NewTokenManager(social.NewMemoryTokenStore(), 0)
	client, err := New(cfg, tokens, server.Client())
	require.NoError(t, err)
	return client
}

func TestNew(t *testing.T) {
	t.Run("bot token wins over webhook", func(t *testing.T) {
		client := newTestClient(t, Config{BotToken: "bot-tok", WebhookURL: "https://discord.com/api/webhooks/1/x"}, http.NotFoundHandler())
		assert.Equal(t, ModeBot, client.Mode())
	})

	t.Run("webhook only needs no oauth application", func(t *testing.T) {
		tokens := social.NewTokenManager(social.NewMemoryTokenStore(), 0)
		client, err := New(Config{WebhookURL: "https://discord.com/api/webhooks/1/x"}, tokens, http.DefaultClient)
		require.NoError(t, err)
		assert.Equal(t, ModeWebhook, client.Mode())
	})

	t.Run("missing credentials reported", func(t *testing.T) {
		tokens := social.NewTokenManager(social.NewMemoryTokenStore(), 0)
		_, err := New(Config{ClientID: "only-id"}, tokens, http.DefaultClient)
		var missing social.MissingEnvError
		require.ErrorAs(t, err, &missing)
		assert.Contains(t, missing.Variables, envClientSecret)
	})
}

func TestPublish(t *testing.T) {
	t.Run("bot message to channel", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotPayload map[string]any
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
			w.Write([]byte(`{"id":"9001","channel_id":"42"}`))
		}))

		account := social.Account{
			ID:       "acc-1",
			Provider: social.ProviderDiscord,
			Data:     map[string]string{"guild_id": "7", "channel_id": "42"},
		}
		res := client.Publish(context.Background(), account, social.PublishRequest{Text: "hello world"})
		require.Nil(t, res.Failure)

		assert.Equal(t, "/channels/42/messages", gotPath)
		assert.Equal(t, "Bot bot-tok", gotAuth)
		assert.Equal(t, "hello world", gotPayload["content"])
		assert.Equal(t, "42:9001", res.PostID)
		assert.Equal(t, "https://discord.com/channels/7/42/9001", res.URL)
	})

	t.Run("channel id option overrides account data", func(t *testing.T) {
		var gotPath string
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Write([]byte(`{"id":"1","channel_id":"99"}`))
		}))

		account := social.Account{ID: "acc-1", Provider: social.ProviderDiscord, Data: map[string]string{"channel_id": "42"}}
		res := client.Publish(context.Background(), account, social.PublishRequest{
			Text:    "hi",
			Options: map[string]any{"channel_id": "99"},
		})
		require.Nil(t, res.Failure)
		assert.Equal(t, "/channels/99/messages", gotPath)
	})

	t.Run("webhook delivery uses multipart for local files", func(t *testing.T) {
		media := filepath.Join(t.TempDir(), "pic.png")
		require.NoError(t, os.WriteFile(media, []byte("png-bytes"), 0o644))

		var gotContentType, gotQuery string
		var payloadJSON, fileBody string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotQuery = r.URL.RawQuery
			require.NoError(t, r.ParseMultipartForm(1<<20))
			payloadJSON = r.FormValue("payload_json")
			f, _, err := r.FormFile("files[0]")
			require.NoError(t, err)
			defer f.Close()
			buf := make([]byte, 64)
			n, _ := f.Read(buf)
			fileBody = string(buf[:n])
			w.Write([]byte(`{"id":"2","channel_id":"55"}`))
		})
		server := httptest.NewServer(handler)
		defer server.Close()

		client := newTestClient(t, Config{WebhookURL: server.URL + "/webhooks/1/x", ClientID: "id", ClientSecret: "sec"}, http.NotFoundHandler())
		res := client.Publish(context.Background(), social.Account{ID: "a", Provider: social.ProviderDiscord}, social.PublishRequest{
			Text:  "with file",
			Media: []social.Media{{Kind: social.MediaPhoto, Path: media}},
		})
		require.Nil(t, res.Failure)

		assert.Contains(t, gotContentType, "multipart/form-data")
		assert.Contains(t, gotQuery, "wait=true")
		assert.Contains(t, payloadJSON, `"content":"with file"`)
		assert.Equal(t, "png-bytes", fileBody)
		assert.Equal(t, "55:2", res.PostID)
	})

	t.Run("remote images become embeds", func(t *testing.T) {
		var gotPayload map[string]any
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
			w.Write([]byte(`{"id":"3","channel_id":"42"}`))
		}))

		account := social.Account{ID: "a", Provider: social.ProviderDiscord, Data: map[string]string{"channel_id": "42"}}
		res := client.Publish(context.Background(), account, social.PublishRequest{
			Text:  "look",
			Media: []social.Media{{Kind: social.MediaPhoto, URL: "https://example.com/cat.png"}},
		})
		require.Nil(t, res.Failure)

		embeds, ok := gotPayload["embeds"].([]any)
		require.True(t, ok)
		require.Len(t, embeds, 1)
		image := embeds[0].(map[string]any)["image"].(map[string]any)
		assert.Equal(t, "https://example.com/cat.png", image["url"])
	})

	t.Run("validation failure before any request", func(t *testing.T) {
		var calls int
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		account := social.Account{ID: "a", Provider: social.ProviderDiscord, Data: map[string]string{"channel_id": "42"}}
		res := client.Publish(context.Background(), account, social.PublishRequest{
			Text: strings.Repeat("x", Capabilities.MaxTextChars+1),
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailValidation, res.Failure.Kind)
		assert.False(t, res.Failure.Retryable)
		assert.Zero(t, calls)
	})

	t.Run("unauthorized maps to non-retryable failure", func(t *testing.T) {
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"401: Unauthorized"}`))
		}))

		account := social.Account{ID: "a", Provider: social.ProviderDiscord, Data: map[string]string{"channel_id": "42"}}
		res := client.Publish(context.Background(), account, social.PublishRequest{Text: "hi"})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailUnauthorized, res.Failure.Kind)
		assert.False(t, res.Failure.Retryable)
	})

	t.Run("rate limit is retryable", func(t *testing.T) {
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited."}`))
		}))

		account := social.Account{ID: "a", Provider: social.ProviderDiscord, Data: map[string]string{"channel_id": "42"}}
		res := client.Publish(context.Background(), account, social.PublishRequest{Text: "hi"})
		require.NotNil(t, res.Failure)
		assert.True(t, res.Failure.Retryable)
	})
}

func TestDelete(t *testing.T) {
	t.Run("addresses channel and message from the post id", func(t *testing.T) {
		var gotMethod, gotPath string
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}))

		err := client.Delete(context.Background(), social.Account{ID: "a"}, "42:9001")
		require.NoError(t, err)
		assert.Equal(t, http.MethodDelete, gotMethod)
		assert.Equal(t, "/channels/42/messages/9001", gotPath)
	})

	t.Run("rejects malformed post id", func(t *testing.T) {
		client := newTestClient(t, Config{BotToken: "bot-tok"}, http.NotFoundHandler())
		err := client.Delete(context.Background(), social.Account{ID: "a"}, "9001")
		var verr social.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestExternalURL(t *testing.T) {
	client := newTestClient(t, Config{BotToken: "bot-tok"}, http.NotFoundHandler())

	withGuild := social.Account{Data: map[string]string{"guild_id": "7"}}
	assert.Equal(t, "https://discord.com/channels/7/42/9001", client.ExternalURL(withGuild, "42:9001"))

	noGuild := social.Account{}
	assert.Equal(t, "https://discord.com", client.ExternalURL(noGuild, "42:9001"))
}

func TestSplitPostID(t *testing.T) {
	ch, msg, err := splitPostID("42:9001")
	require.NoError(t, err)
	assert.Equal(t, "42", ch)
	assert.Equal(t, "9001", msg)

	for _, bad := range []string{"", "42", ":9001", "42:"} {
		_, _, err := splitPostID(bad)
		assert.Error(t, err, bad)
	}
}

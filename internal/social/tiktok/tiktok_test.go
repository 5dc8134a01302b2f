package tiktok

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := social.NewMemoryTokenStore()
	require.NoError(t, store.SaveToken(context.Background(), "acc-1", social.Token{
		AccessToken: "tiktok-tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	client, err := New(Config{
		ClientKey:    "app-key",
		ClientSecret: "app-secret",
		APIBaseURL:   server.URL,
	}, social.NewTokenManager(store, 0), server.Client())
	require.NoError(t, err)
	return client
}

func testAccount() social.Account {
	return social.Account{ID: "acc-1", Provider: social.ProviderTikTok, Username: "creator"}
}

func okEnvelope(data string) string {
	return fmt.Sprintf(`{"data":%s,"error":{"code":"ok","message":""}}`, data)
}

func TestPublish(t *testing.T) {
	t.Run("remote video uses pull from url and stays processing", func(t *testing.T) {
		var gotBody map[string]any
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/post/publish/video/init/", r.URL.Path)
			assert.Equal(t, "Bearer tiktok-tok", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			io.WriteString(w, okEnvelope(`{"publish_id":"v_pub_123"}`))
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text:  "new drop",
			Media: []social.Media{{Kind: social.MediaVideo, URL: "https://8.8.8.8/clip.mp4"}},
		})
		require.Nil(t, res.Failure)

		assert.Equal(t, "v_pub_123", res.PostID)
		assert.True(t, res.Processing, "tiktok publishing is asynchronous")

		source := gotBody["source_info"].(map[string]any)
		assert.Equal(t, "PULL_FROM_URL", source["source"])
		assert.Equal(t, "https://8.8.8.8/clip.mp4", source["video_url"])
		postInfo := gotBody["post_info"].(map[string]any)
		assert.Equal(t, "new drop", postInfo["title"])
		assert.Equal(t, "SELF_ONLY", postInfo["privacy_level"], "private by default")
	})

	t.Run("local video initializes a file upload and streams chunks", func(t *testing.T) {
		video := filepath.Join(t.TempDir(), "clip.mp4")
		payload := []byte("mp4-bytes-go-here")
		require.NoError(t, os.WriteFile(video, payload, 0o644))

		var initBody map[string]any
		var uploaded []byte
		mux := http.NewServeMux()
		var serverURL string
		mux.HandleFunc("/post/publish/video/init/", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&initBody))
			io.WriteString(w, okEnvelope(fmt.Sprintf(`{"publish_id":"v_pub_456","upload_url":"%s/upload"}`, serverURL)))
		})
		mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			uploaded = append(uploaded, body...)
			assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
			assert.NotEmpty(t, r.Header.Get("Content-Range"))
			w.WriteHeader(http.StatusCreated)
		})
		server := httptest.NewServer(mux)
		defer server.Close()
		serverURL = server.URL

		client := newTestClient(t, mux)
		// point at the mux server so init and upload share one host
		client.cfg.APIBaseURL = server.URL
		client.http = server.Client()

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text:  "local upload",
			Media: []social.Media{{Kind: social.MediaVideo, Path: video}},
		})
		require.Nil(t, res.Failure)
		assert.Equal(t, "v_pub_456", res.PostID)
		assert.True(t, res.Processing)
		assert.Equal(t, payload, uploaded)

		source := initBody["source_info"].(map[string]any)
		assert.Equal(t, "FILE_UPLOAD", source["source"])
		assert.EqualValues(t, len(payload), source["video_size"])
		assert.EqualValues(t, 1, source["total_chunk_count"])
	})

	t.Run("remote photos publish as a carousel", func(t *testing.T) {
		var gotBody map[string]any
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/post/publish/content/init/", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			io.WriteString(w, okEnvelope(`{"publish_id":"p_pub_789"}`))
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Text: "photo dump",
			Media: []social.Media{
				{Kind: social.MediaPhoto, URL: "https://8.8.8.8/one.jpg"},
				{Kind: social.MediaPhoto, URL: "https://8.8.8.8/two.jpg"},
			},
			Options: map[string]any{"cover_index": 1},
		})
		require.Nil(t, res.Failure)
		assert.Equal(t, "p_pub_789", res.PostID)
		assert.True(t, res.Processing)

		assert.Equal(t, "PHOTO", gotBody["media_type"])
		assert.Equal(t, "DIRECT_POST", gotBody["post_mode"])
		source := gotBody["source_info"].(map[string]any)
		assert.Equal(t, "FILE_UPLOAD", source["source"])
		assert.EqualValues(t, 1, source["photo_cover_index"])
		images := source["photo_images"].([]any)
		require.Len(t, images, 2)
		assert.Equal(t, "https://8.8.8.8/one.jpg", images[0].(map[string]any)["image_url"])
		assert.Equal(t, "https://8.8.8.8/two.jpg", images[1].(map[string]any)["image_url"])
	})

	t.Run("carousel rejects local photos", func(t *testing.T) {
		var calls int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Media: []social.Media{{Kind: social.MediaPhoto, Path: "/tmp/one.jpg"}},
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailUpload, res.Failure.Kind)
		assert.Zero(t, calls)
	})

	t.Run("carousel is capped at 35 photos", func(t *testing.T) {
		var calls int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		media := make([]social.Media, 36)
		for i := range media {
			media[i] = social.Media{Kind: social.MediaPhoto, URL: fmt.Sprintf("https://8.8.8.8/%d.jpg", i)}
		}
		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{Media: media})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailValidation, res.Failure.Kind)
		assert.Zero(t, calls)
	})

	t.Run("requires a video or photos", func(t *testing.T) {
		var calls int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{Text: "caption only"})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailValidation, res.Failure.Kind)
		assert.Zero(t, calls)
	})

	t.Run("rejects internal pull urls", func(t *testing.T) {
		var calls int
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Media: []social.Media{{Kind: social.MediaVideo, URL: "http://169.254.169.254/clip.mp4"}},
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailUpload, res.Failure.Kind)
		assert.Zero(t, calls)
	})

	t.Run("envelope error code maps to provider failure", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"data":{},"error":{"code":"spam_risk_too_many_posts","message":"daily post cap reached"}}`)
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Media: []social.Media{{Kind: social.MediaVideo, URL: "https://8.8.8.8/clip.mp4"}},
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailProvider, res.Failure.Kind)
		assert.Contains(t, res.Failure.Message, "spam_risk_too_many_posts")
	})

	t.Run("invalid access token maps to unauthorized", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"data":{},"error":{"code":"access_token_invalid","message":"The access token is invalid"}}`)
		}))

		res := client.Publish(context.Background(), testAccount(), social.PublishRequest{
			Media: []social.Media{{Kind: social.MediaVideo, URL: "https://8.8.8.8/clip.mp4"}},
		})
		require.NotNil(t, res.Failure)
		assert.Equal(t, social.FailUnauthorized, res.Failure.Kind)
	})
}

func TestPublishStatus(t *testing.T) {
	cases := []struct {
		name     string
		response string
		status   string
		done     bool
		wantErr  bool
	}{
		{"still processing", okEnvelope(`{"status":"PROCESSING_UPLOAD"}`), "PROCESSING_UPLOAD", false, false},
		{"complete", okEnvelope(`{"status":"PUBLISH_COMPLETE"}`), "PUBLISH_COMPLETE", true, false},
		{"failed", okEnvelope(`{"status":"FAILED","fail_reason":"video_too_long"}`), "FAILED", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotBody map[string]any
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/post/publish/status/fetch/", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
				io.WriteString(w, tc.response)
			}))

			status, done, err := client.PublishStatus(context.Background(), testAccount(), "v_pub_123")
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.done, done)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "v_pub_123", gotBody["publish_id"])
		})
	}
}

func TestFetchMetrics(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/info/", r.URL.Path)
		io.WriteString(w, okEnvelope(`{"user":{"open_id":"o1","display_name":"Creator","username":"creator","follower_count":10,"following_count":3,"likes_count":99,"video_count":7}}`))
	}))

	metrics, err := client.FetchMetrics(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, int64(10), metrics.Counts["followers"])
	assert.Equal(t, int64(99), metrics.Counts["likes"])
	assert.Equal(t, int64(7), metrics.Counts["videos"])
}

func TestExternalURL(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	assert.Equal(t, "https://www.tiktok.com/@creator", client.ExternalURL(testAccount(), "ignored"))
	assert.Equal(t, "https://www.tiktok.com", client.ExternalURL(social.Account{}, "ignored"))
}

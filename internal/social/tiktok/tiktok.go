// Package tiktok publishes videos through the TikTok content posting API.
// Publishing is asynchronous: the API accepts the video and returns a publish
// id that can be polled until TikTok finishes processing.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/oauth"
	"github.com/crosscast/crosscast/internal/social/upload"
)

const (
	envClientKey    = "CROSSCAST_TIKTOK_CLIENT_KEY"
	envClientSecret = "CROSSCAST_TIKTOK_CLIENT_SECRET"
	envRedirectURL  = "CROSSCAST_TIKTOK_REDIRECT_URL"

	defaultAPIBaseURL = "https://open.tiktokapis.com/v2"
	authURL           = "https://www.tiktok.com/v2/auth/authorize/"

	identityFields = "open_id,union_id,avatar_url,display_name,username,follower_count,following_count,likes_count,video_count"
)

// Capabilities: a caption up to 2200 characters and either one video or a
// photo carousel of up to 35 images.
var Capabilities = social.Capabilities{
	MaxTextChars: 2200,
	MaxPhotos:    35,
	MaxVideos:    1,
}

// Config carries the TikTok application credentials.
type Config struct {
	ClientKey    string
	ClientSecret string
	RedirectURL  string

	// APIBaseURL overrides the TikTok endpoint in tests.
	APIBaseURL string
}

// Client implements the provider capabilities for TikTok.
type Client struct {
	cfg    Config
	http   *http.Client
	auth   *oauth.Engine
	tokens *social.TokenManager
}

// New constructs a TikTok client. Empty config fields fall back to
// environment variables.
func New(cfg Config, tokens *social.TokenManager, httpClient *http.Client) (*Client, error) {
	if cfg.ClientKey == "" {
		cfg.ClientKey = strings.TrimSpace(os.Getenv(envClientKey))
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = strings.TrimSpace(os.Getenv(envClientSecret))
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = strings.TrimSpace(os.Getenv(envRedirectURL))
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.UploadTimeout)
	}

	var missing []string
	if cfg.ClientKey == "" {
		missing = append(missing, envClientKey)
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, envClientSecret)
	}
	if len(missing) > 0 {
		return nil, social.MissingEnvError{Provider: social.ProviderTikTok, Variables: missing}
	}

	engine := oauth.NewEngine(oauth.Config{
		Provider:     social.ProviderTikTok,
		ClientID:     cfg.ClientKey,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      authURL,
		TokenURL:     cfg.APIBaseURL + "/oauth/token/",
		RevokeURL:    cfg.APIBaseURL + "/oauth/revoke/",
		Scopes:       []string{"user.info.basic", "user.info.profile", "user.info.stats", "video.publish", "video.upload"},
		// TikTok deviates from the RFC parameter name and joins scopes
		// with commas.
		ClientIDParam:  "client_key",
		ScopeSeparator: ",",
		UsePKCE:        true,
		DefaultExpiry:  24 * time.Hour,
	}, httpClient)

	return &Client{cfg: cfg, http: httpClient, auth: engine, tokens: tokens}, nil
}

// Bundle assembles the TikTok capability bundle. TikTok has no message edit
// or delete API.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderTikTok, Capabilities, c, c, c,
		social.WithAuthorizer(c.auth),
		social.WithMetrics(c),
	)
}

// Publish uploads a video or a photo carousel and returns an accepted result
// carrying the publish id. The caller can poll PublishStatus until processing
// finishes.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderTikTok, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}
	videos := req.MediaOfKind(social.MediaVideo)
	photos := req.MediaOfKind(social.MediaPhoto)
	if len(videos) == 0 && len(photos) == 0 {
		return social.ResultFromError(social.ValidationError{Provider: social.ProviderTikTok, Reason: "a video or at least one photo is required"})
	}
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.ResultFromError(err)
	}

	postInfo := map[string]any{
		"title":           req.Text,
		"privacy_level":   req.OptionString("privacy_level", "SELF_ONLY"),
		"disable_comment": req.OptionBool("disable_comment"),
		"disable_duet":    req.OptionBool("disable_duet"),
		"disable_stitch":  req.OptionBool("disable_stitch"),
	}

	var publishID string
	switch {
	case len(videos) > 0 && videos[0].Remote():
		publishID, err = c.initPull(ctx, tok, postInfo, videos[0].URL)
	case len(videos) > 0:
		publishID, err = c.uploadFile(ctx, tok, postInfo, videos[0].Path)
	default:
		publishID, err = c.initCarousel(ctx, tok, postInfo, photos, req.OptionInt("cover_index"))
	}
	if err != nil {
		return social.ResultFromError(err)
	}
	return social.Accepted(publishID)
}

// PublishStatus polls the publish id. It reports done=true when TikTok has
// finished processing, together with the final status string.
func (c *Client) PublishStatus(ctx context.Context, account social.Account, publishID string) (status string, done bool, err error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return "", false, err
	}
	var data struct {
		Status        string   `json:"status"`
		FailReason    string   `json:"fail_reason"`
		PublicPostIDs []string `json:"publicaly_available_post_id"`
	}
	body := map[string]any{"publish_id": publishID}
	if err := c.apiRequest(ctx, http.MethodPost, "post/publish/status/fetch/", tok, body, &data); err != nil {
		return "", false, err
	}
	switch data.Status {
	case "PUBLISH_COMPLETE":
		return data.Status, true, nil
	case "FAILED":
		return data.Status, true, social.ProviderError{Provider: social.ProviderTikTok, Message: data.FailReason}
	default:
		return data.Status, false, nil
	}
}

// ExternalURL points at the account profile. Publish ids are not addressable
// post URLs.
func (c *Client) ExternalURL(account social.Account, _ string) string {
	if account.Username == "" {
		return "https://www.tiktok.com"
	}
	return "https://www.tiktok.com/@" + account.Username
}

// FetchIdentity maps /user/info/ onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, account social.Account) (social.Identity, error) {
	user, err := c.userInfo(ctx, account)
	if err != nil {
		return social.Identity{}, err
	}
	return social.Identity{
		ID:        user.OpenID,
		Name:      user.DisplayName,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		Extra:     map[string]string{"union_id": user.UnionID},
	}, nil
}

// OnlyUserAccount is true: TikTok exposes no pages or organizations.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports the profile counters.
func (c *Client) FetchMetrics(ctx context.Context, account social.Account) (social.Metrics, error) {
	user, err := c.userInfo(ctx, account)
	if err != nil {
		return social.Metrics{}, err
	}
	return social.Metrics{Counts: map[string]int64{
		"followers": user.FollowerCount,
		"following": user.FollowingCount,
		"likes":     user.LikesCount,
		"videos":    user.VideoCount,
	}}, nil
}

type tiktokUser struct {
	OpenID         string `json:"open_id"`
	UnionID        string `json:"union_id"`
	DisplayName    string `json:"display_name"`
	Username       string `json:"username"`
	AvatarURL      string `json:"avatar_url"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	LikesCount     int64  `json:"likes_count"`
	VideoCount     int64  `json:"video_count"`
}

func (c *Client) userInfo(ctx context.Context, account social.Account) (tiktokUser, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return tiktokUser{}, err
	}
	var data struct {
		User tiktokUser `json:"user"`
	}
	if err := c.apiRequest(ctx, http.MethodGet, "user/info/?fields="+identityFields, tok, nil, &data); err != nil {
		return tiktokUser{}, err
	}
	return data.User, nil
}

// initPull asks TikTok to pull the video from a public URL.
func (c *Client) initPull(ctx context.Context, tok social.Token, postInfo map[string]any, videoURL string) (string, error) {
	if err := httpx.ValidateRemoteURL(ctx, videoURL); err != nil {
		return "", social.UploadError{Provider: social.ProviderTikTok, Reason: err.Error()}
	}
	var data struct {
		PublishID string `json:"publish_id"`
	}
	body := map[string]any{
		"post_info": postInfo,
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": videoURL,
		},
	}
	if err := c.apiRequest(ctx, http.MethodPost, "post/publish/video/init/", tok, body, &data); err != nil {
		return "", err
	}
	return data.PublishID, nil
}

// initCarousel publishes a photo carousel through the content init endpoint.
// TikTok pulls the images itself, so every photo must be a public URL.
func (c *Client) initCarousel(ctx context.Context, tok social.Token, postInfo map[string]any, photos []social.Media, coverIndex int) (string, error) {
	images := make([]map[string]string, 0, len(photos))
	for _, p := range photos {
		if !p.Remote() {
			return "", social.UploadError{Provider: social.ProviderTikTok, Reason: "photo carousel requires public image URLs"}
		}
		if err := httpx.ValidateRemoteURL(ctx, p.URL); err != nil {
			return "", social.UploadError{Provider: social.ProviderTikTok, Reason: err.Error()}
		}
		images = append(images, map[string]string{"image_url": p.URL})
	}
	if coverIndex < 0 || coverIndex >= len(images) {
		coverIndex = 0
	}

	var data struct {
		PublishID string `json:"publish_id"`
	}
	body := map[string]any{
		"post_info": postInfo,
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"photo_cover_index": coverIndex,
			"photo_images":      images,
		},
		"post_mode":  "DIRECT_POST",
		"media_type": "PHOTO",
	}
	if err := c.apiRequest(ctx, http.MethodPost, "post/publish/content/init/", tok, body, &data); err != nil {
		return "", err
	}
	return data.PublishID, nil
}

// uploadFile initializes a FILE_UPLOAD publish and streams the video to the
// returned upload URL in chunks.
func (c *Client) uploadFile(ctx context.Context, tok social.Token, postInfo map[string]any, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", social.UploadError{Provider: social.ProviderTikTok, Reason: err.Error()}
	}
	size := info.Size()
	chunkSize := size
	chunkCount := int64(1)
	if size > upload.DefaultChunkSize {
		chunkSize = upload.DefaultChunkSize
		chunkCount = (size + chunkSize - 1) / chunkSize
	}

	var data struct {
		PublishID string `json:"publish_id"`
		UploadURL string `json:"upload_url"`
	}
	body := map[string]any{
		"post_info": postInfo,
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"video_size":        size,
			"chunk_size":        chunkSize,
			"total_chunk_count": chunkCount,
		},
	}
	if err := c.apiRequest(ctx, http.MethodPost, "post/publish/video/init/", tok, body, &data); err != nil {
		return "", err
	}
	if data.UploadURL == "" {
		return "", social.UploadError{Provider: social.ProviderTikTok, Reason: "init returned no upload URL"}
	}

	sess := &upload.Session{
		Provider:    social.ProviderTikTok,
		UploadURL:   data.UploadURL,
		ChunkSize:   chunkSize,
		ContentType: "video/mp4",
		ExternalID:  data.PublishID,
	}
	// TikTok answers 206 for intermediate chunks and 201 once the final
	// chunk lands.
	classify := func(status int) upload.Signal {
		switch status {
		case http.StatusPartialContent:
			return upload.SignalContinue
		case http.StatusOK, http.StatusCreated:
			return upload.SignalComplete
		default:
			return upload.SignalFatal
		}
	}
	if _, err := upload.PutFile(ctx, c.http, sess, path, classify); err != nil {
		return "", err
	}
	return data.PublishID, nil
}

// apiRequest performs an authenticated call and unwraps TikTok's response
// envelope, whose error object carries code "ok" on success.
func (c *Client) apiRequest(ctx context.Context, method, path string, tok social.Token, body, out any) error {
	var rdr io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+"/"+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		if resp.StatusCode >= 300 {
			return social.ProviderError{Provider: social.ProviderTikTok, Status: resp.StatusCode}
		}
		return fmt.Errorf("decode tiktok response: %w", err)
	}
	if envelope.Error.Code != "" && envelope.Error.Code != "ok" {
		if resp.StatusCode == http.StatusUnauthorized || envelope.Error.Code == "access_token_invalid" {
			return social.UnauthorizedError{Provider: social.ProviderTikTok, Reason: envelope.Error.Message}
		}
		return social.ProviderError{Provider: social.ProviderTikTok, Status: resp.StatusCode, Message: fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message)}
	}
	if resp.StatusCode >= 300 {
		return social.ProviderError{Provider: social.ProviderTikTok, Status: resp.StatusCode}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode tiktok response: %w", err)
		}
	}
	return nil
}

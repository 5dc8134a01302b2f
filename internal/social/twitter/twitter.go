// Package twitter publishes to X (Twitter) with gotwi over OAuth 1.0a
// user-context credentials. Media goes through the segmented
// initialize/append/finalize upload flow.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/media/upload"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/managetweet"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"
)

const (
	envAPIKey       = "CROSSCAST_TWITTER_CONSUMER_KEY"
	envAPISecret    = "CROSSCAST_TWITTER_CONSUMER_SECRET"
	envAccessToken  = "CROSSCAST_TWITTER_ACCESS_TOKEN"
	envAccessSecret = "CROSSCAST_TWITTER_ACCESS_TOKEN_SECRET"

	metadataEndpoint = "https://upload.twitter.com/1.1/media/metadata/create.json"
	usersMeEndpoint  = "https://api.twitter.com/2/users/me?user.fields=profile_image_url,public_metrics"
)

// Capabilities: 280 characters, four photos or one video or one gif, never
// mixed. The same tweet cannot go to two X accounts at once.
var Capabilities = social.Capabilities{
	MinTextChars: 1,
	MaxTextChars: 280,
	MaxPhotos:    4,
	MaxVideos:    1,
	MaxGifs:      1,
}

// Config captures the credentials required for OAuth 1.0a user-context requests.
type Config struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
}

// Client implements the provider capabilities for X (Twitter).
type Client struct {
	api  *gotwi.Client
	http *http.Client
}

// New constructs a Twitter client using gotwi and OAuth 1.0a credentials.
// Empty config fields fall back to environment variables.
func New(cfg Config) (*Client, error) {
	cfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := httpx.NewClient(httpx.UploadTimeout)
	debugEnabled := os.Getenv("CROSSCAST_TWITTER_DEBUG") == "1" || logutil.Verbose()

	client, err := gotwi.NewClient(&gotwi.NewClientInput{
		HTTPClient:           httpClient,
		AuthenticationMethod: gotwi.AuthenMethodOAuth1UserContext,
		OAuthToken:           cfg.AccessToken,
		OAuthTokenSecret:     cfg.AccessSecret,
		APIKey:               cfg.APIKey,
		APIKeySecret:         cfg.APISecret,
		Debug:                debugEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create X client: %w", err)
	}
	if !client.IsReady() {
		return nil, fmt.Errorf("twitter client not ready")
	}

	return &Client{api: client, http: httpClient}, nil
}

func loadConfig(cfg Config) (Config, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(envAPIKey))
	}
	if cfg.APISecret == "" {
		cfg.APISecret = strings.TrimSpace(os.Getenv(envAPISecret))
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = strings.TrimSpace(os.Getenv(envAccessToken))
	}
	if cfg.AccessSecret == "" {
		cfg.AccessSecret = strings.TrimSpace(os.Getenv(envAccessSecret))
	}

	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, envAPIKey)
	}
	if cfg.APISecret == "" {
		missing = append(missing, envAPISecret)
	}
	if cfg.AccessToken == "" {
		missing = append(missing, envAccessToken)
	}
	if cfg.AccessSecret == "" {
		missing = append(missing, envAccessSecret)
	}
	if len(missing) > 0 {
		return Config{}, social.MissingEnvError{Provider: social.ProviderTwitter, Variables: missing}
	}
	return cfg, nil
}

// Bundle assembles the Twitter capability bundle. Authorization happens out
// of band with OAuth 1.0a app credentials, so there is no Authorizer.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderTwitter, Capabilities, c, c, c,
		social.WithDeleter(c),
		social.WithMetrics(c),
	)
}

// Publish uploads any attached media, then creates the tweet.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderTwitter, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}

	var mediaIDs []string
	for _, m := range req.Media {
		logutil.Debugf("twitter: uploading media kind=%s", m.Kind)
		mediaID, err := c.uploadMedia(ctx, m)
		if err != nil {
			return social.ResultFromError(err)
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	input := &managetweettypes.CreateInput{
		Text: gotwi.String(req.Text),
	}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}
	if replyTo := req.OptionString("in_reply_to", ""); replyTo != "" {
		input.Reply = &managetweettypes.CreateInputReply{InReplyToTweetID: replyTo}
	}

	res, err := managetweet.Create(ctx, c.api, input)
	if err != nil {
		return social.ResultFromError(wrapGotwiError(err))
	}
	postID := gotwi.StringValue(res.Data.ID)
	logutil.Debugf("twitter: tweet posted id=%s", postID)

	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// Delete removes a tweet.
func (c *Client) Delete(ctx context.Context, _ social.Account, postID string) error {
	if _, err := managetweet.Delete(ctx, c.api, &managetweettypes.DeleteInput{ID: postID}); err != nil {
		return wrapGotwiError(err)
	}
	return nil
}

// ExternalURL builds the tweet permalink.
func (c *Client) ExternalURL(account social.Account, postID string) string {
	if account.Username == "" || postID == "" {
		return "https://twitter.com"
	}
	return fmt.Sprintf("https://twitter.com/%s/status/%s", account.Username, postID)
}

// FetchIdentity maps /2/users/me onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, _ social.Account) (social.Identity, error) {
	user, err := c.me(ctx)
	if err != nil {
		return social.Identity{}, err
	}
	return social.Identity{
		ID:        user.Data.ID,
		Name:      user.Data.Name,
		Username:  user.Data.Username,
		AvatarURL: user.Data.ProfileImageURL,
	}, nil
}

// OnlyUserAccount is true: tweets always go out as the credential owner.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports the profile public metrics.
func (c *Client) FetchMetrics(ctx context.Context, _ social.Account) (social.Metrics, error) {
	user, err := c.me(ctx)
	if err != nil {
		return social.Metrics{}, err
	}
	return social.Metrics{Counts: map[string]int64{
		"followers": user.Data.PublicMetrics.Followers,
		"following": user.Data.PublicMetrics.Following,
		"tweets":    user.Data.PublicMetrics.Tweets,
		"listed":    user.Data.PublicMetrics.Listed,
	}}, nil
}

func (c *Client) me(ctx context.Context) (*meResponse, error) {
	res := &meResponse{}
	if err := c.api.CallAPI(ctx, usersMeEndpoint, http.MethodGet, &emptyParameters{}, res); err != nil {
		return nil, wrapGotwiError(err)
	}
	return res, nil
}

func (c *Client) uploadMedia(ctx context.Context, m social.Media) (string, error) {
	data, err := c.readMedia(ctx, m)
	if err != nil {
		return "", err
	}

	mediaType, category, err := resolveMediaType(m, data)
	if err != nil {
		return "", err
	}

	logutil.Debugf("twitter: initialize upload media_type=%s bytes=%d", mediaType, len(data))
	initRes, err := upload.Initialize(ctx, c.api, &uploadtypes.InitializeInput{
		MediaType:     mediaType,
		TotalBytes:    len(data),
		MediaCategory: category,
	})
	if err != nil {
		return "", fmt.Errorf("initialize upload: %w", wrapGotwiError(err))
	}
	if err := partialError(initRes.Errors); err != nil {
		return "", fmt.Errorf("initialize upload: %w", err)
	}

	mediaID := initRes.Data.MediaID

	appendIn := &uploadtypes.AppendInput{
		MediaID:      mediaID,
		Media:        bytes.NewReader(data),
		SegmentIndex: 0,
	}
	appendIn.GenerateBoundary()

	appendRes, err := upload.Append(ctx, c.api, appendIn)
	if err != nil {
		return "", fmt.Errorf("append upload: %w", wrapGotwiError(err))
	}
	if err := partialError(appendRes.Errors); err != nil {
		return "", fmt.Errorf("append upload: %w", err)
	}

	finalizeRes, err := upload.Finalize(ctx, c.api, &uploadtypes.FinalizeInput{MediaID: mediaID})
	if err != nil {
		return "", fmt.Errorf("finalize upload: %w", wrapGotwiError(err))
	}
	if err := partialError(finalizeRes.Errors); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}

	state := finalizeRes.Data.ProcessingInfo.State
	logutil.Debugf("twitter: finalize state=%s media_id=%s", state, mediaID)
	switch state {
	case "", resources.ProcessingInfoStateSucceeded:
		// no-op
	case resources.ProcessingInfoStateInProgress, resources.ProcessingInfoStatePending:
		wait := time.Duration(finalizeRes.Data.ProcessingInfo.CheckAfterSecs) * time.Second
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
			// images usually succeed after the first wait
		}
	default:
		return "", social.UploadError{Provider: social.ProviderTwitter, Reason: fmt.Sprintf("media processing failed: state=%s", state)}
	}

	if alt := strings.TrimSpace(m.AltText); alt != "" {
		if err := c.setAltText(ctx, mediaID, alt); err != nil {
			return "", err
		}
	}
	return mediaID, nil
}

func (c *Client) readMedia(ctx context.Context, m social.Media) ([]byte, error) {
	if m.Remote() {
		resp, err := httpx.FetchRemote(ctx, c.http, m.URL)
		if err != nil {
			return nil, social.UploadError{Provider: social.ProviderTwitter, Reason: err.Error()}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, social.UploadError{Provider: social.ProviderTwitter, Reason: err.Error(), Transient: true}
		}
		return data, nil
	}

	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, social.ValidationError{Provider: social.ProviderTwitter, Reason: fmt.Sprintf("media %q not found", m.Path)}
		}
		return nil, fmt.Errorf("read media: %w", err)
	}
	return data, nil
}

func (c *Client) setAltText(ctx context.Context, mediaID, altText string) error {
	params := &metadataParameters{
		mediaID: mediaID,
		altText: altText,
	}

	ctx = context.WithValue(ctx, "Content-Type", "application/json;charset=UTF-8")

	if err := c.api.CallAPI(ctx, metadataEndpoint, http.MethodPost, params, &metadataResponse{}); err != nil {
		return fmt.Errorf("set alt text: %w", wrapGotwiError(err))
	}
	logutil.Debugf("twitter: alt text set media_id=%s", mediaID)
	return nil
}

func resolveMediaType(m social.Media, data []byte) (uploadtypes.MediaType, uploadtypes.MediaCategory, error) {
	if m.Kind == social.MediaVideo {
		return "video/mp4", uploadtypes.MediaCategoryTweetVideo, nil
	}

	ext := strings.ToLower(filepath.Ext(m.Path))
	switch ext {
	case ".jpg", ".jpeg":
		return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
	case ".png":
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
	case ".gif":
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
	case ".webp":
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
	}

	// fallback to simple detection
	detected := http.DetectContentType(data)
	switch {
	case strings.Contains(detected, "jpeg"):
		return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
	case strings.Contains(detected, "png"):
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
	case strings.Contains(detected, "gif"):
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
	case strings.Contains(detected, "webp"):
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
	}

	return "", "", social.ValidationError{Provider: social.ProviderTwitter, Reason: fmt.Sprintf("unsupported media type for %q", m.Path)}
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		case pe.ResourceType != nil:
			msgs = append(msgs, fmt.Sprintf("%s", *pe.ResourceType))
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return social.ProviderError{Provider: social.ProviderTwitter, Message: strings.Join(msgs, "; ")}
}

func wrapGotwiError(err error) error {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		return social.ProviderError{
			Provider: social.ProviderTwitter,
			Status:   gwErr.StatusCode,
			Message:  summarizeGotwiError(gwErr),
		}
	}
	return err
}

func summarizeGotwiError(err *gotwi.GotwiError) string {
	if err == nil {
		return "unknown X API error"
	}

	parts := make([]string, 0, 4)
	if err.Title != "" {
		parts = append(parts, err.Title)
	}
	if err.Detail != "" {
		parts = append(parts, err.Detail)
	}
	for _, apiErr := range err.APIErrors {
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
	}
	if len(parts) == 0 {
		if msg := err.Error(); msg != "" {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "X API request failed")
	}

	return strings.Join(parts, "; ")
}

// emptyParameters satisfies the gotwi parameter contract for GET endpoints
// with everything already in the URL.
type emptyParameters struct {
	accessToken string
}

func (p *emptyParameters) SetAccessToken(token string) { p.accessToken = token }

func (p *emptyParameters) AccessToken() string { return p.accessToken }

func (p *emptyParameters) ResolveEndpoint(endpointBase string) string { return endpointBase }

func (p *emptyParameters) Body() (io.Reader, error) { return nil, nil }

func (p *emptyParameters) ParameterMap() map[string]string { return map[string]string{} }

type meResponse struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
		PublicMetrics   struct {
			Followers int64 `json:"followers_count"`
			Following int64 `json:"following_count"`
			Tweets    int64 `json:"tweet_count"`
			Listed    int64 `json:"listed_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

func (meResponse) HasPartialError() bool { return false }

type metadataParameters struct {
	mediaID     string
	altText     string
	accessToken string
}

func (p *metadataParameters) SetAccessToken(token string) {
	p.accessToken = token
}

func (p *metadataParameters) AccessToken() string {
	return p.accessToken
}

func (p *metadataParameters) ResolveEndpoint(endpointBase string) string {
	return endpointBase
}

func (p *metadataParameters) Body() (io.Reader, error) {
	body := struct {
		MediaID string `json:"media_id"`
		AltText struct {
			Text string `json:"text"`
		} `json:"alt_text"`
	}{}
	body.MediaID = p.mediaID
	body.AltText.Text = p.altText

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

func (p *metadataParameters) ParameterMap() map[string]string {
	return map[string]string{}
}

type metadataResponse struct{}

func (metadataResponse) HasPartialError() bool { return false }

// Package youtube uploads videos through the YouTube Data API v3 resumable
// upload protocol. Small files go up in a single request; larger ones are
// chunked with 308 continuation responses.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/oauth"
	"github.com/crosscast/crosscast/internal/social/upload"
)

const (
	envClientID     = "CROSSCAST_YOUTUBE_CLIENT_ID"
	envClientSecret = "CROSSCAST_YOUTUBE_CLIENT_SECRET"
	envRedirectURL  = "CROSSCAST_YOUTUBE_REDIRECT_URL"

	defaultAPIBaseURL    = "https://www.googleapis.com/youtube/v3"
	defaultUploadBaseURL = "https://www.googleapis.com/upload/youtube/v3"

	// DirectUploadLimit is the largest file sent as a single PUT. Anything
	// bigger goes through the chunked 308 loop.
	DirectUploadLimit = 100 << 20

	defaultCategoryID = "22" // People & Blogs
	titleLimit        = 100
)

// Capabilities: one video with a description up to 5000 characters. A photo
// may ride along as the thumbnail.
var Capabilities = social.Capabilities{
	MaxTextChars:    5000,
	MinVideos:       1,
	MaxVideos:       1,
	MaxPhotos:       1,
	MixedMediaTypes: true,
}

// Config carries the Google OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// APIBaseURL and UploadBaseURL override the Google endpoints in tests.
	APIBaseURL    string
	UploadBaseURL string
	// DirectLimit overrides DirectUploadLimit in tests.
	DirectLimit int64
}

// Client implements the provider capabilities for YouTube.
type Client struct {
	cfg    Config
	http   *http.Client
	auth   *oauth.Engine
	tokens *social.TokenManager
}

// New constructs a YouTube client. Empty config fields fall back to
// environment variables.
func New(cfg Config, tokens *social.TokenManager, httpClient *http.Client) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = strings.TrimSpace(os.Getenv(envClientID))
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
	if cfg.UploadBaseURL == "" {
		cfg.UploadBaseURL = defaultUploadBaseURL
	}
	if cfg.DirectLimit <= 0 {
		cfg.DirectLimit = DirectUploadLimit
	}
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.UploadTimeout)
	}

	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, envClientID)
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, envClientSecret)
	}
	if len(missing) > 0 {
		return nil, social.MissingEnvError{Provider: social.ProviderYouTube, Variables: missing}
	}

	engine := oauth.NewEngine(oauth.Config{
		Provider:     social.ProviderYouTube,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		RevokeURL:    "https://oauth2.googleapis.com/revoke",
		Scopes: []string{
			"https://www.googleapis.com/auth/youtube",
			"https://www.googleapis.com/auth/youtube.upload",
			"https://www.googleapis.com/auth/youtube.readonly",
		},
		// Google only issues a refresh token with offline access and a
		// forced consent prompt.
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	}, httpClient)

	return &Client{cfg: cfg, http: httpClient, auth: engine, tokens: tokens}, nil
}

// Bundle assembles the YouTube capability bundle.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderYouTube, Capabilities, c, c, c,
		social.WithAuthorizer(c.auth),
		social.WithEditor(c),
		social.WithDeleter(c),
		social.WithMetrics(c),
	)
}

// Publish uploads the video, then sets the thumbnail when a photo is
// attached. Remote video URLs are downloaded to a temp file first.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderYouTube, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.ResultFromError(err)
	}

	video := req.MediaOfKind(social.MediaVideo)[0]
	path := video.Path
	if video.Remote() {
		path, err = c.downloadTemp(ctx, video.URL)
		if err != nil {
			return social.ResultFromError(err)
		}
		defer os.Remove(path)
	}

	videoID, err := c.uploadVideo(ctx, tok, req, path, video.MIME)
	if err != nil {
		return social.ResultFromError(err)
	}

	if photos := req.MediaOfKind(social.MediaPhoto); len(photos) > 0 {
		if err := c.setThumbnail(ctx, tok, videoID, photos[0]); err != nil {
			logutil.Warnf("youtube: setting thumbnail for %s: %v", videoID, err)
		}
	}
	return social.Succeeded(videoID, c.ExternalURL(account, videoID))
}

// Edit updates the video title and description.
func (c *Client) Edit(ctx context.Context, account social.Account, postID string, req social.PublishRequest) social.PublishResult {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.ResultFromError(err)
	}
	body := map[string]any{
		"id":      postID,
		"snippet": c.buildSnippet(req),
	}
	if err := c.apiRequest(ctx, http.MethodPut, "videos?part=snippet", tok, body, nil); err != nil {
		return social.ResultFromError(err)
	}
	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// Delete removes a video.
func (c *Client) Delete(ctx context.Context, account social.Account, postID string) error {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return err
	}
	return c.apiRequest(ctx, http.MethodDelete, "videos?id="+url.QueryEscape(postID), tok, nil, nil)
}

// ExternalURL builds the watch page link.
func (c *Client) ExternalURL(_ social.Account, postID string) string {
	if postID == "" {
		return "https://www.youtube.com"
	}
	return "https://www.youtube.com/watch?v=" + postID
}

// FetchIdentity maps the user's own channel onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, account social.Account) (social.Identity, error) {
	ch, err := c.ownChannel(ctx, account)
	if err != nil {
		return social.Identity{}, err
	}
	return social.Identity{
		ID:        ch.ID,
		Name:      ch.Snippet.Title,
		Username:  strings.TrimPrefix(ch.Snippet.CustomURL, "@"),
		AvatarURL: ch.Snippet.Thumbnails.Default.URL,
	}, nil
}

// OnlyUserAccount is true: uploads land on the authorizing channel.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports the channel statistics.
func (c *Client) FetchMetrics(ctx context.Context, account social.Account) (social.Metrics, error) {
	ch, err := c.ownChannel(ctx, account)
	if err != nil {
		return social.Metrics{}, err
	}
	return social.Metrics{Counts: map[string]int64{
		"subscribers": ch.Statistics.SubscriberCount,
		"views":       ch.Statistics.ViewCount,
		"videos":      ch.Statistics.VideoCount,
	}}, nil
}

type channel struct {
	ID      string `json:"id"`
	Snippet struct {
		Title      string `json:"title"`
		CustomURL  string `json:"customUrl"`
		Thumbnails struct {
			Default struct {
				URL string `json:"url"`
			} `json:"default"`
		} `json:"thumbnails"`
	} `json:"snippet"`
	Statistics struct {
		ViewCount       int64 `json:"viewCount,string"`
		SubscriberCount int64 `json:"subscriberCount,string"`
		VideoCount      int64 `json:"videoCount,string"`
	} `json:"statistics"`
}

func (c *Client) ownChannel(ctx context.Context, account social.Account) (channel, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return channel{}, err
	}
	var data struct {
		Items []channel `json:"items"`
	}
	if err := c.apiRequest(ctx, http.MethodGet, "channels?part=snippet,statistics&mine=true", tok, nil, &data); err != nil {
		return channel{}, err
	}
	if len(data.Items) == 0 {
		return channel{}, social.ProviderError{Provider: social.ProviderYouTube, Message: "no channel for account"}
	}
	return data.Items[0], nil
}

func (c *Client) buildSnippet(req social.PublishRequest) map[string]any {
	title := req.OptionString("title", "")
	if title == "" {
		title = firstLine(req.Text, titleLimit)
	}
	snippet := map[string]any{
		"title":       title,
		"description": req.Text,
		"categoryId":  req.OptionString("category_id", defaultCategoryID),
	}
	if tags, ok := req.Options["tags"].([]string); ok && len(tags) > 0 {
		snippet["tags"] = tags
	}
	return snippet
}

// uploadVideo runs the resumable protocol: an init request advertises the
// upload size and content type, the Location header names the upload URL,
// then the bytes follow either as one PUT or as 308-acknowledged chunks.
func (c *Client) uploadVideo(ctx context.Context, tok social.Token, req social.PublishRequest, path, mime string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: err.Error()}
	}
	size := info.Size()
	if mime == "" {
		mime = "video/*"
	}

	meta := map[string]any{
		"snippet": c.buildSnippet(req),
		"status": map[string]any{
			"privacyStatus":           req.OptionString("privacy_status", "public"),
			"selfDeclaredMadeForKids": req.OptionBool("made_for_kids"),
		},
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	initURL := c.cfg.UploadBaseURL + "/videos?uploadType=resumable&part=snippet,status"
	initReq, err := http.NewRequestWithContext(ctx, http.MethodPost, initURL, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	initReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	initReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	initReq.Header.Set("X-Upload-Content-Type", mime)
	initReq.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := c.http.Do(initReq)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: fmt.Sprintf("resumable init returned %d", resp.StatusCode), Transient: resp.StatusCode >= 500}
	}
	uploadURL := resp.Header.Get("Location")
	if uploadURL == "" {
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: "resumable init returned no upload URL"}
	}

	var body []byte
	if size <= c.cfg.DirectLimit {
		body, err = c.directPut(ctx, uploadURL, path, mime, size)
	} else {
		sess := &upload.Session{
			Provider:    social.ProviderYouTube,
			UploadURL:   uploadURL,
			ContentType: mime,
		}
		body, err = upload.PutFile(ctx, c.http, sess, path, upload.ResumeClassifier)
	}
	if err != nil {
		return "", err
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil || uploaded.ID == "" {
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: "upload response carried no video id"}
	}
	return uploaded.ID, nil
}

func (c *Client) directPut(ctx context.Context, uploadURL, path, mime string, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, social.UploadError{Provider: social.ProviderYouTube, Reason: err.Error()}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", mime)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, social.UploadError{Provider: social.ProviderYouTube, Reason: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, social.UploadError{Provider: social.ProviderYouTube, Reason: fmt.Sprintf("upload returned %d", resp.StatusCode), Transient: resp.StatusCode >= 500}
	}
	return body, nil
}

func (c *Client) setThumbnail(ctx context.Context, tok social.Token, videoID string, photo social.Media) error {
	var rdr io.Reader
	contentType := photo.MIME
	if contentType == "" {
		contentType = "image/jpeg"
	}

	if photo.Remote() {
		resp, err := httpx.FetchRemote(ctx, c.http, photo.URL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		rdr = resp.Body
	} else {
		f, err := os.Open(photo.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		rdr = f
	}

	endpoint := c.cfg.UploadBaseURL + "/thumbnails/set?videoId=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return social.ProviderError{Provider: social.ProviderYouTube, Status: resp.StatusCode, Message: "thumbnail set failed"}
	}
	return nil
}

// downloadTemp pulls a remote video to a temp file so the resumable protocol
// can size and seek it.
func (c *Client) downloadTemp(ctx context.Context, rawURL string) (string, error) {
	resp, err := httpx.FetchRemote(ctx, c.http, rawURL)
	if err != nil {
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: err.Error()}
	}
	defer resp.Body.Close()

	f, err := os.CreateTemp("", "crosscast-youtube-*.mp4")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", social.UploadError{Provider: social.ProviderYouTube, Reason: err.Error(), Transient: true}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

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
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			return social.UnauthorizedError{Provider: social.ProviderYouTube, Reason: apiErr.Error.Message}
		}
		return social.ProviderError{Provider: social.ProviderYouTube, Status: resp.StatusCode, Message: apiErr.Error.Message}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode youtube response: %w", err)
		}
	}
	return nil
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > limit {
		s = string(runes[:limit])
	}
	if strings.TrimSpace(s) == "" {
		return "Video " + time.Now().Format("2006-01-02")
	}
	return s
}

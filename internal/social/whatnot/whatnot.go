// Package whatnot publishes to Whatnot: show announcements, product listings
// or plain follower notifications, selected by a "type" option.
package whatnot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/oauth"
	"github.com/google/uuid"
)

const (
	envClientID     = "CROSSCAST_WHATNOT_CLIENT_ID"
	envClientSecret = "CROSSCAST_WHATNOT_CLIENT_SECRET"
	envRedirectURL  = "CROSSCAST_WHATNOT_REDIRECT_URL"

	defaultAPIBaseURL = "https://api.whatnot.com/v1"
	authorizeURL      = "https://www.whatnot.com/oauth/authorize"

	defaultCategory = "collectibles"
	titleLimit      = 100
)

// Capabilities: listing descriptions up to 1000 characters, up to ten photos
// or one video, never mixed.
var Capabilities = social.Capabilities{
	SimultaneousPosting: true,
	MinTextChars:        1,
	MaxTextChars:        1000,
	MaxPhotos:           10,
	MaxVideos:           1,
}

// Config carries the Whatnot application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// APIBaseURL overrides the Whatnot endpoint in tests.
	APIBaseURL string
}

// Client implements the provider capabilities for Whatnot.
type Client struct {
	cfg    Config
	http   *http.Client
	auth   *oauth.Engine
	tokens *social.TokenManager
}

// New constructs a Whatnot client. Empty config fields fall back to
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
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.MetadataTimeout)
	}

	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, envClientID)
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, envClientSecret)
	}
	if len(missing) > 0 {
		return nil, social.MissingEnvError{Provider: social.ProviderWhatnot, Variables: missing}
	}

	engine := oauth.NewEngine(oauth.Config{
		Provider:     social.ProviderWhatnot,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      authorizeURL,
		TokenURL:     cfg.APIBaseURL + "/oauth/token",
		Scopes:       []string{"seller", "shows", "listings", "notifications"},
	}, httpClient)

	return &Client{cfg: cfg, http: httpClient, auth: engine, tokens: tokens}, nil
}

// Bundle assembles the Whatnot capability bundle. Only shows can be updated
// after the fact, handled in Edit; nothing can be deleted.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderWhatnot, Capabilities, c, c, c,
		social.WithAuthorizer(c.auth),
		social.WithEditor(c),
		social.WithMetrics(c),
	)
}

// Publish routes on the "type" option: "show" creates a show announcement,
// "listing" creates a product listing, anything else notifies followers.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderWhatnot, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.ResultFromError(err)
	}

	postType := req.OptionString("type", "announcement")
	var created struct {
		ID string `json:"id"`
	}
	switch postType {
	case "show":
		body := map[string]any{
			"title":                req.OptionString("title", truncate(req.Text, titleLimit)),
			"description":          req.Text,
			"category":             req.OptionString("category", defaultCategory),
			"notification_enabled": true,
		}
		if at := req.OptionString("scheduled_at", ""); at != "" {
			body["scheduled_at"] = at
		}
		err = c.apiRequest(ctx, http.MethodPost, "shows", tok, body, &created)
	case "listing":
		var images []string
		for _, m := range req.MediaOfKind(social.MediaPhoto) {
			if m.Remote() {
				images = append(images, m.URL)
			}
		}
		body := map[string]any{
			"title":          req.OptionString("title", truncate(req.Text, titleLimit)),
			"description":    req.Text,
			"starting_price": req.OptionString("starting_price", "1"),
			"category":       req.OptionString("category", defaultCategory),
			"condition":      req.OptionString("condition", "new"),
			"images":         images,
		}
		err = c.apiRequest(ctx, http.MethodPost, "listings", tok, body, &created)
	default:
		body := map[string]any{"message": req.Text}
		err = c.apiRequest(ctx, http.MethodPost, "notifications/followers", tok, body, &created)
	}
	if err != nil {
		return social.ResultFromError(err)
	}

	// Follower notifications carry no id of their own.
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	return social.Succeeded(created.ID, c.ExternalURL(account, created.ID))
}

// Edit updates a previously announced show's title and description.
func (c *Client) Edit(ctx context.Context, account social.Account, postID string, req social.PublishRequest) social.PublishResult {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.ResultFromError(err)
	}
	body := map[string]any{"description": req.Text}
	if title := req.OptionString("title", ""); title != "" {
		body["title"] = title
	}
	if err := c.apiRequest(ctx, http.MethodPatch, "shows/"+postID, tok, body, nil); err != nil {
		return social.ResultFromError(err)
	}
	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// ExternalURL points at the seller profile.
func (c *Client) ExternalURL(account social.Account, _ string) string {
	if account.Username == "" {
		return "https://whatnot.com"
	}
	return "https://whatnot.com/user/" + account.Username
}

// FetchIdentity maps /me onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, account social.Account) (social.Identity, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.Identity{}, err
	}
	var user struct {
		ID        string `json:"id"`
		Username  string `json:"username"`
		Name      string `json:"display_name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.apiRequest(ctx, http.MethodGet, "me", tok, nil, &user); err != nil {
		return social.Identity{}, err
	}
	name := user.Name
	if name == "" {
		name = user.Username
	}
	return social.Identity{
		ID:        user.ID,
		Name:      name,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
	}, nil
}

// OnlyUserAccount is true: Whatnot sellers post as themselves.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports seller profile counters and live stream status.
func (c *Client) FetchMetrics(ctx context.Context, account social.Account) (social.Metrics, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.Metrics{}, err
	}
	var profile struct {
		Followers int64 `json:"follower_count"`
		Reviews   int64 `json:"review_count"`
		Sold      int64 `json:"items_sold"`
	}
	if err := c.apiRequest(ctx, http.MethodGet, "seller/profile", tok, nil, &profile); err != nil {
		return social.Metrics{}, err
	}

	var stream struct {
		IsLive  bool  `json:"is_live"`
		Viewers int64 `json:"viewer_count"`
	}
	// Live status is best effort.
	_ = c.apiRequest(ctx, http.MethodGet, "stream/status", tok, nil, &stream)

	return social.Metrics{
		Counts: map[string]int64{
			"followers":  profile.Followers,
			"reviews":    profile.Reviews,
			"items_sold": profile.Sold,
			"viewers":    stream.Viewers,
		},
		Live: stream.IsLive,
	}, nil
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
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return social.UnauthorizedError{Provider: social.ProviderWhatnot, Reason: msg}
		}
		return social.ProviderError{Provider: social.ProviderWhatnot, Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode whatnot response: %w", err)
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

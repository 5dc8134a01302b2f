// Package mastodon publishes toots through go-mastodon against any Mastodon
// instance.
package mastodon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/social"
	mastodonapi "github.com/mattn/go-mastodon"
)

const (
	envServer       = "CROSSCAST_MASTODON_SERVER"
	envAccessToken  = "CROSSCAST_MASTODON_ACCESS_TOKEN"
	envClientID     = "CROSSCAST_MASTODON_CLIENT_ID"
	envClientSecret = "CROSSCAST_MASTODON_CLIENT_SECRET"
)

// Capabilities: the stock instance limit of 500 characters and four
// attachments of any kind.
var Capabilities = social.Capabilities{
	SimultaneousPosting: true,
	MinTextChars:        1,
	MaxTextChars:        500,
	MaxPhotos:           4,
	MaxVideos:           1,
	MaxGifs:             1,
}

// Config contains the settings needed to reach a Mastodon server.
type Config struct {
	Server       string
	AccessToken  string
	ClientID     string
	ClientSecret string
}

// Client implements the provider capabilities for Mastodon.
type Client struct {
	cfg    Config
	client *mastodonapi.Client
	http   *http.Client
}

// New constructs a Mastodon client. Empty config fields fall back to
// environment variables.
func New(cfg Config) (*Client, error) {
	cfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}

	mastodonClient := mastodonapi.NewClient(&mastodonapi.Config{
		Server:       cfg.Server,
		AccessToken:  cfg.AccessToken,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	mastodonClient.Timeout = httpx.MetadataTimeout

	return &Client{cfg: cfg, client: mastodonClient, http: httpx.NewClient(httpx.UploadTimeout)}, nil
}

func loadConfig(cfg Config) (Config, error) {
	if cfg.Server == "" {
		cfg.Server = strings.TrimSpace(os.Getenv(envServer))
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = strings.TrimSpace(os.Getenv(envAccessToken))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = strings.TrimSpace(os.Getenv(envClientID))
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = strings.TrimSpace(os.Getenv(envClientSecret))
	}

	var missing []string
	if cfg.Server == "" {
		missing = append(missing, envServer)
	}
	if cfg.AccessToken == "" {
		missing = append(missing, envAccessToken)
	}
	if len(missing) > 0 {
		return Config{}, social.MissingEnvError{Provider: social.ProviderMastodon, Variables: missing}
	}
	return cfg, nil
}

// Bundle assembles the Mastodon capability bundle. Access tokens come from
// the instance's app settings, so there is no Authorizer.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderMastodon, Capabilities, c, c, c,
		social.WithEditor(c),
		social.WithDeleter(c),
		social.WithMetrics(c),
	)
}

// Publish uploads any attached media and posts the toot.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderMastodon, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}

	var mediaIDs []mastodonapi.ID
	for _, m := range req.Media {
		attachment, err := c.uploadMedia(ctx, m)
		if err != nil {
			return social.ResultFromError(err)
		}
		mediaIDs = append(mediaIDs, attachment.ID)
	}

	toot := &mastodonapi.Toot{
		Status:      req.Text,
		MediaIDs:    mediaIDs,
		Sensitive:   req.OptionBool("sensitive"),
		SpoilerText: req.OptionString("spoiler_text", ""),
		Visibility:  req.OptionString("visibility", "public"),
	}
	status, err := c.client.PostStatus(ctx, toot)
	if err != nil {
		return social.ResultFromError(fmt.Errorf("post status: %w", err))
	}

	postID := string(status.ID)
	return social.Succeeded(postID, status.URL)
}

// Edit rewrites a toot in place.
func (c *Client) Edit(ctx context.Context, account social.Account, postID string, req social.PublishRequest) social.PublishResult {
	toot := &mastodonapi.Toot{
		Status:      req.Text,
		Sensitive:   req.OptionBool("sensitive"),
		SpoilerText: req.OptionString("spoiler_text", ""),
	}
	status, err := c.client.UpdateStatus(ctx, toot, mastodonapi.ID(postID))
	if err != nil {
		return social.ResultFromError(fmt.Errorf("update status: %w", err))
	}
	return social.Succeeded(string(status.ID), status.URL)
}

// Delete removes a toot.
func (c *Client) Delete(ctx context.Context, _ social.Account, postID string) error {
	if err := c.client.DeleteStatus(ctx, mastodonapi.ID(postID)); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

// ExternalURL builds the toot permalink on the configured instance.
func (c *Client) ExternalURL(account social.Account, postID string) string {
	server := strings.TrimSuffix(c.cfg.Server, "/")
	if account.Username == "" || postID == "" {
		return server
	}
	return fmt.Sprintf("%s/@%s/%s", server, account.Username, postID)
}

// FetchIdentity maps the verified account onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, _ social.Account) (social.Identity, error) {
	acct, err := c.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return social.Identity{}, fmt.Errorf("verify credentials: %w", err)
	}
	return social.Identity{
		ID:        string(acct.ID),
		Name:      acct.DisplayName,
		Username:  acct.Username,
		AvatarURL: acct.Avatar,
	}, nil
}

// OnlyUserAccount is true: one access token, one fediverse account.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports the account counters.
func (c *Client) FetchMetrics(ctx context.Context, _ social.Account) (social.Metrics, error) {
	acct, err := c.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return social.Metrics{}, fmt.Errorf("verify credentials: %w", err)
	}
	return social.Metrics{Counts: map[string]int64{
		"followers": acct.FollowersCount,
		"following": acct.FollowingCount,
		"statuses":  acct.StatusesCount,
	}}, nil
}

func (c *Client) uploadMedia(ctx context.Context, m social.Media) (*mastodonapi.Attachment, error) {
	var file *os.File
	if m.Remote() {
		path, err := c.downloadTemp(ctx, m.URL)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		file, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		file, err = os.Open(m.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, social.ValidationError{Provider: social.ProviderMastodon, Reason: fmt.Sprintf("media %q not found", m.Path)}
			}
			return nil, fmt.Errorf("open media: %w", err)
		}
	}
	defer file.Close()

	attachment, err := c.client.UploadMediaFromMedia(ctx, &mastodonapi.Media{
		File:        file,
		Description: m.AltText,
	})
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return attachment, nil
}

func (c *Client) downloadTemp(ctx context.Context, rawURL string) (string, error) {
	resp, err := httpx.FetchRemote(ctx, c.http, rawURL)
	if err != nil {
		return "", social.UploadError{Provider: social.ProviderMastodon, Reason: err.Error()}
	}
	defer resp.Body.Close()

	pattern := "crosscast-mastodon-*"
	if u, err := url.Parse(rawURL); err == nil {
		if idx := strings.LastIndexByte(u.Path, '.'); idx >= 0 {
			pattern += u.Path[idx:]
		}
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", social.UploadError{Provider: social.ProviderMastodon, Reason: err.Error(), Transient: true}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Package bluesky publishes to Bluesky over the AT Protocol using indigo's
// generated XRPC bindings and an app-password session.
package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/social"
)

const (
	envHandle      = "CROSSCAST_BLUESKY_HANDLE"
	envAppPassword = "CROSSCAST_BLUESKY_APP_PASSWORD"
	envPDSURL      = "CROSSCAST_BLUESKY_PDS_URL"

	feedPostCollection = "app.bsky.feed.post"
)

// Capabilities: 300 characters and up to four images.
var Capabilities = social.Capabilities{
	SimultaneousPosting: true,
	MinTextChars:        1,
	MaxTextChars:        300,
	MaxPhotos:           4,
}

// Config allows the caller to supply values prior to reading environment
// variables.
type Config struct {
	Handle      string
	AppPassword string
	PDSURL      string
}

// Client implements the provider capabilities for Bluesky.
type Client struct {
	client *xrpc.Client
	http   *http.Client
}

// New constructs a Bluesky client and logs in with the app password.
func New(ctx context.Context, base Config) (*Client, error) {
	cfg, err := loadConfig(base)
	if err != nil {
		return nil, err
	}

	httpClient := httpx.NewClient(httpx.MetadataTimeout)
	userAgent := "crosscast/1"
	xrpcClient := &xrpc.Client{
		Client:    httpClient,
		Host:      cfg.PDSURL,
		UserAgent: &userAgent,
	}

	session, err := atproto.ServerCreateSession(ctx, xrpcClient, &atproto.ServerCreateSession_Input{
		Identifier: cfg.Handle,
		Password:   cfg.AppPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	xrpcClient.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}

	return &Client{client: xrpcClient, http: httpClient}, nil
}

func loadConfig(base Config) (Config, error) {
	cfg := Config{
		Handle:      strings.TrimSpace(os.Getenv(envHandle)),
		AppPassword: strings.TrimSpace(os.Getenv(envAppPassword)),
		PDSURL:      strings.TrimSpace(os.Getenv(envPDSURL)),
	}

	if cfg.Handle == "" {
		cfg.Handle = strings.TrimSpace(base.Handle)
	}
	if cfg.AppPassword == "" {
		cfg.AppPassword = strings.TrimSpace(base.AppPassword)
	}
	if cfg.PDSURL == "" {
		cfg.PDSURL = strings.TrimSpace(base.PDSURL)
	}
	if cfg.PDSURL == "" {
		cfg.PDSURL = "https://bsky.social"
	}

	var missing []string
	if cfg.Handle == "" {
		missing = append(missing, envHandle)
	}
	if cfg.AppPassword == "" {
		missing = append(missing, envAppPassword)
	}
	if len(missing) > 0 {
		return Config{}, social.MissingEnvError{Provider: social.ProviderBluesky, Variables: missing}
	}
	return cfg, nil
}

// Bundle assembles the Bluesky capability bundle. App passwords replace the
// authorization-code dance, so there is no Authorizer.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderBluesky, Capabilities, c, c, c,
		social.WithDeleter(c),
		social.WithMetrics(c),
	)
}

// Publish creates a feed post with optional image embeds. The post id is the
// record key parsed out of the returned AT URI.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderBluesky, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}

	post := &bsky.FeedPost{
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Text:      req.Text,
	}

	if photos := req.MediaOfKind(social.MediaPhoto); len(photos) > 0 {
		images := make([]*bsky.EmbedImages_Image, 0, len(photos))
		for _, m := range photos {
			blob, err := c.uploadImage(ctx, m)
			if err != nil {
				return social.ResultFromError(err)
			}
			images = append(images, &bsky.EmbedImages_Image{
				Alt:   m.AltText,
				Image: blob,
			})
		}
		post.Embed = &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{Images: images},
		}
	}

	res, err := atproto.RepoCreateRecord(ctx, c.client, &atproto.RepoCreateRecord_Input{
		Collection: feedPostCollection,
		Repo:       c.client.Auth.Did,
		Record: &util.LexiconTypeDecoder{
			Val: post,
		},
	})
	if err != nil {
		return social.ResultFromError(fmt.Errorf("create record: %w", err))
	}

	postID := recordKey(res.Uri)
	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// Delete removes a feed post record.
func (c *Client) Delete(ctx context.Context, _ social.Account, postID string) error {
	_, err := atproto.RepoDeleteRecord(ctx, c.client, &atproto.RepoDeleteRecord_Input{
		Collection: feedPostCollection,
		Repo:       c.client.Auth.Did,
		Rkey:       postID,
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ExternalURL builds the bsky.app permalink.
func (c *Client) ExternalURL(account social.Account, postID string) string {
	handle := account.Username
	if handle == "" && c.client.Auth != nil {
		handle = c.client.Auth.Handle
	}
	if handle == "" || postID == "" {
		return "https://bsky.app"
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, postID)
}

// FetchIdentity maps the session profile onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, _ social.Account) (social.Identity, error) {
	profile, err := c.profile(ctx)
	if err != nil {
		return social.Identity{}, err
	}
	name := stringValue(profile.DisplayName)
	if name == "" {
		name = profile.Handle
	}
	return social.Identity{
		ID:        profile.Did,
		Name:      name,
		Username:  profile.Handle,
		AvatarURL: stringValue(profile.Avatar),
	}, nil
}

// OnlyUserAccount is true: one app password, one repo.
func (c *Client) OnlyUserAccount() bool { return true }

// FetchEntities returns nothing for a user-only provider.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	return nil, nil
}

// FetchMetrics reports the profile counters.
func (c *Client) FetchMetrics(ctx context.Context, _ social.Account) (social.Metrics, error) {
	profile, err := c.profile(ctx)
	if err != nil {
		return social.Metrics{}, err
	}
	return social.Metrics{Counts: map[string]int64{
		"followers": int64Value(profile.FollowersCount),
		"following": int64Value(profile.FollowsCount),
		"posts":     int64Value(profile.PostsCount),
	}}, nil
}

func (c *Client) profile(ctx context.Context) (*bsky.ActorDefs_ProfileViewDetailed, error) {
	profile, err := bsky.ActorGetProfile(ctx, c.client, c.client.Auth.Did)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return profile, nil
}

func (c *Client) uploadImage(ctx context.Context, m social.Media) (*util.LexBlob, error) {
	var data []byte
	if m.Remote() {
		resp, err := httpx.FetchRemote(ctx, c.http, m.URL)
		if err != nil {
			return nil, social.UploadError{Provider: social.ProviderBluesky, Reason: err.Error()}
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, social.UploadError{Provider: social.ProviderBluesky, Reason: err.Error(), Transient: true}
		}
	} else {
		var err error
		data, err = os.ReadFile(m.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, social.ValidationError{Provider: social.ProviderBluesky, Reason: fmt.Sprintf("image %q not found", m.Path)}
			}
			return nil, fmt.Errorf("read image: %w", err)
		}
	}

	resp, err := atproto.RepoUploadBlob(ctx, c.client, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	if resp.Blob == nil {
		return nil, fmt.Errorf("upload blob: empty response")
	}
	return resp.Blob, nil
}

// recordKey extracts the rkey from an AT URI such as
// at://did:plc:abc/app.bsky.feed.post/3kabc.
func recordKey(uri string) string {
	if idx := strings.LastIndexByte(uri, '/'); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func int64Value(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

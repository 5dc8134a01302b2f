// Package discord publishes messages to Discord channels, either through a
// bot token or a channel webhook. Channel targets are discovered as entities
// from the guilds the authorizing user can post to.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crosscast/crosscast/internal/httpx"
	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/oauth"
)

const (
	envClientID     = "CROSSCAST_DISCORD_CLIENT_ID"
	envClientSecret = "CROSSCAST_DISCORD_CLIENT_SECRET"
	envRedirectURL  = "CROSSCAST_DISCORD_REDIRECT_URL"
	envBotToken     = "CROSSCAST_DISCORD_BOT_TOKEN"
	envWebhookURL   = "CROSSCAST_DISCORD_WEBHOOK_URL"

	defaultAPIBaseURL   = "https://discord.com/api/v10"
	defaultOAuthBaseURL = "https://discord.com/api/oauth2"

	// Discord's blurple, used when an embed does not set a color.
	defaultEmbedColor = 0x5865F2

	permSendMessages  = 0x800
	permAdministrator = 0x8
)

// Capabilities describes Discord message limits.
var Capabilities = social.Capabilities{
	SimultaneousPosting: true,
	MinTextChars:        1,
	MaxTextChars:        2000,
	MaxPhotos:           10,
	MaxVideos:           1,
	MaxGifs:             1,
	MixedMediaTypes:     true,
}

// Mode selects how messages are delivered. It is resolved once at client
// construction: a configured bot token wins over a webhook URL because the
// bot path also supports edit, delete and crosspost.
type Mode int

const (
	ModeBot Mode = iota
	ModeWebhook
)

// Config carries the Discord application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BotToken     string
	WebhookURL   string

	// APIBaseURL and OAuthBaseURL override the Discord endpoints in tests.
	APIBaseURL   string
	OAuthBaseURL string
}

// Client implements the provider capabilities for Discord.
type Client struct {
	cfg    Config
	mode   Mode
	http   *http.Client
	auth   *oauth.Engine
	tokens *social.TokenManager
}

// New constructs a Discord client. Empty config fields fall back to
// environment variables.
func New(cfg Config, tokens *social.TokenManager, httpClient *http.Client) (*Client, error) {
	cfg = fillFromEnv(cfg)
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.OAuthBaseURL == "" {
		cfg.OAuthBaseURL = defaultOAuthBaseURL
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
	// A webhook-only setup needs no OAuth application.
	if len(missing) > 0 && cfg.WebhookURL == "" {
		return nil, social.MissingEnvError{Provider: social.ProviderDiscord, Variables: missing}
	}

	mode := ModeBot
	if cfg.BotToken == "" && cfg.WebhookURL != "" {
		mode = ModeWebhook
	}

	engine := oauth.NewEngine(oauth.Config{
		Provider:     social.ProviderDiscord,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      cfg.OAuthBaseURL + "/authorize",
		TokenURL:     cfg.OAuthBaseURL + "/token",
		RevokeURL:    cfg.OAuthBaseURL + "/token/revoke",
		Scopes:       []string{"identify", "email", "guilds", "bot", "applications.commands"},
		// Discord tokens default to a 7 day lifetime.
		DefaultExpiry: 604800 * time.Second,
		ExtraAuthParams: map[string]string{
			// Send Messages, Embed Links, Attach Files, Manage Events.
			"permissions": "2147485696",
		},
	}, httpClient)

	return &Client{cfg: cfg, mode: mode, http: httpClient, auth: engine, tokens: tokens}, nil
}

func fillFromEnv(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = strings.TrimSpace(os.Getenv(envClientID))
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = strings.TrimSpace(os.Getenv(envClientSecret))
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = strings.TrimSpace(os.Getenv(envRedirectURL))
	}
	if cfg.BotToken == "" {
		cfg.BotToken = strings.TrimSpace(os.Getenv(envBotToken))
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = strings.TrimSpace(os.Getenv(envWebhookURL))
	}
	return cfg
}

// Bundle assembles the Discord capability bundle.
func (c *Client) Bundle() *social.Bundle {
	return social.NewBundle(social.ProviderDiscord, Capabilities, c, c, c,
		social.WithAuthorizer(c.auth),
		social.WithEditor(c),
		social.WithDeleter(c),
		social.WithMetrics(c),
	)
}

// Mode reports the resolved delivery mode.
func (c *Client) Mode() Mode { return c.mode }

// Publish sends the message to the target channel or webhook. The post id is
// "channelID:messageID" so later edit/delete calls can address the message.
func (c *Client) Publish(ctx context.Context, account social.Account, req social.PublishRequest) social.PublishResult {
	if err := social.ValidateRequest(social.ProviderDiscord, req, Capabilities); err != nil {
		return social.ResultFromError(err)
	}

	payload := c.buildPayload(req)
	webhookURL := req.OptionString("webhook_url", c.cfg.WebhookURL)

	var files []social.Media
	for _, m := range req.Media {
		if m.Path != "" {
			files = append(files, m)
		}
	}

	var msg message
	var err error
	if c.mode == ModeWebhook || (webhookURL != "" && req.OptionString("webhook_url", "") != "") {
		if webhookURL == "" {
			return social.ResultFromError(social.ValidationError{Provider: social.ProviderDiscord, Reason: "no webhook URL configured"})
		}
		msg, err = c.executeWebhook(ctx, webhookURL, req, payload, files)
	} else {
		channelID := req.OptionString("channel_id", account.DataValue("channel_id"))
		if channelID == "" {
			return social.ResultFromError(social.ValidationError{Provider: social.ProviderDiscord, Reason: "no channel id for account"})
		}
		msg, err = c.sendMessage(ctx, channelID, payload, files)
		if err == nil && req.OptionBool("crosspost") {
			c.crosspost(ctx, msg.ChannelID, msg.ID)
		}
	}
	if err != nil {
		return social.ResultFromError(err)
	}

	postID := msg.ChannelID + ":" + msg.ID
	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// Edit rewrites a previously sent message. Only available in bot mode.
func (c *Client) Edit(ctx context.Context, account social.Account, postID string, req social.PublishRequest) social.PublishResult {
	channelID, messageID, err := splitPostID(postID)
	if err != nil {
		return social.ResultFromError(err)
	}
	var msg message
	if err := c.apiRequest(ctx, http.MethodPatch, fmt.Sprintf("channels/%s/messages/%s", channelID, messageID), c.botAuth(), c.buildPayload(req), &msg); err != nil {
		return social.ResultFromError(err)
	}
	return social.Succeeded(postID, c.ExternalURL(account, postID))
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, account social.Account, postID string) error {
	channelID, messageID, err := splitPostID(postID)
	if err != nil {
		return err
	}
	return c.apiRequest(ctx, http.MethodDelete, fmt.Sprintf("channels/%s/messages/%s", channelID, messageID), c.botAuth(), nil, nil)
}

// ExternalURL builds the message link, falling back to the Discord home page
// when the guild or channel segments are unknown.
func (c *Client) ExternalURL(account social.Account, postID string) string {
	guildID := account.DataValue("guild_id")
	channelID, messageID, err := splitPostID(postID)
	if err != nil || guildID == "" || channelID == "" || messageID == "" {
		return "https://discord.com"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// FetchIdentity maps /users/@me onto the canonical identity.
func (c *Client) FetchIdentity(ctx context.Context, account social.Account) (social.Identity, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return social.Identity{}, err
	}
	var user discordUser
	if err := c.apiRequest(ctx, http.MethodGet, "users/@me", bearerAuth(tok), nil, &user); err != nil {
		return social.Identity{}, err
	}

	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	return social.Identity{
		ID:        user.ID,
		Name:      name,
		Username:  user.Username,
		AvatarURL: avatarURL(user.ID, user.Avatar),
		Extra: map[string]string{
			"email":         user.Email,
			"discriminator": user.Discriminator,
		},
	}, nil
}

// OnlyUserAccount is false: Discord accounts post into channels.
func (c *Client) OnlyUserAccount() bool { return false }

// FetchEntities lists the text channels of every guild the user can post to.
func (c *Client) FetchEntities(ctx context.Context, account social.Account) ([]social.Entity, error) {
	tok, err := c.tokens.Fresh(ctx, account, c.auth)
	if err != nil {
		return nil, err
	}
	var guilds []discordGuild
	if err := c.apiRequest(ctx, http.MethodGet, "users/@me/guilds", bearerAuth(tok), nil, &guilds); err != nil {
		return nil, err
	}

	var entities []social.Entity
	for _, guild := range guilds {
		if guild.Permissions&(permSendMessages|permAdministrator) == 0 {
			continue
		}
		var iconURL string
		if guild.Icon != "" {
			iconURL = fmt.Sprintf("https://cdn.discordapp.com/icons/%s/%s.png", guild.ID, guild.Icon)
		}

		var channels []discordChannel
		if err := c.apiRequest(ctx, http.MethodGet, fmt.Sprintf("guilds/%s/channels", guild.ID), c.botAuth(), nil, &channels); err != nil {
			logutil.Debugf("discord: listing channels for guild %s: %v", guild.ID, err)
			continue
		}
		for _, ch := range channels {
			if ch.Type != 0 { // text channels only
				continue
			}
			entities = append(entities, social.Entity{
				ID:        ch.ID,
				Name:      fmt.Sprintf("#%s (%s)", ch.Name, guild.Name),
				Username:  ch.Name,
				AvatarURL: iconURL,
				Data: map[string]string{
					"guild_id":     guild.ID,
					"guild_name":   guild.Name,
					"channel_id":   ch.ID,
					"channel_name": ch.Name,
				},
			})
		}
	}
	return entities, nil
}

// FetchMetrics reports approximate guild counts, best effort.
func (c *Client) FetchMetrics(ctx context.Context, account social.Account) (social.Metrics, error) {
	guildID := account.DataValue("guild_id")
	if guildID == "" {
		return social.Metrics{Counts: map[string]int64{}}, nil
	}
	var guild struct {
		MemberCount   int64 `json:"approximate_member_count"`
		PresenceCount int64 `json:"approximate_presence_count"`
		PremiumTier   int64 `json:"premium_tier"`
		PremiumSubs   int64 `json:"premium_subscription_count"`
	}
	if err := c.apiRequest(ctx, http.MethodGet, fmt.Sprintf("guilds/%s?with_counts=true", guildID), c.botAuth(), nil, &guild); err != nil {
		return social.Metrics{}, err
	}
	return social.Metrics{Counts: map[string]int64{
		"members":     guild.MemberCount,
		"online":      guild.PresenceCount,
		"boost_level": guild.PremiumTier,
		"boosts":      guild.PremiumSubs,
	}}, nil
}

type message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

type discordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
	Discriminator string `json:"discriminator"`
	Email         string `json:"email"`
}

type discordGuild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Permissions int64  `json:"permissions,string"`
}

type discordChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

func (c *Client) buildPayload(req social.PublishRequest) map[string]any {
	payload := map[string]any{"content": req.Text}

	var embeds []map[string]any
	if em, ok := req.Options["embed"].(map[string]any); ok {
		embeds = append(embeds, buildEmbed(em))
	}
	// Remote images ride along as embed images; local files go as
	// attachments in the multipart body.
	for _, m := range req.Media {
		if m.Remote() && (m.Kind == social.MediaPhoto || m.Kind == social.MediaGif) {
			embeds = append(embeds, map[string]any{"image": map[string]any{"url": m.URL}})
		}
	}
	if len(embeds) > 0 {
		payload["embeds"] = embeds
	}
	if components, ok := req.Options["components"]; ok {
		payload["components"] = components
	}
	return payload
}

func buildEmbed(opts map[string]any) map[string]any {
	embed := map[string]any{"color": defaultEmbedColor}
	for _, key := range []string{"title", "description", "url", "timestamp"} {
		if v, ok := opts[key].(string); ok && v != "" {
			embed[key] = v
		}
	}
	if v, ok := opts["color"]; ok {
		embed["color"] = v
	}
	if v, ok := opts["image"].(string); ok && v != "" {
		embed["image"] = map[string]any{"url": v}
	}
	if v, ok := opts["thumbnail"].(string); ok && v != "" {
		embed["thumbnail"] = map[string]any{"url": v}
	}
	if _, ok := embed["timestamp"]; !ok {
		embed["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	return embed
}

func (c *Client) sendMessage(ctx context.Context, channelID string, payload map[string]any, files []social.Media) (message, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages", c.cfg.APIBaseURL, channelID)
	return c.postMessage(ctx, endpoint, c.botAuth(), payload, files)
}

func (c *Client) executeWebhook(ctx context.Context, webhookURL string, req social.PublishRequest, payload map[string]any, files []social.Media) (message, error) {
	q := url.Values{"wait": {"true"}}
	if threadID := req.OptionString("thread_id", ""); threadID != "" {
		q.Set("thread_id", threadID)
	}
	if username := req.OptionString("username", ""); username != "" {
		payload["username"] = username
	}
	if avatar := req.OptionString("avatar_url", ""); avatar != "" {
		payload["avatar_url"] = avatar
	}
	return c.postMessage(ctx, webhookURL+"?"+q.Encode(), "", payload, files)
}

// postMessage sends either a JSON body or, when local files are attached, a
// multipart body with the JSON under payload_json.
func (c *Client) postMessage(ctx context.Context, endpoint, auth string, payload map[string]any, files []social.Media) (message, error) {
	var body io.Reader
	contentType := "application/json"

	if len(files) > 0 {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return message{}, err
		}
		if err := mw.WriteField("payload_json", string(payloadJSON)); err != nil {
			return message{}, err
		}
		for i, m := range files {
			if err := attachFile(mw, i, m.Path); err != nil {
				return message{}, err
			}
		}
		if err := mw.Close(); err != nil {
			return message{}, err
		}
		body = buf
		contentType = mw.FormDataContentType()
	} else {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return message{}, err
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return message{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return message{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return message{}, statusError(resp.StatusCode, respBody)
	}
	var msg message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return message{}, social.ProviderError{Provider: social.ProviderDiscord, Status: resp.StatusCode, Message: "malformed message response"}
	}
	if msg.ID == "" {
		return message{}, social.ProviderError{Provider: social.ProviderDiscord, Status: resp.StatusCode, Message: "no message id in response"}
	}
	return msg, nil
}

func attachFile(mw *multipart.Writer, index int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(fmt.Sprintf("files[%d]", index), filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	return nil
}

func (c *Client) crosspost(ctx context.Context, channelID, messageID string) {
	path := fmt.Sprintf("channels/%s/messages/%s/crosspost", channelID, messageID)
	if err := c.apiRequest(ctx, http.MethodPost, path, c.botAuth(), nil, nil); err != nil {
		logutil.Debugf("discord: crosspost failed: %v", err)
	}
}

func (c *Client) apiRequest(ctx context.Context, method, path, auth string, body, out any) error {
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
	req.Header.Set("Authorization", auth)
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
		return statusError(resp.StatusCode, respBody)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode discord response: %w", err)
		}
	}
	return nil
}

func statusError(status int, body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)
	if status == http.StatusUnauthorized {
		return social.UnauthorizedError{Provider: social.ProviderDiscord, Reason: apiErr.Message}
	}
	return social.ProviderError{Provider: social.ProviderDiscord, Status: status, Message: apiErr.Message}
}

func (c *Client) botAuth() string { return "Bot " + c.cfg.BotToken }

func bearerAuth(tok social.Token) string { return "Bearer " + tok.AccessToken }

func avatarURL(userID, hash string) string {
	if hash == "" {
		return ""
	}
	ext := "png"
	if strings.HasPrefix(hash, "a_") {
		ext = "gif"
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.%s", userID, hash, ext)
}

func splitPostID(postID string) (channelID, messageID string, err error) {
	parts := strings.SplitN(postID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", social.ValidationError{Provider: social.ProviderDiscord, Reason: fmt.Sprintf("post id %q is not channelID:messageID", postID)}
	}
	return parts[0], parts[1], nil
}

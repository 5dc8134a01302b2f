package social

import (
	"context"
	"time"
)

// Provider identifies a supported social network.
type Provider string

const (
	ProviderDiscord  Provider = "discord"
	ProviderTikTok   Provider = "tiktok"
	ProviderTwitch   Provider = "twitch"
	ProviderWhatnot  Provider = "whatnot"
	ProviderYouTube  Provider = "youtube"
	ProviderMastodon Provider = "mastodon"
	ProviderTwitter  Provider = "twitter"
	ProviderBluesky  Provider = "bluesky"
)

// Token holds the OAuth credentials for one connected account.
// A zero ExpiresAt means the token does not expire.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Extra        map[string]string
}

// Expired reports whether the token is expired or will expire within leeway.
func (t Token) Expired(leeway time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(leeway).After(t.ExpiresAt)
}

// Account is one authorized connection to one provider identity.
type Account struct {
	ID         string // storage key used by the token store and result sink
	Provider   Provider
	ExternalID string
	Name       string
	Username   string
	AvatarURL  string
	Data       map[string]string // provider-specific metadata (guild_id, channel_id, ...)
	EntityID   string            // parent entity grouping, if any
}

// DataValue returns a provider-specific metadata value, or empty.
func (a Account) DataValue(key string) string {
	if a.Data == nil {
		return ""
	}
	return a.Data[key]
}

// MediaKind classifies an attached media item.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
	MediaGif   MediaKind = "gif"
)

// Media is one ordered media reference in a publish request, sourced from a
// local path or a remote URL (exactly one of Path/URL is set).
type Media struct {
	Kind    MediaKind
	Path    string
	URL     string
	AltText string
	MIME    string
}

// Remote reports whether the media is pulled from a remote URL.
func (m Media) Remote() bool { return m.URL != "" }

// PublishRequest is the canonical payload for one publish attempt against one
// account. It is immutable once constructed.
type PublishRequest struct {
	Text    string
	Media   []Media
	Options map[string]any // provider-specific option bag
}

// OptionString returns a string option or the fallback.
func (r PublishRequest) OptionString(key, fallback string) string {
	if v, ok := r.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// OptionBool returns a bool option, false when absent.
func (r PublishRequest) OptionBool(key string) bool {
	v, _ := r.Options[key].(bool)
	return v
}

// OptionInt returns an integer option, zero when absent. JSON-decoded option
// bags carry numbers as float64, so both forms are accepted.
func (r PublishRequest) OptionInt(key string) int {
	switch v := r.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// MediaOfKind returns the request media filtered to one kind.
func (r PublishRequest) MediaOfKind(kind MediaKind) []Media {
	var out []Media
	for _, m := range r.Media {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Identity is the canonical "current user" shape across providers.
type Identity struct {
	ID        string
	Name      string
	Username  string
	AvatarURL string
	Extra     map[string]string
}

// Entity is a manageable sub-target within a provider account, such as a
// Discord channel. Providers without sub-targets expose the account itself.
type Entity struct {
	ID        string
	Name      string
	Username  string
	AvatarURL string
	Data      map[string]string
}

// Metrics is a best-effort canonical analytics bag. Missing provider fields
// stay at zero; fetching metrics never fails a call over optional analytics.
type Metrics struct {
	Counts map[string]int64
	Live   bool
}

// ResultSink receives one canonical result per (post, account) pair. It is
// the narrow contract with the excluded scheduler/persistence layer.
type ResultSink interface {
	OnResult(postID, accountID string, res PublishResult)
}

// Authorizer drives the OAuth lifecycle for providers that support it.
type Authorizer interface {
	// AuthorizeURL returns the provider authorization URL and the id of the
	// transient session holding the CSRF state (and PKCE verifier).
	AuthorizeURL(ctx context.Context) (url string, sessionID string, err error)
	// Exchange trades the returned code for a token. A state mismatch fails
	// closed with InvalidStateError and never touches the token endpoint.
	Exchange(ctx context.Context, sessionID, returnedState, code string) (Token, error)
	// Refresh obtains a fresh token. When the provider response omits a new
	// refresh token the previous one is preserved.
	Refresh(ctx context.Context, tok Token) (Token, error)
	// Revoke invalidates the token, best effort.
	Revoke(ctx context.Context, tok Token) bool
}

// ResourceFetcher maps provider resources into canonical shapes.
type ResourceFetcher interface {
	FetchIdentity(ctx context.Context, account Account) (Identity, error)
	// FetchEntities lists the sub-targets the account can post to. Providers
	// with OnlyUserAccount return the account identity as the single entity.
	FetchEntities(ctx context.Context, account Account) ([]Entity, error)
	OnlyUserAccount() bool
}

// MetricsFetcher exposes provider analytics, best effort.
type MetricsFetcher interface {
	FetchMetrics(ctx context.Context, account Account) (Metrics, error)
}

// Publisher performs the provider-specific publish operation.
type Publisher interface {
	Publish(ctx context.Context, account Account, req PublishRequest) PublishResult
}

// PostEditor edits a previously published post.
type PostEditor interface {
	Edit(ctx context.Context, account Account, postID string, req PublishRequest) PublishResult
}

// PostDeleter deletes a previously published post.
type PostDeleter interface {
	Delete(ctx context.Context, account Account, postID string) error
}

// URLBuilder constructs a human-navigable link to a published post. Pure
// string construction; must fall back to a sane default URL when required
// path segments are missing.
type URLBuilder interface {
	ExternalURL(account Account, postID string) string
}

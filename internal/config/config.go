// Package config loads application settings from the environment, with an
// optional .env file, and assembles the provider registry from whatever
// credentials are present.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
	"github.com/crosscast/crosscast/internal/social/bluesky"
	"github.com/crosscast/crosscast/internal/social/discord"
	"github.com/crosscast/crosscast/internal/social/dispatch"
	"github.com/crosscast/crosscast/internal/social/mastodon"
	"github.com/crosscast/crosscast/internal/social/tiktok"
	"github.com/crosscast/crosscast/internal/social/twitch"
	"github.com/crosscast/crosscast/internal/social/twitter"
	"github.com/crosscast/crosscast/internal/social/whatnot"
	"github.com/crosscast/crosscast/internal/social/youtube"
	"github.com/joho/godotenv"
)

// Config holds the cross-provider application settings. Provider credentials
// stay in the environment and are read at provider construction.
type Config struct {
	// Concurrency caps parallel publishes in a batch.
	Concurrency int

	// RefreshLeeway is how long before expiry a token counts as stale.
	RefreshLeeway time.Duration

	LogLevel string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: getEnv("CROSSCAST_LOG_LEVEL", "info"),
	}

	concurrency, err := strconv.Atoi(getEnv("CROSSCAST_CONCURRENCY", strconv.Itoa(dispatch.DefaultConcurrency)))
	if err != nil || concurrency < 1 {
		return nil, fmt.Errorf("invalid CROSSCAST_CONCURRENCY: %q", getEnv("CROSSCAST_CONCURRENCY", ""))
	}
	cfg.Concurrency = concurrency

	cfg.RefreshLeeway, err = time.ParseDuration(getEnv("CROSSCAST_REFRESH_LEEWAY", social.DefaultRefreshLeeway.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid CROSSCAST_REFRESH_LEEWAY: %w", err)
	}

	return cfg, nil
}

// BuildRegistry constructs every provider whose credentials are configured
// and registers its bundle. Providers with missing credentials are skipped,
// not fatal: a publish naming them still fails cleanly as unknown.
func BuildRegistry(ctx context.Context, cfg *Config, store social.TokenStore) (*social.Registry, error) {
	registry := social.NewRegistry()
	tokens := social.NewTokenManager(store, cfg.RefreshLeeway)

	type builder struct {
		provider social.Provider
		build    func() (*social.Bundle, error)
	}
	builders := []builder{
		{social.ProviderDiscord, func() (*social.Bundle, error) {
			c, err := discord.New(discord.Config{}, tokens, nil)
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderTikTok, func() (*social.Bundle, error) {
			c, err := tiktok.New(tiktok.Config{}, tokens, nil)
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderTwitch, func() (*social.Bundle, error) {
			c, err := twitch.New(twitch.Config{}, tokens, nil)
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderWhatnot, func() (*social.Bundle, error) {
			c, err := whatnot.New(whatnot.Config{}, tokens, nil)
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderYouTube, func() (*social.Bundle, error) {
			c, err := youtube.New(youtube.Config{}, tokens, nil)
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderTwitter, func() (*social.Bundle, error) {
			c, err := twitter.New(twitter.Config{})
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderMastodon, func() (*social.Bundle, error) {
			c, err := mastodon.New(mastodon.Config{})
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
		{social.ProviderBluesky, func() (*social.Bundle, error) {
			c, err := bluesky.New(ctx, bluesky.Config{})
			if err != nil {
				return nil, err
			}
			return c.Bundle(), nil
		}},
	}

	for _, b := range builders {
		bundle, err := b.build()
		if err != nil {
			var missing social.MissingEnvError
			if errors.As(err, &missing) {
				logutil.Debugf("%s not configured: %v", b.provider, err)
				continue
			}
			return nil, fmt.Errorf("configure %s: %w", b.provider, err)
		}
		registry.Register(bundle)
		logutil.Debugf("%s registered", b.provider)
	}

	if len(registry.Providers()) == 0 {
		return nil, fmt.Errorf("no providers configured; set provider credentials in the environment or a .env file")
	}
	return registry, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

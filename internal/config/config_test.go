package config

import (
	"context"
	"testing"
	"time"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CROSSCAST_DISCORD_CLIENT_ID", "CROSSCAST_DISCORD_CLIENT_SECRET", "CROSSCAST_DISCORD_WEBHOOK_URL", "CROSSCAST_DISCORD_BOT_TOKEN",
		"CROSSCAST_TIKTOK_CLIENT_KEY", "CROSSCAST_TIKTOK_CLIENT_SECRET",
		"CROSSCAST_TWITCH_CLIENT_ID", "CROSSCAST_TWITCH_CLIENT_SECRET",
		"CROSSCAST_WHATNOT_CLIENT_ID", "CROSSCAST_WHATNOT_CLIENT_SECRET",
		"CROSSCAST_YOUTUBE_CLIENT_ID", "CROSSCAST_YOUTUBE_CLIENT_SECRET",
		"CROSSCAST_TWITTER_CONSUMER_KEY", "CROSSCAST_TWITTER_CONSUMER_SECRET",
		"CROSSCAST_TWITTER_ACCESS_TOKEN", "CROSSCAST_TWITTER_ACCESS_TOKEN_SECRET",
		"CROSSCAST_MASTODON_SERVER", "CROSSCAST_MASTODON_ACCESS_TOKEN",
		"CROSSCAST_BLUESKY_HANDLE", "CROSSCAST_BLUESKY_APP_PASSWORD",
	} {
		t.Setenv(env, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CROSSCAST_CONCURRENCY", "")
		t.Setenv("CROSSCAST_REFRESH_LEEWAY", "")
		t.Setenv("CROSSCAST_LOG_LEVEL", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Concurrency)
		assert.Equal(t, social.DefaultRefreshLeeway, cfg.RefreshLeeway)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("CROSSCAST_CONCURRENCY", "8")
		t.Setenv("CROSSCAST_REFRESH_LEEWAY", "10m")
		t.Setenv("CROSSCAST_LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Concurrency)
		assert.Equal(t, 10*time.Minute, cfg.RefreshLeeway)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("invalid concurrency rejected", func(t *testing.T) {
		t.Setenv("CROSSCAST_CONCURRENCY", "zero")
		_, err := Load()
		assert.Error(t, err)

		t.Setenv("CROSSCAST_CONCURRENCY", "0")
		_, err = Load()
		assert.Error(t, err)
	})

	t.Run("invalid leeway rejected", func(t *testing.T) {
		t.Setenv("CROSSCAST_CONCURRENCY", "")
		t.Setenv("CROSSCAST_REFRESH_LEEWAY", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestBuildRegistry(t *testing.T) {
	t.Run("no credentials means no registry", func(t *testing.T) {
		clearProviderEnv(t)
		cfg := &Config{Concurrency: 4, RefreshLeeway: time.Minute}
		_, err := BuildRegistry(context.Background(), cfg, social.NewMemoryTokenStore())
		assert.Error(t, err)
	})

	t.Run("configured providers registered, the rest skipped", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("CROSSCAST_DISCORD_WEBHOOK_URL", "https://discord.com/api/webhooks/1/x")
		t.Setenv("CROSSCAST_TWITCH_CLIENT_ID", "twitch-app")
		t.Setenv("CROSSCAST_TWITCH_CLIENT_SECRET", "twitch-secret")

		cfg := &Config{Concurrency: 4, RefreshLeeway: time.Minute}
		registry, err := BuildRegistry(context.Background(), cfg, social.NewMemoryTokenStore())
		require.NoError(t, err)

		assert.ElementsMatch(t, []social.Provider{social.ProviderDiscord, social.ProviderTwitch}, registry.Providers())

		_, err = registry.Resolve(social.ProviderTwitter)
		var unknown social.UnknownProviderError
		assert.ErrorAs(t, err, &unknown)
	})
}

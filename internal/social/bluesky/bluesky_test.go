package bluesky

import (
	"testing"

	"github.com/crosscast/crosscast/internal/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing credentials reported", func(t *testing.T) {
		t.Setenv(envHandle, "")
		t.Setenv(envAppPassword, "")
		_, err := loadConfig(Config{})
		var missing social.MissingEnvError
		require.ErrorAs(t, err, &missing)
		assert.ElementsMatch(t, []string{envHandle, envAppPassword}, missing.Variables)
	})

	t.Run("environment wins over supplied values", func(t *testing.T) {
		t.Setenv(envHandle, "env.bsky.social")
		t.Setenv(envAppPassword, "env-pass")
		t.Setenv(envPDSURL, "")

		cfg, err := loadConfig(Config{Handle: "base.bsky.social", AppPassword: "base-pass"})
		require.NoError(t, err)
		assert.Equal(t, "env.bsky.social", cfg.Handle)
		assert.Equal(t, "https://bsky.social", cfg.PDSURL, "PDS defaults to bsky.social")
	})
}

func TestRecordKey(t *testing.T) {
	assert.Equal(t, "3kabc", recordKey("at://did:plc:abc/app.bsky.feed.post/3kabc"))
	assert.Equal(t, "bare", recordKey("bare"))
}

func TestPointerHelpers(t *testing.T) {
	s := "x"
	n := int64(7)
	assert.Equal(t, "x", stringValue(&s))
	assert.Empty(t, stringValue(nil))
	assert.Equal(t, int64(7), int64Value(&n))
	assert.Zero(t, int64Value(nil))
}

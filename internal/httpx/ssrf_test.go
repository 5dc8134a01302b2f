package httpx

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRemoteURL(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-http schemes", func(t *testing.T) {
		for _, raw := range []string{
			"file:///etc/passwd",
			"ftp://example.com/video.mp4",
			"gopher://example.com/",
		} {
			assert.Error(t, ValidateRemoteURL(ctx, raw), raw)
		}
	})

	t.Run("rejects addresses that reach internal services", func(t *testing.T) {
		for _, raw := range []string{
			"http://127.0.0.1/media.png",
			"http://localhost:8080/media.png",
			"http://10.0.0.5/media.png",
			"http://192.168.1.1/media.png",
			"http://172.16.0.1/media.png",
			"http://169.254.169.254/latest/meta-data",
			"http://0.0.0.0/media.png",
			"http://[::1]/media.png",
		} {
			assert.Error(t, ValidateRemoteURL(ctx, raw), raw)
		}
	})

	t.Run("rejects url without host", func(t *testing.T) {
		require.Error(t, ValidateRemoteURL(ctx, "http:///media.png"))
	})

	t.Run("accepts public addresses", func(t *testing.T) {
		// IP literals resolve locally, no DNS involved.
		assert.NoError(t, ValidateRemoteURL(ctx, "https://8.8.8.8/media.png"))
		assert.NoError(t, ValidateRemoteURL(ctx, "http://1.1.1.1:8080/media.png"))
	})
}

func TestPublicUnicast(t *testing.T) {
	cases := []struct {
		ip     string
		public bool
	}{
		{"8.8.8.8", true},
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"192.168.0.1", false},
		{"172.31.255.255", false},
		{"169.254.0.1", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"fe80::1", false},
		{"2001:4860:4860::8888", true},
	}
	for _, tc := range cases {
		t.Run(tc.ip, func(t *testing.T) {
			ip := net.ParseIP(tc.ip)
			require.NotNil(t, ip)
			assert.Equal(t, tc.public, publicUnicast(ip))
		})
	}
}

package httpx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ValidateRemoteURL rejects user-supplied media URLs that could be abused to
// reach internal services: only http/https schemes are allowed and the
// resolved host must be a public unicast address.
func ValidateRemoteURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse media url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("media url scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("media url %q has no host", raw)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve media host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if !publicUnicast(addr.IP) {
			return fmt.Errorf("media host %q resolves to non-public address %s", host, addr.IP)
		}
	}
	return nil
}

func publicUnicast(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	return true
}

// FetchRemote validates and downloads a remote media URL. The GET is
// idempotent, so transient failures go through the retry loop. The caller
// owns the returned body and must close it.
func FetchRemote(ctx context.Context, client *http.Client, raw string) (*http.Response, error) {
	if err := ValidateRemoteURL(ctx, raw); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := DoWithRetry(ctx, client, req, DefaultRetryConfig())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch media url: status %d", resp.StatusCode)
	}
	return resp, nil
}

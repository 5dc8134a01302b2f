package social

import (
	"fmt"
	"net/http"
	"strings"
)

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  Provider
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Provider, strings.Join(e.Variables, ", "))
}

// ValidationError captures provider-specific validation issues. It is never
// retried and produced without any network call.
type ValidationError struct {
	Provider Provider
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

// InvalidStateError means the OAuth callback state did not match the stored
// session state. The flow must be restarted; never retried.
type InvalidStateError struct {
	Provider Provider
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s oauth state mismatch", e.Provider)
}

// UnauthorizedError means the grant is expired or revoked and the account
// needs operator re-authentication. Never retried automatically.
type UnauthorizedError struct {
	Provider Provider
	Reason   string
}

func (e UnauthorizedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s authorization expired or revoked", e.Provider)
	}
	return fmt.Sprintf("%s unauthorized: %s", e.Provider, e.Reason)
}

// UploadError is a chunk or transfer failure. Transient causes are retryable,
// client-side rejections are not.
type UploadError struct {
	Provider  Provider
	Reason    string
	Transient bool
}

func (e UploadError) Error() string {
	return fmt.Sprintf("%s upload failed: %s", e.Provider, e.Reason)
}

// ProviderError is an opaque provider-side failure carrying the HTTP status
// when one was observed.
type ProviderError struct {
	Provider Provider
	Status   int
	Message  string
}

func (e ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s request failed (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// Transient reports whether the failure is worth retrying. Server-side and
// rate-limit statuses are; other 4xx responses indicate a permanent condition.
func (e ProviderError) Transient() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// UnknownProviderError indicates a configuration or programming error; the
// requested provider is not registered.
type UnknownProviderError struct {
	ID Provider
}

func (e UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", string(e.ID))
}

// UnsupportedCapabilityError indicates a capability was invoked on a provider
// that does not implement it. Fatal, not retried; callers must query the
// bundle before invoking.
type UnsupportedCapabilityError struct {
	Provider   Provider
	Capability string
}

func (e UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Provider, e.Capability)
}

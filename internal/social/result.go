package social

import (
	"context"
	"errors"
	"net/http"
)

// FailureKind classifies a publish failure per the error taxonomy.
type FailureKind string

const (
	FailValidation      FailureKind = "validation"
	FailInvalidState    FailureKind = "invalid_state"
	FailUnauthorized    FailureKind = "unauthorized"
	FailUpload          FailureKind = "upload"
	FailTimeout         FailureKind = "timeout"
	FailProvider        FailureKind = "provider"
	FailUnknownProvider FailureKind = "unknown_provider"
	FailUnsupported     FailureKind = "unsupported_capability"
)

// Failure describes one failed publish attempt.
type Failure struct {
	Kind      FailureKind
	Message   string
	Retryable bool
}

// PublishResult is the canonical outcome of one (request, account) publish
// attempt. Exactly one is produced per attempt and never mutated; a retry
// supersedes it with a new result.
type PublishResult struct {
	PostID     string
	URL        string
	Processing bool // provider accepted the post but is still processing media
	Failure    *Failure
}

// OK reports whether the attempt succeeded.
func (r PublishResult) OK() bool { return r.Failure == nil }

// Terminal reports whether the result needs no further attempts: success or a
// non-retryable failure.
func (r PublishResult) Terminal() bool {
	return r.Failure == nil || !r.Failure.Retryable
}

// Succeeded builds a success result.
func Succeeded(postID, url string) PublishResult {
	return PublishResult{PostID: postID, URL: url}
}

// Accepted builds a success result for providers that process media
// server-side after the hand-off; status must be polled later.
func Accepted(postID string) PublishResult {
	return PublishResult{PostID: postID, Processing: true}
}

// Failed builds a failure result.
func Failed(kind FailureKind, message string, retryable bool) PublishResult {
	return PublishResult{Failure: &Failure{Kind: kind, Message: message, Retryable: retryable}}
}

// ResultFromError maps a typed error from this package (or a context error)
// onto the canonical failure taxonomy.
func ResultFromError(err error) PublishResult {
	var (
		validation   ValidationError
		invalidState InvalidStateError
		unauthorized UnauthorizedError
		upload       UploadError
		provider     ProviderError
		unknown      UnknownProviderError
		unsupported  UnsupportedCapabilityError
		missingEnv   MissingEnvError
	)
	switch {
	case errors.As(err, &validation):
		return Failed(FailValidation, validation.Error(), false)
	case errors.As(err, &invalidState):
		return Failed(FailInvalidState, invalidState.Error(), false)
	case errors.As(err, &unauthorized):
		return Failed(FailUnauthorized, unauthorized.Error(), false)
	case errors.As(err, &upload):
		return Failed(FailUpload, upload.Error(), upload.Transient)
	case errors.As(err, &provider):
		if provider.Status == http.StatusUnauthorized {
			return Failed(FailUnauthorized, provider.Error(), false)
		}
		return Failed(FailProvider, provider.Error(), provider.Transient())
	case errors.As(err, &unknown):
		return Failed(FailUnknownProvider, unknown.Error(), false)
	case errors.As(err, &unsupported):
		return Failed(FailUnsupported, unsupported.Error(), false)
	case errors.As(err, &missingEnv):
		return Failed(FailValidation, missingEnv.Error(), false)
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(FailTimeout, err.Error(), true)
	case errors.Is(err, context.Canceled):
		return Failed(FailTimeout, err.Error(), false)
	default:
		return Failed(FailProvider, err.Error(), true)
	}
}

// ResultFromStatus maps a provider HTTP response status onto a failure.
// 401 signals the account needs re-authentication and is never retried.
func ResultFromStatus(p Provider, status int, message string) PublishResult {
	if status == http.StatusUnauthorized {
		return Failed(FailUnauthorized, UnauthorizedError{Provider: p, Reason: message}.Error(), false)
	}
	perr := ProviderError{Provider: p, Status: status, Message: message}
	return Failed(FailProvider, perr.Error(), perr.Transient())
}

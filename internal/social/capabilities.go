package social

import (
	"fmt"
	"unicode/utf8"
)

// Capabilities is the immutable per-provider declaration of posting limits.
// A max of zero for a media kind means the kind is not supported.
type Capabilities struct {
	// SimultaneousPosting allows one post to target several accounts of this
	// provider at once.
	SimultaneousPosting bool

	MinTextChars int
	MaxTextChars int

	MinPhotos int
	MaxPhotos int
	MinVideos int
	MaxVideos int
	MinGifs   int
	MaxGifs   int

	// MixedMediaTypes allows photos, videos and gifs in the same post.
	MixedMediaTypes bool
}

// ValidateRequest checks a request against a provider's capabilities. A
// violation is terminal and reported before any network call is made.
func ValidateRequest(p Provider, req PublishRequest, caps Capabilities) error {
	length := utf8.RuneCountInString(req.Text)
	if length < caps.MinTextChars {
		return ValidationError{Provider: p, Reason: fmt.Sprintf("text is %d characters, minimum is %d", length, caps.MinTextChars)}
	}
	if caps.MaxTextChars > 0 && length > caps.MaxTextChars {
		return ValidationError{Provider: p, Reason: fmt.Sprintf("text is %d characters, maximum is %d", length, caps.MaxTextChars)}
	}

	var photos, videos, gifs int
	for _, m := range req.Media {
		switch m.Kind {
		case MediaPhoto:
			photos++
		case MediaVideo:
			videos++
		case MediaGif:
			gifs++
		default:
			return ValidationError{Provider: p, Reason: fmt.Sprintf("unknown media kind %q", m.Kind)}
		}
	}

	if err := checkCount(p, "photo", photos, caps.MinPhotos, caps.MaxPhotos); err != nil {
		return err
	}
	if err := checkCount(p, "video", videos, caps.MinVideos, caps.MaxVideos); err != nil {
		return err
	}
	if err := checkCount(p, "gif", gifs, caps.MinGifs, caps.MaxGifs); err != nil {
		return err
	}

	if !caps.MixedMediaTypes {
		kinds := 0
		for _, n := range []int{photos, videos, gifs} {
			if n > 0 {
				kinds++
			}
		}
		if kinds > 1 {
			return ValidationError{Provider: p, Reason: "mixing media types is not allowed"}
		}
	}

	return nil
}

func checkCount(p Provider, kind string, n, min, max int) error {
	if n < min {
		return ValidationError{Provider: p, Reason: fmt.Sprintf("at least %d %s(s) required, got %d", min, kind, n)}
	}
	if n > max {
		return ValidationError{Provider: p, Reason: fmt.Sprintf("at most %d %s(s) allowed, got %d", max, kind, n)}
	}
	return nil
}

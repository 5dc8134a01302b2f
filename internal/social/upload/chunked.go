// Package upload implements the chunked/resumable media transfer loop shared
// by the video-heavy providers. The continuation signal differs per provider
// (YouTube and TikTok use an HTTP 308-style "send more" status) and is
// injected as a status classifier.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/crosscast/crosscast/internal/logutil"
	"github.com/crosscast/crosscast/internal/social"
)

// DefaultChunkSize is 10 MiB, the chunk size the providers document.
const DefaultChunkSize = 10 << 20

// Signal is the classified outcome of one chunk request.
type Signal int

const (
	// SignalContinue means the chunk was accepted and more bytes are expected.
	SignalContinue Signal = iota
	// SignalComplete means the upload finished with this chunk.
	SignalComplete
	// SignalFatal abandons the session.
	SignalFatal
)

// Classifier maps a provider response status to a continuation signal.
type Classifier func(status int) Signal

// ResumeClassifier handles the common dialect: 308 means "chunk accepted,
// send more", 200/201 mean the upload is finished, anything else is fatal.
func ResumeClassifier(status int) Signal {
	switch status {
	case http.StatusPermanentRedirect:
		return SignalContinue
	case http.StatusOK, http.StatusCreated:
		return SignalComplete
	default:
		return SignalFatal
	}
}

// Session is the transient state of one chunked upload. It is owned
// exclusively by the publish operation that created it.
type Session struct {
	Provider    social.Provider
	UploadURL   string
	TotalSize   int64
	ChunkSize   int64
	Offset      int64 // next byte to send
	ExternalID  string
	ContentType string
	// Header is applied to every chunk request (e.g. Authorization).
	Header http.Header
}

func (s *Session) chunkSize() int64 {
	if s.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return s.ChunkSize
}

// PutChunks streams r to the session URL in Content-Range chunks until the
// classifier reports completion. Cancellation is checked before every chunk
// so a cancelled post never finishes an upload. The final response body is
// returned for providers that report the created resource there.
func PutChunks(ctx context.Context, client *http.Client, sess *Session, r io.ReaderAt, classify Classifier) ([]byte, error) {
	if classify == nil {
		classify = ResumeClassifier
	}

	for sess.Offset < sess.TotalSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		size := sess.chunkSize()
		if remaining := sess.TotalSize - sess.Offset; remaining < size {
			size = remaining
		}
		start := sess.Offset
		end := start + size - 1

		chunk := io.NewSectionReader(r, start, size)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.UploadURL, chunk)
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		for k, vs := range sess.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if sess.ContentType != "" {
			req.Header.Set("Content-Type", sess.ContentType)
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, sess.TotalSize))

		logutil.Debugf("%s: uploading chunk %d-%d/%d", sess.Provider, start, end, sess.TotalSize)
		resp, err := client.Do(req)
		if err != nil {
			return nil, social.UploadError{Provider: sess.Provider, Reason: err.Error(), Transient: true}
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch classify(resp.StatusCode) {
		case SignalComplete:
			if readErr != nil {
				return nil, social.UploadError{Provider: sess.Provider, Reason: readErr.Error(), Transient: true}
			}
			sess.Offset = sess.TotalSize
			return body, nil
		case SignalContinue:
			// Providers may acknowledge fewer bytes than sent via a Range
			// header; resume from their last good byte.
			sess.Offset = end + 1
			if next, ok := rangeEnd(resp.Header.Get("Range")); ok {
				sess.Offset = next + 1
			}
		default:
			return nil, social.UploadError{
				Provider:  sess.Provider,
				Reason:    fmt.Sprintf("chunk %d-%d rejected with status %d", start, end, resp.StatusCode),
				Transient: resp.StatusCode >= 500,
			}
		}
	}

	return nil, social.UploadError{Provider: sess.Provider, Reason: "upload ended before provider reported completion", Transient: true}
}

// PutFile uploads a local file through PutChunks. The handle is released on
// every exit path.
func PutFile(ctx context.Context, client *http.Client, sess *Session, path string, classify Classifier) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	if sess.TotalSize == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat media file: %w", err)
		}
		sess.TotalSize = info.Size()
	}

	return PutChunks(ctx, client, sess, f, classify)
}

// rangeEnd parses the last acknowledged byte out of a "bytes=0-N" header.
func rangeEnd(header string) (int64, bool) {
	header = strings.TrimPrefix(header, "bytes=")
	idx := strings.LastIndexByte(header, '-')
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"podscribe/transcriber/internal/pipeline"
)

// DefaultTimeout bounds a whole download, including redirects and the body.
const DefaultTimeout = 120 * time.Second

const maxRedirects = 10

// HTTPFetcher downloads audio over HTTP(S), following redirects.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    logrus.FieldLogger
}

// NewHTTPFetcher creates a fetcher whose downloads are bounded by timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, logger logrus.FieldLogger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch writes the audio at url to dest. On failure dest is removed and the error is a
// *pipeline.DownloadError.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	written, err := f.fetch(ctx, url, dest)
	if err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			f.logger.WithError(rmErr).WithField("path", dest).Warn("Failed to remove partial download")
		}
		return &pipeline.DownloadError{URL: url, Err: err}
	}
	f.logger.WithFields(logrus.Fields{"url": pipeline.RedactURL(url), "bytes": written}).Debug("Audio downloaded")
	return nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return written, fmt.Errorf("read body: %w", copyErr)
	}
	if closeErr != nil {
		return written, closeErr
	}
	if written == 0 {
		return 0, errors.New("empty response body")
	}
	return written, nil
}
